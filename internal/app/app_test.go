package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cmdqueue/internal/memory"
)

const bootPipeline = `
commands:
  - 'internals.setMemory({"name":"boot","value":1,"mode":"Permanent"}, {"queueRun":"Instant"});'
  - 'internals.setRegister({"name":"booted"}, {"queueRun":"Instant"});'
  - 'internals.setMemory({"name":"greeting","value":"hi","mode":"Session"}, {"queuePrepare":"greet"});'
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func setup(t *testing.T, watch bool) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "boot.yaml"), bootPipeline)
	cfg := `
logging:
  level: error
engine:
  sync: true
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "state.db") + `
pipelines: [boot.yaml]
capabilities:
  timer:
    enabled: true
    config: {timezone: UTC}
`
	if watch {
		cfg += "watch: true\n"
	}
	path := filepath.Join(dir, "cmdqueue.yaml")
	writeFile(t, path, cfg)
	return path
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartSubmitsPipelines(t *testing.T) {
	a := startApp(t, setup(t, false))
	defer stopApp(t, a)

	eng := a.Engine()
	if !eng.HasRegister("booted") {
		t.Fatal("pipeline Instant entry did not run")
	}
	if diff := cmp.Diff([]string{"greet"}, eng.Prepared()); diff != "" {
		t.Fatalf("prepared mismatch (-want +got):\n%s", diff)
	}
	if !eng.Execute("greet", nil, false) {
		t.Fatal("greet not executed")
	}
	if it, ok := eng.GetMemory("greeting"); !ok || it.Value != "hi" {
		t.Fatalf("greeting = %+v, %v", it, ok)
	}
	if eng.Pending() != 0 {
		t.Fatalf("pending = %d", eng.Pending())
	}
}

func TestPermanentMemorySurvivesRestart(t *testing.T) {
	cfgPath := setup(t, false)
	a := startApp(t, cfgPath)
	if err := a.Engine().SetMemory("kept", "yes", memory.Permanent); err != nil {
		t.Fatalf("SetMemory: %v", err)
	}
	stopApp(t, a)

	// Drop the pipeline so only restored memory can satisfy the checks.
	writeFile(t, filepath.Join(filepath.Dir(cfgPath), "boot.yaml"), "commands: []\n")
	b := startApp(t, cfgPath)
	defer stopApp(t, b)
	for _, name := range []string{"boot", "kept"} {
		if _, ok := b.Engine().GetMemory(name); !ok {
			t.Fatalf("permanent memory %q not restored", name)
		}
	}
	if _, ok := b.Engine().GetMemory("greeting"); ok {
		t.Fatal("session memory restored")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown capability":    "capabilities:\n  telegram: {enabled: true}\n",
		"bad capability config": "capabilities:\n  timer: {enabled: true, config: {zone: UTC}}\n",
		"sqlite without path":   "storage: {driver: sqlite}\n",
		"bad handshake":         "capabilities:\n  websocket: {enabled: true, config: {handshake_timeout: soon}}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, "c.yaml")
			writeFile(t, p, body)
			if _, err := New(p); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestPipelineTemplatesReload(t *testing.T) {
	cfgPath := setup(t, true)
	a := startApp(t, cfgPath)
	defer stopApp(t, a)

	eng := a.Engine()
	eng.DeleteRegister("booted")

	updated := bootPipeline + `  - 'internals.setRegister({"name":"extra"}, {"queuePrepare":"added"});'` + "\n"
	pipe := filepath.Join(filepath.Dir(cfgPath), "boot.yaml")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := eng.PreparedEntry("added"); ok {
			if eng.HasRegister("booted") {
				t.Fatal("reload re-ran an Instant entry")
			}
			return
		}
		writeFile(t, pipe, updated)
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatal("pipeline templates not reloaded")
}

func TestEventLogRecordsQueueEventsOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "boot.yaml"), bootPipeline)
	logPath := filepath.Join(dir, "app.log")
	cfgPath := filepath.Join(dir, "cmdqueue.yaml")
	writeFile(t, cfgPath, `
logging:
  level: trace
  file: {enabled: true, path: `+logPath+`}
engine:
  sync: true
pipelines: [boot.yaml]
`)
	a := startApp(t, cfgPath)

	// Both boot chains finish; register.set is published between them.
	deadline := time.Now().Add(5 * time.Second)
	var out string
	for strings.Count(out, `"type":"queue.finished"`) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("queue events not logged: %q", out)
		}
		time.Sleep(20 * time.Millisecond)
		b, _ := os.ReadFile(logPath)
		out = string(b)
	}
	stopApp(t, a)

	if !strings.Contains(out, `"type":"queue.submitted"`) {
		t.Fatal("queue.submitted not logged")
	}
	for _, typ := range []string{"register.set", "memory.set"} {
		if strings.Contains(out, `"type":"`+typ+`"`) {
			t.Fatalf("%s logged by the queue event logger", typ)
		}
	}
	if n := a.sup.Active(); n != 0 {
		t.Fatalf("active goroutines after stop = %d", n)
	}
}
