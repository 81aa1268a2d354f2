package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logx "cmdqueue/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  sync: false
  default_timer: 20ms
storage:
  driver: sqlite
  path: ./state.db
pipelines:
  - ./boot.yaml
capabilities:
  timer:
    enabled: true
    config:
      timezone: UTC
  websocket:
    enabled: false
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseBytes("cmdqueue.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if diff := cmp.Diff([]string{"./boot.yaml"}, cfg.Pipelines); diff != "" {
		t.Fatalf("pipelines mismatch (-want +got):\n%s", diff)
	}
	tc, ok := cfg.Capability("timer")
	if !ok {
		t.Fatal("timer capability not enabled")
	}
	type timerCfg struct {
		Timezone string `json:"timezone"`
	}
	got, err := DecodeRaw[timerCfg](tc.Config)
	if err != nil || got.Timezone != "UTC" {
		t.Fatalf("DecodeRaw = %+v, %v", got, err)
	}
	if _, ok := cfg.Capability("websocket"); ok {
		t.Fatal("disabled capability reported enabled")
	}
	if _, ok := cfg.Capability("missing"); ok {
		t.Fatal("missing capability reported enabled")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
	}{
		{"unknown top-level field", "c.yaml", "bogus: 1\n"},
		{"unknown capability field", "c.yaml", "capabilities:\n  timer:\n    enabeld: true\n"},
		{"bad duration", "c.yaml", "engine:\n  default_timer: soon\n"},
		{"negative duration", "c.json", `{"memory":{"expiry":"-1h"}}`},
		{"unknown driver", "c.json", `{"storage":{"driver":"redis"}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBytes(tc.path, []byte(tc.body)); err == nil {
				t.Fatalf("expected error for %q", tc.body)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	var cfg Config
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Settings{
		DefaultTimer: DefaultTimer,
		ErrorQueue:   DefaultErrorQueue,
		ErrorMemory:  DefaultErrorMemory,
		DiagHistory:  DefaultDiagHistory,
		DiagRate:     DefaultDiagRate,
		KeyPrefix:    "OT_",
		Expiry:       7 * 24 * time.Hour,
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRejectsNegativeLuaBudget(t *testing.T) {
	cfg := Config{Predicate: PredicateConfig{Lua: true, LuaBudget: -1}}
	if _, err := cfg.Resolve(); err == nil || !strings.Contains(err.Error(), "predicate.lua_budget") {
		t.Fatalf("Resolve err = %v, want lua_budget error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CMDQ_LOG_LEVEL", "warn")
	t.Setenv("CMDQ_SYNC", "true")
	t.Setenv("CMDQ_STORAGE_DRIVER", "file")
	t.Setenv("CMDQ_PREDICATE_LUA", "true")

	cfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "warn" || !cfg.Engine.Sync || cfg.Storage.Driver != "file" || !cfg.Predicate.Lua {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.Path != "./state.db" {
		t.Fatalf("unset env overwrote path: %q", cfg.Storage.Path)
	}
}

func TestApplyEnvBadBool(t *testing.T) {
	t.Setenv("CMDQ_SYNC", "maybe")
	if err := ApplyEnv(&Config{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	newCfg, _ := ParseBytes("c.yaml", []byte(sampleYAML))
	newCfg.Logging.Level = "info"
	newCfg.Capabilities["websocket"] = CapabilityConfig{Enabled: true}
	newCfg.Capabilities["timer"] = CapabilityConfig{Enabled: true, Config: []byte(`{ "timezone" : "UTC" }`)}

	sections, _, caps := SummarizeChange(oldCfg, newCfg)
	if diff := cmp.Diff([]string{"capabilities", "logging"}, sections); diff != "" {
		t.Fatalf("sections mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"websocket"}, caps); diff != "" {
		t.Fatalf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if !RestartRequired(sections) {
		t.Fatal("capability change should require restart")
	}
	if RestartRequired([]string{"logging", "pipelines"}) {
		t.Fatal("logging change should apply live")
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cmdqueue.yaml", sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload = %v, %v", published, err)
	}

	writeFile(t, dir, "cmdqueue.yaml", sampleYAML+"watch: true\n")
	m.SetValidator(func(context.Context, *Config) error { return nil })
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed reload = %v, %v", published, err)
	}
	select {
	case cfg := <-ch:
		if !cfg.Watch {
			t.Fatalf("published stale config: %+v", cfg)
		}
	default:
		t.Fatal("nothing published")
	}
	if !m.Get().Watch {
		t.Fatal("config not committed")
	}

	writeFile(t, dir, "cmdqueue.yaml", "bogus: 1\n")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	if !m.Get().Watch {
		t.Fatal("bad reload replaced committed config")
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "p.yaml", "a: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = WatchFile(ctx, path, nopLogger(), func() { fired <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-fired:
			cancel()
			<-done
			return
		case <-tick.C:
			// Keep touching the file until the watcher is up.
			writeFile(t, dir, "p.yaml", "a: 2\n")
		case <-deadline:
			t.Fatal("change not observed")
		}
	}
}

func nopLogger() logx.Logger { return logx.Nop() }
