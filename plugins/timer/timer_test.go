package timer

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cmdqueue/internal/command"
	"cmdqueue/internal/engine"
	"cmdqueue/plugins/internals"
)

func newEngine(t *testing.T, p *Plugin) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.Config{Sync: true}, engine.Deps{})
	if err := eng.Register(internals.New(), p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func submit(t *testing.T, eng *engine.Engine, script string) {
	t.Helper()
	if err := eng.SubmitText(script); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	for _, ent := range eng.Snapshot().Entries {
		if ent.State == command.Error {
			t.Fatalf("entry %d errored: %s", ent.Pid, ent.Error)
		}
	}
}

func TestAfterExecutesQueue(t *testing.T) {
	p := New(Config{})
	eng := newEngine(t, p)
	submit(t, eng, `
internals.setMemory({"name":"fired","value":"no","mode":"Session"}, {"queuePrepare":"tick"});
timer.after({"name":"once","delay":5,"queue":"tick","json":{"value":"yes"}}, {"queueRun":"Instant"});
`)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if it, ok := eng.GetMemory("fired"); ok {
			if it.Value != "yes" {
				t.Fatalf("fired = %v, want args override", it.Value)
			}
			if len(p.Names()) != 0 {
				t.Fatalf("one-shot still listed: %v", p.Names())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("one-shot timer did not execute its queue")
}

func TestScheduleCancelAndList(t *testing.T) {
	p := New(Config{Timezone: "UTC"})
	eng := newEngine(t, p)
	submit(t, eng, `
timer.schedule({"name":"nightly","spec":"0 3 * * *","queue":"cleanup"}, {"queueRun":"Instant"});
  timer.schedule({"spec":"1h","queue":"hourly"});
  timer.after({"name":"later","delay":"1h","queue":"x"});
  timer.list({}, {"memoryName":"timers","memoryMode":"Session"});
`)
	if diff := cmp.Diff([]string{"hourly", "later", "nightly"}, p.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	it, ok := eng.GetMemory("timers")
	if !ok {
		t.Fatal("list did not store memory")
	}
	if diff := cmp.Diff([]any{"hourly", "later", "nightly"}, it.Value); diff != "" {
		t.Fatalf("listed mismatch (-want +got):\n%s", diff)
	}

	submit(t, eng, "timer.cancel({\"name\":\"nightly\"}, {\"queueRun\":\"Instant\"});\n  timer.cancel({\"name\":\"later\"});")
	if diff := cmp.Diff([]string{"hourly"}, p.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	p := New(Config{})
	eng := newEngine(t, p)
	if err := eng.SubmitText(`timer.schedule({"spec":"whenever","queue":"q"}, {"queueRun":"Instant"});`); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	ent, ok := eng.Lookup(0)
	if !ok || ent.State != command.Error {
		t.Fatalf("entry = %+v, want ERROR", ent)
	}
}

func TestBadTimezone(t *testing.T) {
	p := New(Config{Timezone: "Nowhere/Special"})
	newEngine(t, p)
	if p.Ready() {
		t.Fatal("timer ready despite init failure")
	}
}
