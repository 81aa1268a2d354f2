package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/predicate"
	logx "cmdqueue/pkg/logx"
)

// recorder is a test queueable. Most operations log a value and finish OK.
type recorder struct {
	Base
	name string

	mu   sync.Mutex
	seen []any
	held []*Call
}

func newRecorder(name string) *recorder { return &recorder{name: name} }

func (r *recorder) Name() string { return r.name }

func (r *recorder) Init(_ context.Context, host Host) error {
	r.InitBase(r.name, host)
	r.SetReady(true)
	return nil
}

func (r *recorder) note(v any) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder) Seen() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.seen...)
}

func (r *recorder) Held() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Call(nil), r.held...)
}

func (r *recorder) Operations() map[string]Operation {
	return map[string]Operation{
		"record": func(_ context.Context, c *Call) error {
			r.note(c.Map()["v"])
			return c.OK()
		},
		"warn": func(_ context.Context, c *Call) error {
			return c.Warn("careful")
		},
		"fail": func(_ context.Context, c *Call) error {
			return c.Fail("boom")
		},
		"panic": func(context.Context, *Call) error {
			panic("kaboom")
		},
		"err": func(context.Context, *Call) error {
			return errors.New("bad input")
		},
		"hold": func(_ context.Context, c *Call) error {
			r.mu.Lock()
			r.held = append(r.held, c)
			r.mu.Unlock()
			return nil
		},
		"mem": func(_ context.Context, c *Call) error {
			c.Set(c.Map()["v"])
			return c.OK()
		},
		"push": func(_ context.Context, c *Call) error {
			if err := c.SetStack("k", c.Map()["v"]); err != nil {
				return err
			}
			return c.OK()
		},
		"pop": func(_ context.Context, c *Call) error {
			r.note(c.Stack["k"])
			return c.OK()
		},
	}
}

func newSyncEngine(t *testing.T, qs ...Queueable) *Engine {
	t.Helper()
	eng := New(Config{Sync: true}, Deps{})
	if err := eng.Register(qs...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func mustSubmit(t *testing.T, eng *Engine, script string) {
	t.Helper()
	if err := eng.SubmitText(script); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
}

func TestChainRunsLinksInOrderAndPrunes(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `
t.record({"v":1}, {"queueRun":"Instant"});
  t.record({"v":2});
  t.record({"v":3});
t.record({"v":"other"}, {"queueRun":"Instant"});
`)
	if diff := cmp.Diff([]any{float64(1), float64(2), float64(3), "other"}, r.Seen()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if n := len(eng.Snapshot().Entries); n != 0 {
		t.Fatalf("table has %d entries, want 0 after finishing", n)
	}
	if eng.Pending() != 0 {
		t.Fatalf("Pending = %d", eng.Pending())
	}
}

func TestNonInstantEntriesAreNotQueued(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)
	mustSubmit(t, eng, `t.record({"v":1});`)
	if len(r.Seen()) != 0 || len(eng.Snapshot().Entries) != 0 {
		t.Fatal("event entry without queuePrepare must be ignored")
	}
}

func TestRegisterGate(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `t.record({"v":"gated"}, {"queueRun":"Instant","queueRegister":"ready"});`)
	if len(r.Seen()) != 0 {
		t.Fatal("entry ran before its register was set")
	}
	ent, ok := eng.Lookup(0)
	if !ok || ent.State != command.Added {
		t.Fatalf("entry = %+v, want ADDED", ent)
	}

	eng.SetRegister("ready")
	if diff := cmp.Diff([]any{"gated"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
	eng.DeleteRegister("ready")
	if eng.HasRegister("ready") {
		t.Fatal("register still set")
	}
}

func TestStatementGateReevaluatesOnMemoryChange(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `t.record({"v":"go"}, {"queueRun":"Instant","queueStatement":"memory_value(\"mode\", \"\") == \"on\""});`)
	if len(r.Seen()) != 0 {
		t.Fatal("entry ran with false statement")
	}
	if err := eng.SetMemory("mode", "on", memory.Session); err != nil {
		t.Fatalf("SetMemory: %v", err)
	}
	if diff := cmp.Diff([]any{"go"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}

func TestBadStatementRejectsWholeBatch(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	err := eng.SubmitText(`
t.record({"v":1}, {"queueRun":"Instant"});
t.record({"v":2}, {"queueRun":"Instant","queueStatement":"env.HOME"});
`)
	if !diag.IsKind(err, diag.KindParse) {
		t.Fatalf("err = %v, want parse error", err)
	}
	if len(r.Seen()) != 0 || len(eng.Snapshot().Entries) != 0 {
		t.Fatal("nothing should have been queued")
	}
}

func TestErrorHaltsChain(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `
t.record({"v":1}, {"queueRun":"Instant"});
  t.fail();
  t.record({"v":"never"});
`)
	ent, ok := eng.Lookup(0)
	if !ok {
		t.Fatal("errored entry was pruned")
	}
	if ent.State != command.Error || ent.Error != "boom" || ent.Command != "fail" {
		t.Fatalf("entry = %s %s %q", ent.State, ent.Name(), ent.Error)
	}
	if len(ent.Commands) != 1 {
		t.Fatalf("remaining links = %d, want 1", len(ent.Commands))
	}
	if diff := cmp.Diff([]any{float64(1)}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
	hist := eng.Diagnostics()
	if len(hist) == 0 || hist[len(hist)-1].Kind != diag.KindChain {
		t.Fatalf("diagnostics = %+v, want a chain error", hist)
	}
}

func TestWarningAdvances(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)
	mustSubmit(t, eng, "t.warn({}, {\"queueRun\":\"Instant\"});\n  t.record({\"v\":\"after\"});")
	if diff := cmp.Diff([]any{"after"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}

func TestFinishedStateErrors(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	if err := eng.Finished(command.NoPid, FinishOK, ""); err != nil {
		t.Fatalf("Finished(-1) = %v, want nil", err)
	}
	if err := eng.Finished(42, FinishOK, ""); !errors.Is(err, ErrUnknownPid) {
		t.Fatalf("Finished(42) = %v, want ErrUnknownPid", err)
	}

	mustSubmit(t, eng, `t.record({}, {"queueRun":"Instant","queueRegister":"never"});`)
	if err := eng.Finished(0, FinishOK, ""); !errors.Is(err, ErrUnknownPid) {
		t.Fatalf("Finished on ADDED = %v, want ErrUnknownPid", err)
	}
	ent, _ := eng.Lookup(0)
	if ent.State != command.Added || ent.Error != "" {
		t.Fatalf("entry changed: %s %q", ent.State, ent.Error)
	}
	hist := eng.Diagnostics()
	if hist[len(hist)-1].Kind != diag.KindState {
		t.Fatalf("last diagnostic = %+v, want state error", hist[len(hist)-1])
	}
}

func TestHeldCallFinishesLaterOnce(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, "t.hold({}, {\"queueRun\":\"Instant\"});\n  t.hold();")
	held := r.Held()
	if len(held) != 1 {
		t.Fatalf("held = %d, want 1", len(held))
	}
	if ent, _ := eng.Lookup(0); ent.State != command.Running {
		t.Fatalf("state = %s, want RUNNING", ent.State)
	}

	if err := held[0].OK(); err != nil {
		t.Fatalf("OK: %v", err)
	}
	// The second link is now running; finishing the first call again must not touch it.
	if err := held[0].OK(); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("second OK = %v, want ErrAlreadyDone", err)
	}
	held = r.Held()
	if len(held) != 2 {
		t.Fatalf("held = %d, want 2", len(held))
	}
	if ent, _ := eng.Lookup(0); ent.State != command.Running || len(ent.Commands) != 0 {
		t.Fatalf("entry = %s links=%d", ent.State, len(ent.Commands))
	}
	if err := held[1].OK(); err != nil {
		t.Fatalf("OK: %v", err)
	}
	if _, ok := eng.Lookup(0); ok {
		t.Fatal("finished chain not pruned")
	}
}

func TestUnknownCommandAndQueueable(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `t.nothing({}, {"queueRun":"Instant"});`)
	ent, _ := eng.Lookup(0)
	if ent.State != command.Error || ent.Error != "No such command [nothing]" {
		t.Fatalf("entry = %s %q", ent.State, ent.Error)
	}

	mustSubmit(t, eng, `ghost.run({}, {"queueRun":"Instant"});`)
	ent, _ = eng.Lookup(1)
	if ent.State != command.Error {
		t.Fatalf("state = %s, want ERROR", ent.State)
	}
	if got := diag.KindOf(lastErr(eng)); got != diag.KindDispatch {
		t.Fatalf("kind = %s, want dispatch", got)
	}
}

func lastErr(eng *Engine) error {
	h := eng.Diagnostics()
	if len(h) == 0 {
		return nil
	}
	last := h[len(h)-1]
	return &diag.Error{Kind: last.Kind, Pid: last.Pid, Op: last.Op, Msg: last.Message}
}

func TestFailureRunsErrorQueue(t *testing.T) {
	for _, op := range []string{"panic", "err"} {
		op := op
		t.Run(op, func(t *testing.T) {
			r := newRecorder("t")
			eng := newSyncEngine(t, r)
			mustSubmit(t, eng, `t.record({"v":"handled"}, {"queuePrepare":"generalError"});`)
			mustSubmit(t, eng, "t."+op+`({}, {"queueRun":"Instant"});`)

			ent, ok := eng.Lookup(0)
			if !ok || ent.State != command.Error {
				t.Fatalf("entry = %+v, want ERROR", ent)
			}
			if !strings.HasPrefix(ent.Error, "Queue [t."+op+"] errored:") {
				t.Fatalf("error = %q", ent.Error)
			}
			it, ok := eng.GetMemory(DefaultErrorMemory)
			if !ok || it.Mode != memory.Session || it.Origin != "User" {
				t.Fatalf("error memory = %+v", it)
			}
			if diff := cmp.Diff([]any{"handled"}, r.Seen()); diff != "" {
				t.Fatalf("seen mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecutePrepared(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, "t.record({\"v\":\"tpl\",\"keep\":1}, {\"queuePrepare\":\"greet\"});\n  t.record({\"v\":\"link\"});")
	if diff := cmp.Diff([]string{"greet"}, eng.Prepared()); diff != "" {
		t.Fatalf("prepared mismatch (-want +got):\n%s", diff)
	}

	if !eng.Execute("greet", nil, false) {
		t.Fatal("Execute returned false")
	}
	if !eng.Execute("greet", map[string]any{"v": "override"}, false) {
		t.Fatal("Execute returned false")
	}
	want := []any{"tpl", "link", "override", "link"}
	if diff := cmp.Diff(want, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}

	// The template is untouched by executions.
	tpl, _ := eng.PreparedEntry("greet")
	if diff := cmp.Diff(map[string]any{"v": "tpl", "keep": float64(1)}, tpl.JSON); diff != "" {
		t.Fatalf("template mutated (-want +got):\n%s", diff)
	}

	n := len(eng.Diagnostics())
	if eng.Execute("missing", nil, true) {
		t.Fatal("Execute(missing) = true")
	}
	if len(eng.Diagnostics()) != n {
		t.Fatal("silent execute of a missing queue must not be reported")
	}
	eng.Execute("missing", nil, false)
	if len(eng.Diagnostics()) != n+1 {
		t.Fatal("non-silent execute of a missing queue should be reported")
	}
}

func TestRunawayLuaGateDoesNotStallOtherChains(t *testing.T) {
	r := newRecorder("t")
	pred := predicate.New(predicate.Options{Lua: true, LuaBudget: 10_000}, logx.Nop())
	eng := New(Config{DefaultTimer: time.Millisecond}, Deps{Predicate: pred})
	if err := eng.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(context.Background())

	mustSubmit(t, eng, `
t.record({"v":"stuck"}, {"queueRun":"Instant","queueStatement":"lua: while true do end"});
t.record({"v":"free"}, {"queueRun":"Instant"});
`)
	deadline := time.Now().Add(2 * time.Second)
	for len(r.Seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unrelated entry never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if diff := cmp.Diff([]any{"free"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
	ent, ok := eng.Lookup(0)
	if !ok || ent.State != command.Added {
		t.Fatalf("gated entry = %+v, want ADDED", ent)
	}
}

func TestExecuteStatement(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)
	mustSubmit(t, eng, `t.record({"v":"x"}, {"queuePrepare":"guarded","queueStatement":"has_register(\"open\")"});`)
	n := len(eng.Diagnostics())
	if eng.Execute("guarded", nil, false) {
		t.Fatal("Execute with false statement = true")
	}
	if len(eng.Diagnostics()) != n || len(eng.Snapshot().Entries) != 0 {
		t.Fatal("a closed gate must neither report nor queue anything")
	}
	eng.SetRegister("open")
	if !eng.Execute("guarded", nil, false) {
		t.Fatal("Execute with true statement = false")
	}
	if diff := cmp.Diff([]any{"x"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryAttributionAndGarbage(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)

	mustSubmit(t, eng, `
t.mem({"v":"temp"}, {"queueRun":"Instant"});
  t.mem({"v":"kept"}, {"memoryName":"result","memoryMode":"Session"});
  t.hold();
`)
	it, ok := eng.GetMemory("t.mem")
	if !ok || it.Value != "temp" || it.Pid != 0 || it.Mode != memory.Garbage {
		t.Fatalf("t.mem = %+v", it)
	}
	it, ok = eng.GetMemory("result")
	if !ok || it.Value != "kept" || it.Mode != memory.Session {
		t.Fatalf("result = %+v", it)
	}

	if err := r.Held()[0].OK(); err != nil {
		t.Fatalf("OK: %v", err)
	}
	if _, ok := eng.GetMemory("t.mem"); ok {
		t.Fatal("garbage memory survived chain end")
	}
	if _, ok := eng.GetMemory("result"); !ok {
		t.Fatal("session memory released with the chain")
	}

	if eng.Memory(command.NoPid, 1) {
		t.Fatal("Memory(-1) = true")
	}
	if eng.Memory(99, 1) {
		t.Fatal("Memory(99) = true")
	}
}

func TestStackSurvivesLinks(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)
	mustSubmit(t, eng, "t.push({\"v\":\"carried\"}, {\"queueRun\":\"Instant\"});\n  t.pop();")
	if diff := cmp.Diff([]any{"carried"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}

type lazy struct{ recorder }

func (l *lazy) Init(_ context.Context, host Host) error {
	l.InitBase(l.name, host)
	return nil
}

func TestNotReadyWaits(t *testing.T) {
	l := &lazy{recorder: recorder{name: "lazy"}}
	eng := newSyncEngine(t, l)

	mustSubmit(t, eng, `lazy.record({"v":1}, {"queueRun":"Instant"});`)
	if len(l.Seen()) != 0 {
		t.Fatal("ran before ready")
	}
	l.SetReady(true)
	eng.Process()
	if diff := cmp.Diff([]any{float64(1)}, l.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterValidation(t *testing.T) {
	eng := New(Config{Sync: true}, Deps{})
	if err := eng.Register(newRecorder("t")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Register(newRecorder("t")); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := eng.Register(newRecorder("a.b")); err == nil {
		t.Fatal("dotted name accepted")
	}
}

func TestInvokeOutsideChain(t *testing.T) {
	r := newRecorder("t")
	eng := newSyncEngine(t, r)
	if err := eng.Invoke(context.Background(), "t", "record", map[string]any{"v": "direct"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff([]any{"direct"}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
	if err := eng.Invoke(context.Background(), "t", "nope", nil); !diag.IsKind(err, diag.KindDispatch) {
		t.Fatalf("Invoke(nope) = %v", err)
	}
}

func TestSubmitBeforeStartWaits(t *testing.T) {
	r := newRecorder("t")
	eng := New(Config{Sync: true}, Deps{})
	_ = eng.Register(r)
	mustSubmit(t, eng, `t.record({"v":1}, {"queueRun":"Instant"});`)
	if len(r.Seen()) != 0 {
		t.Fatal("dispatched before Start")
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(context.Background())
	if len(r.Seen()) != 1 {
		t.Fatalf("seen = %v", r.Seen())
	}
}

func TestAsyncDispatch(t *testing.T) {
	bus := eventbus.New()
	events, cancel := bus.SubscribePrefix("queue.finished", 8)
	defer cancel()

	r := newRecorder("t")
	eng := New(Config{DefaultTimer: time.Millisecond}, Deps{Bus: bus})
	if err := eng.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(context.Background())

	mustSubmit(t, eng, "t.record({\"v\":1}, {\"queueRun\":\"Instant\"});\n  t.record({\"v\":2}, {\"queueTimer\":\"5ms\"});")
	select {
	case ev := <-events:
		if ev.Data.(EntryEvent).Pid != 0 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chain did not finish")
	}
	if diff := cmp.Diff([]any{float64(1), float64(2)}, r.Seen()); diff != "" {
		t.Fatalf("seen mismatch (-want +got):\n%s", diff)
	}
}
