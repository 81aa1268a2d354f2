package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/predicate"
	"cmdqueue/internal/prepared"
	"cmdqueue/internal/register"
	"cmdqueue/internal/runtime/supervisor"
	logx "cmdqueue/pkg/logx"
)

// live is one table row plus dispatch bookkeeping.
type live struct {
	entry *command.Entry
	// seq increases on every dispatch; stale work items and calls compare it.
	seq uint64
	// source is the prepared queue the chain was executed from, if any.
	source string
}

type workItem struct {
	pid command.Pid
	seq uint64
}

type capability struct {
	q   Queueable
	ops map[string]Operation
}

// Engine owns the live table, memory, registers and prepared queues.
// All state changes happen under mu; operation bodies run outside it.
type Engine struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	diag *diag.Sink
	mem  *memory.Store
	pred *predicate.Evaluator
	regs *register.Set
	prep *prepared.Registry

	mu       sync.Mutex
	caps     map[string]*capability
	table    map[command.Pid]*live
	nextPid  command.Pid
	queue    []workItem
	draining bool
	started  bool
	stopped  bool
	sup      *supervisor.Supervisor
	ctx      context.Context
	wake     chan struct{}
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "engine"))
	e := &Engine{
		cfg:   cfg,
		log:   log,
		bus:   deps.Bus,
		diag:  deps.Diag,
		mem:   deps.Memory,
		pred:  deps.Predicate,
		regs:  register.New(),
		prep:  prepared.New(),
		caps:  map[string]*capability{},
		table: map[command.Pid]*live{},
		ctx:   context.Background(),
		wake:  make(chan struct{}, 1),
	}
	if e.diag == nil {
		e.diag = diag.NewSink(log, deps.Bus, diag.Options{})
	}
	if e.mem == nil {
		e.mem = memory.New(log, nil)
	}
	if e.pred == nil {
		e.pred = predicate.New(predicate.Options{}, log)
	}
	return e
}

// Register adds queueables. Registering after Start initializes them at once.
func (e *Engine) Register(qs ...Queueable) error {
	var added []Queueable
	e.mu.Lock()
	for _, q := range qs {
		c, err := newCapability(q)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		if _, dup := e.caps[c.q.Name()]; dup {
			e.mu.Unlock()
			return diag.New(diag.KindDispatch, "register", fmt.Sprintf("queueable %q registered twice", q.Name()))
		}
		e.caps[q.Name()] = c
		added = append(added, q)
	}
	started, ctx := e.started, e.ctx
	e.mu.Unlock()

	if started {
		for _, q := range added {
			e.initQueueable(ctx, q)
		}
		e.Process()
	}
	return nil
}

func newCapability(q Queueable) (*capability, error) {
	if q == nil {
		return nil, diag.New(diag.KindDispatch, "register", "nil queueable")
	}
	name := q.Name()
	if strings.TrimSpace(name) == "" || strings.Contains(name, ".") {
		return nil, diag.New(diag.KindDispatch, "register", fmt.Sprintf("invalid queueable name %q", name))
	}
	ops := map[string]Operation{}
	for k, op := range q.Operations() {
		if strings.TrimSpace(k) == "" || op == nil {
			return nil, diag.New(diag.KindDispatch, name, fmt.Sprintf("invalid operation %q", k))
		}
		ops[k] = op
	}
	if len(ops) == 0 {
		return nil, diag.New(diag.KindDispatch, name, "queueable has no operations")
	}
	return &capability{q: q, ops: ops}, nil
}

func (e *Engine) initQueueable(ctx context.Context, q Queueable) {
	if err := q.Init(ctx, e); err != nil {
		e.log.Error("queueable init failed", logx.String("queueable", q.Name()), logx.Err(err))
		e.diag.Report(diag.Wrap(diag.KindRuntime, command.NoPid, q.Name()+".init", err))
		return
	}
	e.log.Debug("queueable initialized", logx.String("queueable", q.Name()))
}

// Start restores persisted memory, initializes queueables and runs the first
// process pass. In async mode the dispatch loop runs under a supervisor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.ctx = e.sup.Context()
	caps := e.sortedCapsLocked()
	e.mu.Unlock()

	n, err := e.mem.Restore(ctx)
	if err != nil {
		e.diag.Report(diag.Wrap(diag.KindRuntime, command.NoPid, "memory.restore", err))
	} else if n > 0 {
		e.log.Info("memory restored", logx.Int("items", n))
	}

	for _, c := range caps {
		e.initQueueable(e.ctx, c.q)
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	if !e.cfg.Sync {
		e.sup.Go("engine.dispatch", e.loop)
	}
	e.log.Info("queue engine started", logx.Int("queueables", len(caps)), logx.Bool("sync", e.cfg.Sync))
	e.Process()
	return nil
}

// Stop stops queueables implementing Stopper and the dispatch loop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.stopped = true
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.queue = nil
	caps := e.sortedCapsLocked()
	sup := e.sup
	e.mu.Unlock()

	var errs []error
	for i := len(caps) - 1; i >= 0; i-- {
		if s, ok := caps[i].q.(Stopper); ok {
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", caps[i].q.Name(), err))
			}
		}
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	e.log.Info("queue engine stopped")
	return errors.Join(errs...)
}

// Supervisor exposes task stats for diagnostics. Nil before Start.
func (e *Engine) Supervisor() *supervisor.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

func (e *Engine) sortedCapsLocked() []*capability {
	out := make([]*capability, 0, len(e.caps))
	for _, c := range e.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].q.Name() < out[j].q.Name() })
	return out
}

// Go runs fn under the engine supervisor, restarting it with backoff when it
// fails. Before Start it runs under a background context.
func (e *Engine) Go(name string, fn func(ctx context.Context) error) {
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		go func() {
			if err := fn(context.Background()); err != nil {
				e.log.Warn("task ended", logx.String("task", name), logx.Err(err))
			}
		}()
		return
	}
	sup.GoRestart(name, fn, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
}

func (e *Engine) Logger() logx.Logger { return e.log }

// Diagnostics returns recent diagnostic records.
func (e *Engine) Diagnostics() []diag.Record { return e.diag.History() }

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func entryEvent(pid command.Pid, ent *command.Entry) EntryEvent {
	return EntryEvent{Pid: pid, Name: ent.Name(), State: ent.State, Links: len(ent.Commands), Error: ent.Error}
}
