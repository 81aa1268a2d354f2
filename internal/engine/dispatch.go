package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/predicate"
	logx "cmdqueue/pkg/logx"
)

// Process scans the table and dispatches every eligible ADDED entry.
// It is idempotent and is called after every state change.
func (e *Engine) Process() {
	e.mu.Lock()
	e.processLocked()
	e.mu.Unlock()
	e.kick()
}

// processLocked marks eligible entries RUNNING in ascending pid order and
// schedules their dispatch. An entry is eligible when its queueable is
// registered and ready, its register (if any) is set and its statement (if
// any) is true.
func (e *Engine) processLocked() {
	if !e.started || e.stopped {
		return
	}
	pids := make([]command.Pid, 0, len(e.table))
	for pid, l := range e.table {
		if l.entry.State == command.Added {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var regs []string
	var mem map[string]memory.Item
	for _, pid := range pids {
		l := e.table[pid]
		ent := l.entry
		c, ok := e.caps[ent.Queueable]
		if !ok {
			ent.State = command.Error
			ent.Error = fmt.Sprintf("no such queueable [%s]", ent.Queueable)
			e.diag.Report(&diag.Error{Kind: diag.KindDispatch, Pid: pid, Op: ent.Name(), Msg: ent.Error})
			e.publish(eventbus.QueueError, entryEvent(pid, ent))
			continue
		}
		if !c.q.Ready() {
			continue
		}
		if reg := ent.Options.Register; reg != "" && !e.regs.Has(reg) {
			continue
		}
		if stmt := ent.Options.Statement; stmt != "" {
			if mem == nil {
				mem = e.mem.Snapshot()
				regs = e.regs.List()
			}
			env := predicate.Env{Memory: mem, Registers: regs, Stack: ent.Stack}
			if ok, _ := e.pred.Eval(stmt, env); !ok {
				continue
			}
		}
		ent.State = command.Running
		l.seq++
		e.scheduleLocked(workItem{pid: pid, seq: l.seq}, ent.Options.Timer)
	}
}

func (e *Engine) scheduleLocked(it workItem, delay time.Duration) {
	if e.cfg.Sync {
		e.queue = append(e.queue, it)
		return
	}
	if delay <= 0 {
		delay = e.cfg.DefaultTimer
	}
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.queue = append(e.queue, it)
		e.mu.Unlock()
		e.signal()
	})
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// kick drains the work queue on the caller's goroutine in sync mode.
func (e *Engine) kick() {
	if e.cfg.Sync {
		e.drain()
	}
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			e.drain()
		}
	}
}

// drain runs queued work until the queue is empty. Only one goroutine drains
// at a time, so operation bodies never run concurrently.
func (e *Engine) drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 && !e.stopped {
		it := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.run(it)
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

func (e *Engine) run(it workItem) {
	e.mu.Lock()
	l, ok := e.table[it.pid]
	if !ok || l.seq != it.seq || l.entry.State != command.Running {
		e.mu.Unlock()
		return
	}
	ent := l.entry
	c := e.caps[ent.Queueable]
	call := &Call{
		Pid:       it.pid,
		Queueable: ent.Queueable,
		Command:   ent.Command,
		Args:      command.CloneValue(ent.JSON),
		Options:   ent.Options.Clone(),
		Stack:     command.CloneValue(ent.Stack).(map[string]any),
		seq:       it.seq,
		eng:       e,
	}
	ctx := e.ctx
	source := l.source
	ev := entryEvent(it.pid, ent)
	e.mu.Unlock()

	e.publish(eventbus.QueueDispatched, ev)
	e.log.Debug("dispatch", logx.Int64("pid", it.pid), logx.String("cmd", ev.Name))
	e.invoke(ctx, c, call, source)
}

// invoke runs the operation named by call. Unknown operations finish the
// call with an error; failures (returned error or panic) store the message
// in the error memory, execute the error queue and finish with an error.
func (e *Engine) invoke(ctx context.Context, c *capability, call *Call, source string) {
	name := call.Queueable + "." + call.Command
	op, ok := c.ops[call.Command]
	if !ok {
		msg := fmt.Sprintf("No such command [%s]", call.Command)
		e.diag.Report(&diag.Error{Kind: diag.KindDispatch, Pid: call.Pid, Op: name, Msg: msg})
		if !call.done.Swap(true) {
			_ = e.finish(call.Pid, call.seq, FinishError, msg, false)
		}
		return
	}

	err := safeRun(ctx, op, call)
	if err == nil {
		return
	}
	msg := fmt.Sprintf("Queue [%s] errored: %v", name, err)
	if pe, ok := err.(*panicError); ok {
		e.log.Error("operation panicked", logx.Int64("pid", call.Pid), logx.String("cmd", name), logx.Any("panic", pe.value), logx.Stack(pe.stack))
	}
	e.diag.Report(diag.Wrap(diag.KindRuntime, call.Pid, name, err))

	// An error inside the error queue itself must not loop.
	if source != e.cfg.ErrorQueue {
		if serr := e.SetMemory(e.cfg.ErrorMemory, err.Error(), memory.Session); serr != nil {
			e.log.Warn("store error message failed", logx.Err(serr))
		}
		e.Execute(e.cfg.ErrorQueue, nil, true)
	}
	if !call.done.Swap(true) {
		_ = e.finish(call.Pid, call.seq, FinishError, msg, false)
	}
}

func safeRun(ctx context.Context, op Operation, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return op(ctx, call)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// Finished completes the RUNNING entry pid. OK and Warning advance the chain
// or finish it; Error halts it. pid -1 is a no-op. Any other pid that is not
// RUNNING yields a state error and leaves the table unchanged.
func (e *Engine) Finished(pid command.Pid, mode FinishMode, msg string) error {
	return e.finish(pid, 0, mode, msg, true)
}

// finish implements Finished. seq 0 skips the dispatch check.
func (e *Engine) finish(pid command.Pid, seq uint64, mode FinishMode, msg string, reportChain bool) error {
	if pid == command.NoPid {
		return nil
	}
	e.mu.Lock()
	l, ok := e.table[pid]
	if !ok || l.entry.State != command.Running || (seq != 0 && l.seq != seq) {
		state := "absent"
		if ok {
			state = l.entry.State.String()
		}
		e.mu.Unlock()
		err := fmt.Errorf("%w: pid %d is %s", ErrUnknownPid, pid, state)
		e.reportState(pid, "finished", err)
		return err
	}
	ent := l.entry
	name := ent.Name()

	switch mode {
	case FinishError:
		ent.State = command.Error
		ent.Error = msg
		ev := entryEvent(pid, ent)
		e.mu.Unlock()
		if reportChain {
			e.diag.Report(&diag.Error{Kind: diag.KindChain, Pid: pid, Op: name, Msg: msg})
		}
		e.log.Debug("chain halted", logx.Int64("pid", pid), logx.String("cmd", name), logx.String("error", msg))
		e.publish(eventbus.QueueError, ev)
		return nil
	case FinishWarning:
		ent.Error = msg
		e.log.Warn("queue warning", logx.Int64("pid", pid), logx.String("cmd", name), logx.String("msg", msg))
	}

	if len(ent.Commands) > 0 {
		next := ent.Commands[0]
		ent.Queueable = next.Queueable
		ent.Command = next.Command
		ent.JSON = next.JSON
		ent.Options = next.Options
		ent.Commands = ent.Commands[1:]
		ent.State = command.Added
		ev := entryEvent(pid, ent)
		e.processLocked()
		e.mu.Unlock()
		e.publish(eventbus.QueueAdvanced, ev)
		e.kick()
		return nil
	}

	ent.State = command.Finished
	ev := entryEvent(pid, ent)
	delete(e.table, pid)
	released := e.mem.ReleaseGarbage(pid)
	e.processLocked()
	e.mu.Unlock()

	if len(released) > 0 {
		e.log.Debug("garbage released", logx.Int64("pid", pid), logx.Int("items", len(released)))
	}
	e.publish(eventbus.QueueFinished, ev)
	e.kick()
	return nil
}

func (e *Engine) reportState(pid command.Pid, op string, err error) {
	e.diag.Report(diag.Wrap(diag.KindState, pid, op, err))
}
