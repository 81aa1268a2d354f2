package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/predicate"
	logx "cmdqueue/pkg/logx"
)

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Memory stores value for the live entry pid under its memoryName, or under
// "queueable.command" when none is set, with the entry's memoryMode.
// pid -1 fails silently; other unknown pids are reported.
func (e *Engine) Memory(pid command.Pid, value any) bool {
	if pid == command.NoPid {
		return false
	}
	e.mu.Lock()
	l, ok := e.table[pid]
	if !ok {
		e.mu.Unlock()
		e.diag.Report(&diag.Error{Kind: diag.KindRuntime, Pid: pid, Op: "memory", Msg: "could not set memory: no such entry"})
		return false
	}
	origin := l.entry.Options.MemoryName
	if origin == "" {
		origin = l.entry.Name()
	}
	mode := l.entry.Options.MemoryMode
	ctx := e.ctx
	e.mu.Unlock()

	err := e.mem.Set(ctx, origin, memory.Item{Pid: pid, Mode: mode, Origin: origin, Value: value})
	if err != nil {
		e.diag.Report(diag.Wrap(diag.KindRuntime, pid, "memory", err))
	}
	e.publish(eventbus.MemorySet, NameEvent{Name: origin, Mode: mode.String()})
	e.Process()
	return true
}

// SetMemory stores a user value not owned by any chain.
func (e *Engine) SetMemory(name string, value any, mode memory.Mode) error {
	if strings.TrimSpace(name) == "" {
		return diag.New(diag.KindRuntime, "setMemory", "empty memory name")
	}
	err := e.mem.Set(e.context(), name, memory.Item{Pid: memory.NoOwner, Mode: mode, Origin: "User", Value: value})
	if err != nil {
		e.diag.Report(diag.Wrap(diag.KindRuntime, command.NoPid, "setMemory", err))
	}
	e.publish(eventbus.MemorySet, NameEvent{Name: name, Mode: mode.String()})
	e.Process()
	return err
}

func (e *Engine) GetMemory(name string) (memory.Item, bool) { return e.mem.Get(name) }

// DeleteMemory removes name. A missing name is a runtime error.
func (e *Engine) DeleteMemory(name string) error {
	if err := e.mem.Delete(e.context(), name); err != nil {
		werr := diag.Wrap(diag.KindRuntime, command.NoPid, "deleteMemory", fmt.Errorf("%s: %w", name, err))
		e.diag.Report(werr)
		return werr
	}
	e.publish(eventbus.MemoryDeleted, NameEvent{Name: name})
	e.Process()
	return nil
}

// ToggleMemory cycles name through candidates and returns the prior value.
func (e *Engine) ToggleMemory(name string, candidates []any) (any, error) {
	prior, err := e.mem.Toggle(e.context(), name, candidates)
	if err != nil {
		werr := diag.Wrap(diag.KindRuntime, command.NoPid, "toggleMemory", fmt.Errorf("%s: %w", name, err))
		e.diag.Report(werr)
		return prior, werr
	}
	e.publish(eventbus.MemorySet, NameEvent{Name: name})
	e.Process()
	return prior, nil
}

func (e *Engine) MemoryNames() []string { return e.mem.Names() }

// SetRegister sets a gate and re-runs process so waiting entries may start.
func (e *Engine) SetRegister(name string) {
	if !e.regs.Add(name) {
		return
	}
	e.log.Info("register set", logx.String("name", name))
	e.publish(eventbus.RegisterSet, NameEvent{Name: name})
	e.Process()
}

func (e *Engine) DeleteRegister(name string) {
	if !e.regs.Remove(name) {
		return
	}
	e.log.Info("register deleted", logx.String("name", name))
	e.publish(eventbus.RegisterDeleted, NameEvent{Name: name})
	e.Process()
}

func (e *Engine) HasRegister(name string) bool { return e.regs.Has(name) }
func (e *Engine) Registers() []string          { return e.regs.List() }

// SetStack writes name into the stack of the live entry pid. The stack
// survives chain advancement.
func (e *Engine) SetStack(pid command.Pid, name string, value any) error {
	e.mu.Lock()
	l, ok := e.table[pid]
	if ok {
		l.entry.Stack[name] = command.CloneValue(value)
	}
	e.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %d", ErrUnknownPid, pid)
		e.diag.Report(diag.Wrap(diag.KindRuntime, pid, "setStack", err))
		return err
	}
	return nil
}

// Evaluate returns the value of stmt against current memory, registers and
// the stack of pid (empty for pid -1 or an unknown pid).
func (e *Engine) Evaluate(stmt string, pid command.Pid) (any, error) {
	return e.pred.Value(stmt, e.env(pid))
}

// Check evaluates stmt for truthiness. Failures count as false.
func (e *Engine) Check(stmt string, pid command.Pid) bool {
	ok, _ := e.pred.Eval(stmt, e.env(pid))
	return ok
}

func (e *Engine) env(pid command.Pid) predicate.Env {
	stack := map[string]any{}
	e.mu.Lock()
	if l, ok := e.table[pid]; ok {
		stack = command.CloneValue(l.entry.Stack).(map[string]any)
	}
	e.mu.Unlock()
	return predicate.Env{Memory: e.mem.Snapshot(), Registers: e.regs.List(), Stack: stack}
}

// Lookup returns a copy of the live entry pid.
func (e *Engine) Lookup(pid command.Pid) (*command.Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.table[pid]
	if !ok {
		return nil, false
	}
	return l.entry.Clone(), true
}

// Pending counts entries that are ADDED or RUNNING.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, l := range e.table {
		if l.entry.State == command.Added || l.entry.State == command.Running {
			n++
		}
	}
	return n
}

// Prepared lists prepared queue names.
func (e *Engine) Prepared() []string { return e.prep.Names() }

// PreparedEntry returns a copy of the prepared template name.
func (e *Engine) PreparedEntry(name string) (*command.Entry, bool) { return e.prep.Get(name) }

// RemovePrepared unregisters a prepared queue.
func (e *Engine) RemovePrepared(name string) bool { return e.prep.Delete(name) }

// Snapshot copies the table (ordered by pid) and the surrounding state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	entries := make([]*command.Entry, 0, len(e.table))
	pending := 0
	for _, l := range e.table {
		entries = append(entries, l.entry.Clone())
		if l.entry.State == command.Added || l.entry.State == command.Running {
			pending++
		}
	}
	e.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Pid < entries[j].Pid })
	return Snapshot{
		Entries:   entries,
		Registers: e.regs.List(),
		Prepared:  e.prep.Names(),
		Memory:    e.mem.Snapshot(),
		Pending:   pending,
	}
}

// Describe renders the snapshot as text.
func (e *Engine) Describe() string {
	s := e.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "queue: %d entries, %d pending\n", len(s.Entries), s.Pending)
	for _, ent := range s.Entries {
		fmt.Fprintf(&b, "  [%d] %-8s %s", ent.Pid, ent.State, ent.Name())
		if n := len(ent.Commands); n > 0 {
			fmt.Fprintf(&b, " (+%d)", n)
		}
		if r := ent.Options.Register; r != "" {
			fmt.Fprintf(&b, " register=%s", r)
		}
		if st := ent.Options.Statement; st != "" {
			fmt.Fprintf(&b, " if=%q", st)
		}
		if ent.Error != "" {
			fmt.Fprintf(&b, " error=%q", ent.Error)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "registers: %s\n", strings.Join(s.Registers, ", "))
	fmt.Fprintf(&b, "prepared: %s\n", strings.Join(s.Prepared, ", "))
	names := make([]string, 0, len(s.Memory))
	for k := range s.Memory {
		names = append(names, k)
	}
	sort.Strings(names)
	b.WriteString("memory:\n")
	for _, k := range names {
		it := s.Memory[k]
		fmt.Fprintf(&b, "  %s [%s pid=%d origin=%s] = %v\n", k, it.Mode, it.Pid, it.Origin, it.Value)
	}
	return b.String()
}
