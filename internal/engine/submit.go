package engine

import (
	"context"
	"fmt"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/predicate"
	logx "cmdqueue/pkg/logx"
)

// Submit validates entries and adds them: Instant entries go into the live
// table under a fresh pid, entries with queuePrepare are registered as
// prepared queues. A parse error rejects the whole batch with nothing added.
// Entries that are neither are ignored.
func (e *Engine) Submit(entries ...*command.Entry) error {
	return e.submit("", entries)
}

// SubmitText parses a command script and submits it.
func (e *Engine) SubmitText(script string) error {
	entries, err := command.ParseScript(script)
	if err != nil {
		e.diag.Report(err)
		return err
	}
	return e.submit("", entries)
}

func (e *Engine) submit(source string, entries []*command.Entry) error {
	batch := make([]*command.Entry, 0, len(entries))
	for _, in := range entries {
		if err := command.Validate(in); err != nil {
			e.diag.Report(err)
			return err
		}
		ent := in.Clone()
		command.Normalize(ent, true)
		command.Flatten(ent)
		if err := e.validateStatements(ent); err != nil {
			e.diag.Report(err)
			return err
		}
		batch = append(batch, ent)
	}

	var events []EntryEvent
	e.mu.Lock()
	for _, ent := range batch {
		if name := ent.Options.Prepare; name != "" {
			if e.prep.Put(name, ent) {
				e.log.Debug("prepared queue replaced", logx.String("name", name))
			}
		}
		if ent.Options.Run != command.Instant {
			if ent.Options.Prepare == "" {
				e.log.Debug("entry ignored", logx.String("cmd", ent.Name()), logx.String("run", string(ent.Options.Run)))
			}
			continue
		}
		pid := e.nextPid
		e.nextPid++
		ent.Pid = pid
		e.table[pid] = &live{entry: ent, source: source}
		events = append(events, entryEvent(pid, ent))
	}
	e.processLocked()
	e.mu.Unlock()

	for _, ev := range events {
		e.publish(eventbus.QueueSubmitted, ev)
	}
	e.kick()
	return nil
}

func (e *Engine) validateStatements(ent *command.Entry) error {
	check := func(x *command.Entry) error {
		if x.Options.Statement == "" {
			return nil
		}
		if err := e.pred.Validate(x.Options.Statement); err != nil {
			return diag.Wrap(diag.KindParse, command.NoPid, x.Name(), err)
		}
		return nil
	}
	if err := check(ent); err != nil {
		return err
	}
	for _, c := range ent.Commands {
		if err := check(c); err != nil {
			return err
		}
	}
	return nil
}

// Execute submits a fresh Instant copy of the prepared queue name. args
// override the template arguments: objects are merged key by key, anything
// else replaces them. It returns false when the queue is unknown (reported
// unless silent) or its statement is false.
func (e *Engine) Execute(name string, args any, silent bool) bool {
	stmt, ok := e.prep.Statement(name)
	if !ok {
		return e.executeMissing(name, silent)
	}
	if stmt != "" {
		env := predicate.Env{Memory: e.mem.Snapshot(), Registers: e.regs.List()}
		if ok, _ := e.pred.Eval(stmt, env); !ok {
			e.log.Debug("prepared queue skipped", logx.String("name", name))
			return false
		}
	}
	// The template may have been deleted since the gate was read.
	tpl, ok := e.prep.Get(name)
	if !ok {
		return e.executeMissing(name, silent)
	}
	tpl.Options.Prepare = ""
	tpl.Options.Run = command.Instant
	tpl.JSON = mergeArgs(tpl.JSON, args)
	if err := e.submit(name, []*command.Entry{tpl}); err != nil {
		return false
	}
	return true
}

func (e *Engine) executeMissing(name string, silent bool) bool {
	if !silent {
		e.diag.Report(diag.New(diag.KindChain, "execute", fmt.Sprintf("Can not execute prepare [%s]", name)))
	}
	return false
}

func mergeArgs(base, override any) any {
	if override == nil {
		return base
	}
	bm, ok1 := base.(map[string]any)
	om, ok2 := override.(map[string]any)
	if !ok1 || !ok2 {
		return command.CloneValue(override)
	}
	out := make(map[string]any, len(bm)+len(om))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range om {
		out[k] = command.CloneValue(v)
	}
	return out
}

// Invoke runs one operation outside any chain (pid -1). Finishing the call
// is a no-op.
func (e *Engine) Invoke(ctx context.Context, queueable, cmd string, args any) error {
	e.mu.Lock()
	c, ok := e.caps[queueable]
	e.mu.Unlock()
	if !ok {
		err := &diag.Error{Kind: diag.KindDispatch, Pid: command.NoPid, Op: queueable + "." + cmd, Msg: fmt.Sprintf("no such queueable [%s]", queueable)}
		e.diag.Report(err)
		return err
	}
	if _, ok := c.ops[cmd]; !ok {
		err := &diag.Error{Kind: diag.KindDispatch, Pid: command.NoPid, Op: queueable + "." + cmd, Msg: fmt.Sprintf("No such command [%s]", cmd)}
		e.diag.Report(err)
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	call := &Call{
		Pid:       command.NoPid,
		Queueable: queueable,
		Command:   cmd,
		Args:      command.CloneValue(args),
		Stack:     map[string]any{},
		eng:       e,
	}
	e.invoke(ctx, c, call, "")
	return nil
}
