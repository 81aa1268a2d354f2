// Package internals is the built-in queueable exposing engine utilities:
// prepared queue execution, predicates, memory and register manipulation.
package internals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cmdqueue/internal/engine"
	"cmdqueue/internal/memory"
	logx "cmdqueue/pkg/logx"
)

const Name = "internals"

type Plugin struct {
	engine.Base
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, host engine.Host) error {
	p.InitBase(Name, host)
	p.SetReady(true)
	return nil
}

func (p *Plugin) Operations() map[string]engine.Operation {
	return map[string]engine.Operation{
		"execute":        p.execute,
		"eval":           p.eval,
		"ifqueue":        p.ifqueue,
		"setMemory":      p.setMemory,
		"toggleMemory":   p.toggleMemory,
		"mergeMemory":    p.mergeMemory,
		"pushMemory":     p.pushMemory,
		"setRegister":    p.setRegister,
		"deleteRegister": p.deleteRegister,
		"deleteMemory":   p.deleteMemory,
		"setStack":       p.setStack,
		"nop":            func(_ context.Context, c *engine.Call) error { return c.OK() },
		"console":        p.console,
		"debug":          p.debug,
	}
}

var errNoName = errors.New("missing name")

type executeArgs struct {
	Name       string `json:"name"`
	JSON       any    `json:"json"`
	SilentFail bool   `json:"silentFail"`
}

func (p *Plugin) execute(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[executeArgs](c)
	if err != nil {
		return err
	}
	if a.Name == "" {
		return errNoName
	}
	p.Host.Execute(a.Name, a.JSON, a.SilentFail)
	return c.OK()
}

type evalArgs struct {
	Statement string `json:"statement"`
	Name      string `json:"name"`
}

// eval stores the statement result in Session memory. A failed evaluation
// stores null.
func (p *Plugin) eval(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[evalArgs](c)
	if err != nil {
		return err
	}
	if a.Name == "" {
		a.Name = "evalResult"
	}
	v, err := p.Host.Evaluate(a.Statement, c.Pid)
	if err != nil {
		p.Log.Debug("eval failed", logx.String("statement", a.Statement), logx.Err(err))
		v = nil
	}
	if err := p.Host.SetMemory(a.Name, v, memory.Session); err != nil {
		return err
	}
	return c.OK()
}

type ifqueueArgs struct {
	Statement string `json:"statement"`
	Name      string `json:"name"`
	Else      string `json:"else"`
	JSON      any    `json:"json"`
}

func (p *Plugin) ifqueue(_ context.Context, c *engine.Call) error {
	a, err := engine.DecodeArgs[ifqueueArgs](c)
	if err != nil {
		return err
	}
	switch {
	case p.Host.Check(a.Statement, c.Pid):
		if a.Name != "" {
			p.Host.Execute(a.Name, a.JSON, false)
		}
	case a.Else != "":
		p.Host.Execute(a.Else, a.JSON, false)
	}
	return c.OK()
}

type memoryArgs struct {
	Name   string `json:"name"`
	Value  any    `json:"value"`
	Values any    `json:"values"`
	Mode   string `json:"mode"`
	Toggle bool   `json:"toggle"`
}

func decodeMemory(c *engine.Call) (memoryArgs, error) {
	a, err := engine.DecodeArgs[memoryArgs](c)
	if err != nil {
		return a, err
	}
	if strings.TrimSpace(a.Name) == "" {
		return a, errNoName
	}
	return a, nil
}

// modeFor resolves the explicit mode, else the existing item's, else Garbage.
func (p *Plugin) setMemory(_ context.Context, c *engine.Call) error {
	a, err := decodeMemory(c)
	if err != nil {
		return err
	}
	mode, err := memory.ParseMode(a.Mode)
	if err != nil {
		return err
	}
	if err := p.Host.SetMemory(a.Name, a.Value, mode); err != nil {
		return err
	}
	return c.OK()
}

// toggleMemory cycles through values when given, otherwise flips a boolean.
func (p *Plugin) toggleMemory(_ context.Context, c *engine.Call) error {
	a, err := decodeMemory(c)
	if err != nil {
		return err
	}
	if vals, ok := a.Values.([]any); ok && len(vals) > 0 {
		if _, err := p.Host.ToggleMemory(a.Name, vals); err != nil {
			return err
		}
		return c.OK()
	}
	it, ok := p.Host.GetMemory(a.Name)
	if !ok {
		return fmt.Errorf("toggle %s: %w", a.Name, memory.ErrNotFound)
	}
	b, ok := it.Value.(bool)
	if !ok {
		return fmt.Errorf("toggle %s: value is %T, not bool", a.Name, it.Value)
	}
	if err := p.Host.SetMemory(a.Name, !b, it.Mode); err != nil {
		return err
	}
	return c.OK()
}

// mergeMemory copies the keys of values into the object stored under name.
func (p *Plugin) mergeMemory(_ context.Context, c *engine.Call) error {
	a, err := decodeMemory(c)
	if err != nil {
		return err
	}
	vals, ok := a.Values.(map[string]any)
	if !ok {
		return fmt.Errorf("merge %s: values must be an object", a.Name)
	}
	it, ok := p.Host.GetMemory(a.Name)
	if !ok {
		return fmt.Errorf("merge %s: %w", a.Name, memory.ErrNotFound)
	}
	cur, ok := it.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("merge %s: value is %T, not an object", a.Name, it.Value)
	}
	out := make(map[string]any, len(cur)+len(vals))
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range vals {
		out[k] = v
	}
	if err := p.Host.SetMemory(a.Name, out, it.Mode); err != nil {
		return err
	}
	return c.OK()
}

// pushMemory appends value to the list under name. With toggle, a value
// already present is removed instead. The list is stored with the given
// mode, Garbage when none is given.
func (p *Plugin) pushMemory(_ context.Context, c *engine.Call) error {
	a, err := decodeMemory(c)
	if err != nil {
		return err
	}
	mode, err := memory.ParseMode(a.Mode)
	if err != nil {
		return err
	}
	var list []any
	if it, ok := p.Host.GetMemory(a.Name); ok {
		if cur, ok := it.Value.([]any); ok {
			list = append(list, cur...)
		}
	}
	idx := -1
	if a.Toggle {
		for i, v := range list {
			if memory.SameValue(v, a.Value) {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		list = append(list[:idx], list[idx+1:]...)
	} else {
		list = append(list, a.Value)
	}
	if err := p.Host.SetMemory(a.Name, list, mode); err != nil {
		return err
	}
	return c.OK()
}

func (p *Plugin) setRegister(_ context.Context, c *engine.Call) error {
	name := c.String("name")
	if name == "" {
		return errNoName
	}
	p.Host.SetRegister(name)
	return c.OK()
}

func (p *Plugin) deleteRegister(_ context.Context, c *engine.Call) error {
	name := c.String("name")
	if name == "" {
		return errNoName
	}
	p.Host.DeleteRegister(name)
	return c.OK()
}

func (p *Plugin) deleteMemory(_ context.Context, c *engine.Call) error {
	name := c.String("name")
	if name == "" {
		return errNoName
	}
	if err := p.Host.DeleteMemory(name); err != nil {
		return err
	}
	return c.OK()
}

func (p *Plugin) setStack(_ context.Context, c *engine.Call) error {
	name := c.String("name")
	if name == "" {
		return errNoName
	}
	if err := c.SetStack(name, c.Map()["value"]); err != nil {
		return err
	}
	return c.OK()
}

func (p *Plugin) console(_ context.Context, c *engine.Call) error {
	p.Log.Info("console", logx.Int64("pid", c.Pid), logx.Any("log", c.Map()["log"]))
	return c.OK()
}

func (p *Plugin) debug(_ context.Context, c *engine.Call) error {
	p.Log.Info("queue state\n" + p.Host.Describe())
	return c.OK()
}
