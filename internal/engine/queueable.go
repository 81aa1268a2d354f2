package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"cmdqueue/internal/command"
	"cmdqueue/internal/memory"
	logx "cmdqueue/pkg/logx"
)

// Operation is one named command of a queueable. It must finish the call
// exactly once, now or later from any goroutine. A returned error or a panic
// is handled by the engine as a runtime failure.
type Operation func(ctx context.Context, c *Call) error

// Queueable is a capability the engine dispatches to.
//
// Ready is called with engine state locked and must not call back into the
// engine; an atomic flag (see Base) is enough.
type Queueable interface {
	Name() string
	Init(ctx context.Context, host Host) error
	Ready() bool
	Operations() map[string]Operation
}

// Stopper is implemented by queueables holding resources.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Host is the engine surface a queueable may use.
type Host interface {
	Finished(pid command.Pid, mode FinishMode, msg string) error
	Memory(pid command.Pid, value any) bool
	SetMemory(name string, value any, mode memory.Mode) error
	GetMemory(name string) (memory.Item, bool)
	DeleteMemory(name string) error
	ToggleMemory(name string, candidates []any) (any, error)
	SetRegister(name string)
	DeleteRegister(name string)
	HasRegister(name string) bool
	SetStack(pid command.Pid, name string, value any) error
	Execute(name string, args any, silent bool) bool
	Submit(entries ...*command.Entry) error
	SubmitText(script string) error
	Evaluate(stmt string, pid command.Pid) (any, error)
	Check(stmt string, pid command.Pid) bool
	Go(name string, fn func(ctx context.Context) error)
	Describe() string
	Logger() logx.Logger
}

// Base carries the readiness flag and the host for embedding queueables.
type Base struct {
	Host  Host
	Log   logx.Logger
	ready atomic.Bool
}

// InitBase stores host and a logger tagged with the queueable name.
func (b *Base) InitBase(name string, host Host) {
	b.Host = host
	b.Log = host.Logger().With(logx.String("queueable", name))
}

func (b *Base) SetReady(v bool) { b.ready.Store(v) }
func (b *Base) Ready() bool     { return b.ready.Load() }

// Call is one dispatch of an entry to an operation. Args and Stack are
// copies; writes go through the methods.
type Call struct {
	Pid       command.Pid
	Queueable string
	Command   string
	Args      any
	Options   command.Options
	Stack     map[string]any

	seq  uint64
	eng  *Engine
	done atomic.Bool
}

// Map returns Args as an object, or an empty one.
func (c *Call) Map() map[string]any {
	if m, ok := c.Args.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// String returns Args[key] when it is a string.
func (c *Call) String(key string) string {
	s, _ := c.Map()[key].(string)
	return s
}

func (c *Call) OK() error             { return c.Finish(FinishOK, "") }
func (c *Call) Warn(msg string) error { return c.Finish(FinishWarning, msg) }
func (c *Call) Fail(msg string) error { return c.Finish(FinishError, msg) }

// Finish completes the call. A second Finish returns ErrAlreadyDone and is
// reported without touching the entry, which may be running a later link.
func (c *Call) Finish(mode FinishMode, msg string) error {
	if c.eng == nil {
		return nil
	}
	if c.done.Swap(true) {
		c.eng.reportState(c.Pid, c.Queueable+"."+c.Command, ErrAlreadyDone)
		return ErrAlreadyDone
	}
	return c.eng.finish(c.Pid, c.seq, mode, msg, true)
}

// Finished reports whether Finish was called.
func (c *Call) Finished() bool { return c.done.Load() }

// Set stores value as the entry's attributed memory (memoryName or the command name).
func (c *Call) Set(value any) bool {
	if c.eng == nil {
		return false
	}
	return c.eng.Memory(c.Pid, value)
}

// SetStack writes a key into the chain's stack.
func (c *Call) SetStack(name string, value any) error {
	if c.Stack != nil {
		c.Stack[name] = value
	}
	if c.eng == nil || c.Pid == command.NoPid {
		return nil
	}
	return c.eng.SetStack(c.Pid, name, value)
}

// DecodeArgs converts the call arguments into T through JSON.
func DecodeArgs[T any](c *Call) (T, error) {
	var out T
	if c.Args == nil {
		return out, nil
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return out, fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode args for %s.%s: %w", c.Queueable, c.Command, err)
	}
	return out, nil
}
