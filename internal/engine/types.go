package engine

import (
	"fmt"
	"time"

	"cmdqueue/internal/command"
	"cmdqueue/internal/diag"
	"cmdqueue/internal/eventbus"
	"cmdqueue/internal/memory"
	"cmdqueue/internal/predicate"
	logx "cmdqueue/pkg/logx"
)

// Config controls the queue engine.
type Config struct {
	// Sync dispatches inline on the calling goroutine and ignores dispatch
	// delays. Tests use it for deterministic runs.
	Sync bool
	// DefaultTimer is the dispatch delay when an entry sets no queueTimer.
	DefaultTimer time.Duration
	// ErrorQueue is the prepared queue executed when an operation body fails.
	ErrorQueue string
	// ErrorMemory is the Session memory name that receives the failure message.
	ErrorMemory string
}

const (
	DefaultTimer       = 10 * time.Millisecond
	DefaultErrorQueue  = "generalError"
	DefaultErrorMemory = "generalErrorMessage"
)

func (c Config) withDefaults() Config {
	if c.DefaultTimer <= 0 {
		c.DefaultTimer = DefaultTimer
	}
	if c.ErrorQueue == "" {
		c.ErrorQueue = DefaultErrorQueue
	}
	if c.ErrorMemory == "" {
		c.ErrorMemory = DefaultErrorMemory
	}
	return c
}

// Deps are the collaborators the engine owns or shares. Nil fields get
// private defaults.
type Deps struct {
	Log       logx.Logger
	Bus       eventbus.Bus
	Diag      *diag.Sink
	Memory    *memory.Store
	Predicate *predicate.Evaluator
}

// FinishMode is how an operation completed.
type FinishMode int

const (
	FinishOK FinishMode = iota
	// FinishWarning is logged and otherwise treated as OK.
	FinishWarning
	// FinishError halts the chain.
	FinishError
)

func (m FinishMode) String() string {
	switch m {
	case FinishOK:
		return "ok"
	case FinishWarning:
		return "warning"
	case FinishError:
		return "error"
	default:
		return fmt.Sprintf("FinishMode(%d)", int(m))
	}
}

// EntryEvent is the Data of queue.* bus events.
type EntryEvent struct {
	Pid   command.Pid   `json:"pid"`
	Name  string        `json:"name"`
	State command.State `json:"state"`
	Links int           `json:"links"`
	Error string        `json:"error,omitempty"`
}

// NameEvent is the Data of register.* and memory.* bus events.
type NameEvent struct {
	Name string `json:"name"`
	Mode string `json:"mode,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Entries   []*command.Entry       `json:"entries"`
	Registers []string               `json:"registers"`
	Prepared  []string               `json:"prepared"`
	Memory    map[string]memory.Item `json:"memory"`
	Pending   int                    `json:"pending"`
}
