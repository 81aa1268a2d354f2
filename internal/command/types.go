package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Pid identifies one top-level chain. It is also the owner key for the
// chain's Garbage memory.
type Pid = int64

// NoPid marks work running outside any chain.
const NoPid Pid = -1

// State of one entry. It only moves Added -> Running -> Finished|Error,
// except that a chain continuation puts a Running entry back to Added.
type State int

const (
	Added State = iota
	Running
	Finished
	Error
)

func (s State) String() string {
	switch s {
	case Added:
		return "ADDED"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch strings.ToUpper(v) {
	case "", "ADDED":
		*s = Added
	case "RUNNING":
		*s = Running
	case "FINISHED":
		*s = Finished
	case "ERROR":
		*s = Error
	default:
		return fmt.Errorf("unknown state %q", v)
	}
	return nil
}

// RunMode controls when an entry becomes live.
type RunMode string

const (
	// Instant entries go into the live table at submission.
	Instant RunMode = "Instant"
	// Event entries wait to be executed by name (top-level default).
	Event RunMode = "Event"
	// Sub entries are chain links (nested default).
	Sub RunMode = "Sub"
)

// ParseRunMode accepts the mode names case-insensitively. Empty returns "".
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "instant":
		return Instant, nil
	case "event":
		return Event, nil
	case "sub":
		return Sub, nil
	}
	return "", fmt.Errorf("invalid queueRun %q", s)
}

// Entry is one step of a chain, plus the links still to run.
type Entry struct {
	Pid       Pid            `json:"pid"`
	Queueable string         `json:"queueable"`
	Command   string         `json:"command"`
	JSON      any            `json:"json,omitempty"`
	Options   Options        `json:"options"`
	State     State          `json:"state"`
	Stack     map[string]any `json:"stack,omitempty"`
	Commands  []*Entry       `json:"commands,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Name returns "queueable.command".
func (e *Entry) Name() string { return e.Queueable + "." + e.Command }

// Args returns JSON as an object, or nil when it is not one.
func (e *Entry) Args() map[string]any {
	m, _ := e.JSON.(map[string]any)
	return m
}
