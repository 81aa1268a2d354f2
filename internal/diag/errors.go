package diag

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindParse: malformed command text or arguments. The submission is rejected.
	KindParse Kind = "parse"
	// KindDispatch: unknown capability or operation. The entry goes to ERROR.
	KindDispatch Kind = "dispatch"
	// KindRuntime: an operation body failed or panicked.
	KindRuntime Kind = "runtime"
	// KindState: finished was called on an entry that is not RUNNING.
	KindState Kind = "state"
	// KindChain: a chain halted through an ERROR finish, or a prepared queue lookup failed.
	KindChain Kind = "chain"
)

// Error is the single error type routed through the diagnostic sink.
type Error struct {
	Kind Kind
	Pid  int64
	Op   string // queueable.command, prepared queue name, ...
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind) + " error"
	if e.Op != "" {
		s += " [" + e.Op + "]"
	}
	if e.Pid >= 0 {
		s += fmt.Sprintf(" pid=%d", e.Pid)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error not tied to a chain.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Pid: -1, Op: op, Msg: msg}
}

// Wrap attaches a kind to err. It returns nil for a nil err.
func Wrap(kind Kind, pid int64, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Pid: pid, Op: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
