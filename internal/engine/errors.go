package engine

import "errors"

var (
	ErrNotStarted     = errors.New("queue engine not started")
	ErrAlreadyStarted = errors.New("queue engine already started")
	ErrStopped        = errors.New("queue engine stopped")
	ErrUnknownPid     = errors.New("no live entry with that pid")
	ErrAlreadyDone    = errors.New("call already finished")
)
