package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one durable key/value pair. A zero Expires never expires.
type Record struct {
	Key     string
	Value   []byte
	Expires time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !r.Expires.After(now)
}
