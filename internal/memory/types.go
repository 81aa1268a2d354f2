package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("memory item not found")
	ErrInvalidMode = errors.New("invalid memory mode")
	ErrNoCandidate = errors.New("toggle needs at least one candidate value")
)

// NoOwner is the pid of items not tied to a chain.
const NoOwner int64 = -1

// Mode is the lifecycle class of an item.
type Mode int

const (
	// Garbage items are dropped when their owning chain finishes.
	Garbage Mode = iota
	// Session items live as long as the process.
	Session
	// Permanent items are also mirrored to durable storage.
	Permanent
)

func (m Mode) String() string {
	switch m {
	case Garbage:
		return "Garbage"
	case Session:
		return "Session"
	case Permanent:
		return "Permanent"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the mode names case-insensitively. Empty means Garbage.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "garbage":
		return Garbage, nil
	case "session":
		return Session, nil
	case "permanent":
		return Permanent, nil
	}
	return Garbage, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Item is one named value.
type Item struct {
	Pid    int64  `json:"pid"`
	Mode   Mode   `json:"mode"`
	Origin string `json:"origin"`
	Value  any    `json:"value"`
}
