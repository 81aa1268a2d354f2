package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cmdqueue/internal/memory"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Memory    MemoryConfig    `json:"memory"`
	Storage   StorageConfig   `json:"storage"`
	Predicate PredicateConfig `json:"predicate"`

	// Pipelines are YAML command files submitted at start.
	Pipelines []string `json:"pipelines,omitempty"`
	// Watch reloads the config and pipeline files when they change.
	Watch bool `json:"watch"`

	Capabilities map[string]CapabilityConfig `json:"capabilities,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the queue engine.
//
// Durations are Go duration strings (e.g. "10ms", "1s").
//
// Defaults:
//   - default_timer: "10ms"
//   - error_queue: "generalError"
//   - error_memory: "generalErrorMessage"
//   - diag_history: 200
//   - diag_rate_per_sec: 5
type EngineConfig struct {
	Sync           bool    `json:"sync"`
	DefaultTimer   string  `json:"default_timer,omitempty"`
	ErrorQueue     string  `json:"error_queue,omitempty"`
	ErrorMemory    string  `json:"error_memory,omitempty"`
	DiagHistory    int     `json:"diag_history,omitempty"`
	DiagRatePerSec float64 `json:"diag_rate_per_sec,omitempty"`
}

// MemoryConfig controls Permanent memory persistence.
type MemoryConfig struct {
	KeyPrefix string `json:"key_prefix,omitempty"` // default "OT_"
	Expiry    string `json:"expiry,omitempty"`     // default "168h"
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cmdqueue.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type PredicateConfig struct {
	Lua bool `json:"lua"`
	// LuaBudget is the VM instruction limit per lua statement (default 1000000).
	LuaBudget int `json:"lua_budget,omitempty"`
}

type CapabilityConfig struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos surface at load time.
func (c *CapabilityConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*c = CapabilityConfig{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// Capability returns the named section and whether it is enabled.
func (c *Config) Capability(name string) (CapabilityConfig, bool) {
	if c == nil || c.Capabilities == nil {
		return CapabilityConfig{}, false
	}
	cc, ok := c.Capabilities[name]
	return cc, ok && cc.Enabled
}

// DecodeRaw decodes a capability config block strictly. Empty input yields the zero T.
func DecodeRaw[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Settings are the parsed, defaulted values the app wires from.
type Settings struct {
	DefaultTimer time.Duration
	ErrorQueue   string
	ErrorMemory  string
	DiagHistory  int
	DiagRate     float64
	KeyPrefix    string
	Expiry       time.Duration
	BusyTimeout  time.Duration
}

const (
	DefaultTimer       = 10 * time.Millisecond
	DefaultErrorQueue  = "generalError"
	DefaultErrorMemory = "generalErrorMessage"
	DefaultDiagHistory = 200
	DefaultDiagRate    = 5
)

// Resolve validates durations and enums and fills defaults.
func (c *Config) Resolve() (Settings, error) {
	var s Settings
	var err error
	if s.DefaultTimer, err = ParseDurationOrDefault("engine.default_timer", c.Engine.DefaultTimer, DefaultTimer); err != nil {
		return s, err
	}
	if s.Expiry, err = ParseDurationOrDefault("memory.expiry", c.Memory.Expiry, memory.DefaultExpiry); err != nil {
		return s, err
	}
	if s.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return s, err
	}
	s.ErrorQueue = orDefault(c.Engine.ErrorQueue, DefaultErrorQueue)
	s.ErrorMemory = orDefault(c.Engine.ErrorMemory, DefaultErrorMemory)
	s.KeyPrefix = orDefault(c.Memory.KeyPrefix, memory.DefaultPrefix)
	s.DiagHistory = c.Engine.DiagHistory
	if s.DiagHistory <= 0 {
		s.DiagHistory = DefaultDiagHistory
	}
	s.DiagRate = c.Engine.DiagRatePerSec
	if s.DiagRate <= 0 {
		s.DiagRate = DefaultDiagRate
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "memory", "mem", "file", "sqlite", "sqlite3":
	default:
		return s, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Predicate.LuaBudget < 0 {
		return s, fmt.Errorf("predicate.lua_budget: must not be negative")
	}
	for name := range c.Capabilities {
		if strings.TrimSpace(name) == "" {
			return s, fmt.Errorf("capabilities: empty name")
		}
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
