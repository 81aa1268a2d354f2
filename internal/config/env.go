package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are process environment overrides applied after the file is parsed.
// Unset variables leave the file value untouched.
type envOverrides struct {
	LogLevel      *string `env:"CMDQ_LOG_LEVEL"`
	Sync          *bool   `env:"CMDQ_SYNC"`
	StorageDriver *string `env:"CMDQ_STORAGE_DRIVER"`
	StoragePath   *string `env:"CMDQ_STORAGE_PATH"`
	PredicateLua  *bool   `env:"CMDQ_PREDICATE_LUA"`
}

// ApplyEnv overlays CMDQ_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.Sync != nil {
		cfg.Engine.Sync = *o.Sync
	}
	if o.StorageDriver != nil {
		cfg.Storage.Driver = *o.StorageDriver
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}
	if o.PredicateLua != nil {
		cfg.Predicate.Lua = *o.PredicateLua
	}
	return nil
}
