package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cmdqueue/internal/config"
	"cmdqueue/internal/engine"
	"cmdqueue/internal/storage"
	logx "cmdqueue/pkg/logx"
	"cmdqueue/plugins/internals"
	"cmdqueue/plugins/timer"
	"cmdqueue/plugins/websocket"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config, s config.Settings) engine.Config {
	return engine.Config{
		Sync:         cfg.Engine.Sync,
		DefaultTimer: s.DefaultTimer,
		ErrorQueue:   s.ErrorQueue,
		ErrorMemory:  s.ErrorMemory,
	}
}

// buildCapabilities returns the built-in internals capability plus every
// enabled optional one, decoded from its config block.
func buildCapabilities(cfg *config.Config) ([]engine.Queueable, error) {
	out := []engine.Queueable{internals.New()}
	for name := range cfg.Capabilities {
		switch name {
		case internals.Name, timer.Name, websocket.Name:
		default:
			return nil, fmt.Errorf("capabilities.%s: unknown capability", name)
		}
	}

	if cc, ok := cfg.Capability(timer.Name); ok {
		tc, err := config.DecodeRaw[timer.Config](cc.Config)
		if err != nil {
			return nil, fmt.Errorf("capabilities.%s: %w", timer.Name, err)
		}
		out = append(out, timer.New(tc))
	}
	if cc, ok := cfg.Capability(websocket.Name); ok {
		wc, err := config.DecodeRaw[websocket.Config](cc.Config)
		if err != nil {
			return nil, fmt.Errorf("capabilities.%s: %w", websocket.Name, err)
		}
		if _, err := config.ParseDurationField("capabilities.websocket.handshake_timeout", wc.HandshakeTimeout); err != nil {
			return nil, err
		}
		out = append(out, websocket.New(wc))
	}
	return out, nil
}

// pipelinePaths resolves relative pipeline paths against the config file's directory.
func pipelinePaths(cfgPath string, paths []string) []string {
	base := filepath.Dir(cfgPath)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}
