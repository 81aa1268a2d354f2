package storage

import (
	"context"
	"errors"
	"strings"

	logx "cmdqueue/pkg/logx"
)

// Store is the persistence API used by the memory layer.
type Store interface {
	// Get returns the record for key. Expired records read as absent.
	Get(ctx context.Context, key string) (Record, bool, error)
	// Write applies puts and deletes as one batch.
	Write(ctx context.Context, puts []Record, deletes []string) error
	// Keys lists live keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
