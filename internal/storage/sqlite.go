package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "cmdqueue/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	expires INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS records_expires ON records(expires);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrDisabled
	}
	var (
		val []byte
		exp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires FROM records WHERE key = ?`, key).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r := Record{Key: key, Value: val}
	if exp != 0 {
		r.Expires = time.UnixMilli(exp)
	}
	if r.expired(time.Now()) {
		return Record{}, false, nil
	}
	return r, true, nil
}

// Write runs the whole batch in one transaction.
func (s *sqliteStore) Write(ctx context.Context, puts []Record, deletes []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, k); err != nil {
			return err
		}
	}
	for _, r := range puts {
		var exp int64
		if !r.Expires.IsZero() {
			exp = r.Expires.UnixMilli()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records(key, value, expires) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires=excluded.expires`,
			r.Key, r.Value, exp,
		)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := s.pruneExpired(pctx); err != nil {
			s.log.Debug("prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM records WHERE substr(key, 1, ?) = ? AND (expires = 0 OR expires > ?) ORDER BY key`,
		len(prefix), prefix, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE expires != 0 AND expires <= ?`, time.Now().UnixMilli())
	return err
}
