package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "cmdqueue/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal, one batch per line)
//
// The journal is compacted into the snapshot every compactEvery batches and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]fileRecord

	writes       int
	compactEvery int
}

type fileRecord struct {
	Value   []byte `json:"v"`
	Expires int64  `json:"e,omitempty"` // unix milli, 0 = never
}

// journalBatch is one Write call. Replay applies deletes before puts, like Write.
type journalBatch struct {
	Puts    map[string]fileRecord `json:"puts,omitempty"`
	Deletes []string              `json:"deletes,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	recs := map[string]fileRecord{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal only", logx.Err(err))
	}
	if err := replayJournal(journalPath, recs, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pruneExpired(recs, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
		compactEvery: 200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	fr, ok := s.recs[key]
	if !ok {
		return Record{}, false, nil
	}
	r := fr.record(key)
	if r.expired(time.Now()) {
		return Record{}, false, nil
	}
	return cloneRecord(r), true, nil
}

func (s *fileStore) Write(_ context.Context, puts []Record, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	b := journalBatch{Deletes: deletes}
	if len(puts) > 0 {
		b.Puts = make(map[string]fileRecord, len(puts))
		for _, r := range puts {
			b.Puts[r.Key] = toFileRecord(r)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}

	// One line per batch so a torn write loses the whole batch, not half of it.
	if err := json.NewEncoder(s.journal).Encode(b); err != nil {
		return err
	}
	b.apply(s.recs)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	now := time.Now()
	out := make([]string, 0, len(s.recs))
	for k, fr := range s.recs {
		if strings.HasPrefix(k, prefix) && !fr.record(k).expired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.recs, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (b journalBatch) apply(m map[string]fileRecord) {
	for _, k := range b.Deletes {
		delete(m, k)
	}
	for k, r := range b.Puts {
		m[k] = r
	}
}

func toFileRecord(r Record) fileRecord {
	fr := fileRecord{Value: append([]byte(nil), r.Value...)}
	if !r.Expires.IsZero() {
		fr.Expires = r.Expires.UnixMilli()
	}
	return fr
}

func (fr fileRecord) record(key string) Record {
	r := Record{Key: key, Value: fr.Value}
	if fr.Expires != 0 {
		r.Expires = time.UnixMilli(fr.Expires)
	}
	return r
}

func loadSnapshot(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]fileRecord, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var b journalBatch
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			log.Warn("skipping corrupt journal line", logx.Int("line", line), logx.Err(err))
			continue
		}
		b.apply(out)
	}
	return sc.Err()
}

func pruneExpired(m map[string]fileRecord, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v.Expires != 0 && v.Expires <= ms {
			delete(m, k)
		}
	}
}
