package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. It survives an engine restart within
// one process, which is what tests use to simulate a reload.
type MemoryStore struct {
	mu     sync.Mutex
	recs   map[string]Record
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.recs[key]
	if !ok || r.expired(time.Now()) {
		return Record{}, false, nil
	}
	return cloneRecord(r), true, nil
}

func (s *MemoryStore) Write(_ context.Context, puts []Record, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range deletes {
		delete(s.recs, k)
	}
	for _, r := range puts {
		s.recs[r.Key] = cloneRecord(r)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	out := make([]string, 0, len(s.recs))
	for k, r := range s.recs {
		if strings.HasPrefix(k, prefix) && !r.expired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close marks the store closed. Reopen makes it usable again with the same contents.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Reopen undoes Close.
func (s *MemoryStore) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

func cloneRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}
