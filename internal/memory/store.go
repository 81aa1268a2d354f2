package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"

	logx "cmdqueue/pkg/logx"
)

// Store holds named items. It is owned by the engine and is never a global.
//
// Mutations touching a Permanent item (before or after the change) sync the
// persister synchronously; a persistence failure is returned but the
// in-memory change stands.
type Store struct {
	log     logx.Logger
	persist *Persister

	// syncMu orders persister writes; each write snapshots the store after
	// taking it, so the last write always carries the latest state.
	syncMu sync.Mutex

	mu    sync.Mutex
	items map[string]Item
}

// New returns an empty store. p may be nil to disable persistence.
func New(log logx.Logger, p *Persister) *Store {
	return &Store{log: log, persist: p, items: map[string]Item{}}
}

// Set writes it under name. An empty origin defaults to name.
func (s *Store) Set(ctx context.Context, name string, it Item) error {
	if it.Origin == "" {
		it.Origin = name
	}
	s.mu.Lock()
	prev, had := s.items[name]
	s.items[name] = it
	dirty := it.Mode == Permanent || (had && prev.Mode == Permanent)
	s.mu.Unlock()

	if dirty {
		return s.sync(ctx)
	}
	return nil
}

func (s *Store) Get(name string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[name]
	return it, ok
}

// Toggle moves name to the candidate following its current value, wrapping
// after the last. A value not in the list moves to the first candidate.
// It returns the prior value.
func (s *Store) Toggle(ctx context.Context, name string, candidates []any) (any, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	s.mu.Lock()
	it, ok := s.items[name]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	prior := it.Value
	pos := 0
	for i, c := range candidates {
		if SameValue(c, prior) {
			pos = i + 1
			break
		}
	}
	if pos >= len(candidates) {
		pos = 0
	}
	it.Value = candidates[pos]
	s.items[name] = it
	s.mu.Unlock()

	if it.Mode == Permanent {
		return prior, s.sync(ctx)
	}
	return prior, nil
}

// Delete removes name. Deleting a Permanent item re-syncs the index.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	it, ok := s.items[name]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.items, name)
	s.mu.Unlock()

	if it.Mode == Permanent {
		return s.sync(ctx)
	}
	return nil
}

// ReleaseGarbage drops Garbage items owned by pid and returns their names.
func (s *Store) ReleaseGarbage(pid int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, it := range s.items {
		if it.Mode == Garbage && it.Pid == pid {
			delete(s.items, name)
			out = append(out, name)
		}
	}
	sort.Strings(out)
	if len(out) > 0 {
		s.log.Debug("garbage released", logx.Int64("pid", pid), logx.Int("items", len(out)))
	}
	return out
}

// Names returns all item names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for k := range s.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a shallow copy of all items.
func (s *Store) Snapshot() map[string]Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Item, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Restore loads Permanent items from the persister. Existing items with the
// same name are replaced. It returns the number of restored items.
func (s *Store) Restore(ctx context.Context) (int, error) {
	items, err := s.persist.Load(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for name, it := range items {
		s.items[name] = it
	}
	s.mu.Unlock()
	return len(items), nil
}

// sync writes the current Permanent items to the persister.
func (s *Store) sync(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.mu.Lock()
	snap := s.permanentLocked()
	s.mu.Unlock()
	return s.persist.Sync(ctx, snap)
}

func (s *Store) permanentLocked() map[string]Item {
	out := map[string]Item{}
	for k, v := range s.items {
		if v.Mode == Permanent {
			out[k] = v
		}
	}
	return out
}

// SameValue compares two decoded values, treating all numeric kinds as numbers.
func SameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
