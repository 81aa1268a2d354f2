// Package register holds the named boolean gates command entries can wait on.
package register

import (
	"sort"
	"strings"
	"sync"
)

// Set is a set of active register names. Presence is the only state.
type Set struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func New() *Set {
	return &Set{names: map[string]struct{}{}}
}

// Add reports whether name was newly added.
func (s *Set) Add(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return false
	}
	s.names[name] = struct{}{}
	return true
}

// Remove reports whether name was present.
func (s *Set) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		return false
	}
	delete(s.names, name)
	return true
}

func (s *Set) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[name]
	return ok
}

// List returns the active names, sorted.
func (s *Set) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
