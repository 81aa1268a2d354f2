// Package prepared stores named command templates that can be executed later.
package prepared

import (
	"sort"
	"sync"

	"cmdqueue/internal/command"
)

// Registry maps names to templates. Templates are stored and handed out as
// deep copies, so callers never share state with the stored template.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*command.Entry
}

func New() *Registry {
	return &Registry{templates: map[string]*command.Entry{}}
}

// Put stores a copy of e under name, replacing any previous template.
// It reports whether a template was replaced.
func (r *Registry) Put(name string, e *command.Entry) bool {
	cp := e.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.templates[name]
	r.templates[name] = cp
	return replaced
}

// Get returns a copy of the template.
func (r *Registry) Get(name string) (*command.Entry, bool) {
	r.mu.RLock()
	e, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Statement returns the template's gating predicate without copying it.
func (r *Registry) Statement(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.templates[name]
	if !ok {
		return "", false
	}
	return e.Options.Statement, true
}

func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.templates[name]
	delete(r.templates, name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
