package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultName is the session every command falls back to when no session is
// named.
const DefaultName = "default"

// Registry maps session names to live sessions and tracks which one is the
// current default. Commands resolve sessions through the registry on every
// call, so a changed default takes effect immediately.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	defaultName string
}

// NewRegistry creates a registry seeded with the given default session.
func NewRegistry(def *Session) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		defaultName: def.Name(),
	}
	r.sessions[def.Name()] = def
	return r
}

// Get resolves a session by name. The empty name resolves to the current
// default.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("session %q not found", name)
	}
	return s, nil
}

// Has reports whether a session exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[name]
	return ok
}

// Add registers a new session under its name.
func (r *Registry) Add(s *Session) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("session requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name()]; ok {
		return fmt.Errorf("session %q already exists", s.Name())
	}
	r.sessions[s.Name()] = s
	return nil
}

// Remove deletes a session and returns it so the caller can close it. The
// current default session cannot be removed.
func (r *Registry) Remove(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == r.defaultName {
		return nil, fmt.Errorf("cannot delete the default session %q", name)
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("session %q not found", name)
	}
	delete(r.sessions, name)
	return s, nil
}

// SetDefault changes which session the empty name resolves to.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return fmt.Errorf("session %q not found", name)
	}
	r.defaultName = name
	return nil
}

// Default returns the name of the current default session.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names lists session names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All snapshots every session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CloseAll closes every session and joins their errors. Used at server
// shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.All() {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
