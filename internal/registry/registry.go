// Package registry tracks the set of live sessions by identifier.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/termpilot/termpilot/internal/session"
)

var (
	// ErrDuplicateID rejects adding a session whose id is already tracked.
	ErrDuplicateID = errors.New("session id already registered")
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
)

// Registry is a concurrency-safe session index.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{sessions: map[string]*session.Session{}}
}

// Add registers a session under its id.
func (r *Registry) Add(s *session.Session) error {
	if s == nil {
		return errors.New("nil session")
	}
	id := strings.TrimSpace(s.ID())
	if id == "" {
		return errors.New("empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("add session %q: %w", id, ErrDuplicateID)
	}
	r.sessions[id] = s
	return nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Remove drops the session registered under id and returns it.
func (r *Registry) Remove(id string) (*session.Session, error) {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	delete(r.sessions, id)
	return s, nil
}

// List returns all tracked sessions ordered by id.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id])
	}
	return out
}

// Len reports how many sessions are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
