package session

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the sessions of a controller together with the cancel func of their background work.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

type registryEntry struct {
	session *Session
	cancel  context.CancelFunc
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

// add registers s unless a session with the same id exists already.
func (r *Registry) add(s *Session, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[s.id]; ok {
		return false
	}
	r.entries[s.id] = registryEntry{session: s, cancel: cancel}
	return true
}

// Get ...
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	return e.session, ok
}

// List returns the registered sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

// Len ...
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// remove drops the session and cancels its poller and in-flight sends.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		e.cancel()
	}
	return ok
}

// Close cancels the background work of every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]registryEntry{}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
}
