// Package lock provides non-blocking per-key locks guarding upload finalization.
package lock

import (
	"context"
	"sync"
)

// Locker hands out exclusive, non-blocking locks on string keys.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when someone else holds it.
	// release must be called exactly once when ok is true.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// KeyedMutex is a Locker for a single process.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex ...
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: map[string]struct{}{}}
}

// TryLock ...
func (m *KeyedMutex) TryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}
