// Package cache provides a keyed, invalidatable value cache owned by a
// single service instance. Plugins use it for external data they fetch
// once and share across files, such as per-language catalogs.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the value for a key on a cache miss.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

// Store is safe for concurrent use. The zero value is not usable; call New.
type Store[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
	// gen is bumped by Invalidate so an in-flight load started before the
	// invalidation does not repopulate the entry.
	gen    map[string]uint64
	flight singleflight.Group
}

// New creates an empty store.
func New[V any]() *Store[V] {
	return &Store[V]{
		entries: make(map[string]V),
		gen:     make(map[string]uint64),
	}
}

// Get returns the cached value for key.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Set stores v under key.
func (s *Store[V]) Set(key string, v V) {
	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()
}

// GetOrLoad returns the cached value or calls load once per key, sharing
// the result with concurrent callers for the same key. Errors are not
// cached.
func (s *Store[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	s.mu.RLock()
	startGen := s.gen[key]
	s.mu.RUnlock()

	res, err, _ := s.flight.Do(key, func() (any, error) {
		v, err := load(ctx, key)
		if err != nil {
			return v, err
		}
		s.mu.Lock()
		if s.gen[key] == startGen {
			s.entries[key] = v
		}
		s.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

// Invalidate drops key.
func (s *Store[V]) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.gen[key]++
	s.mu.Unlock()
	s.flight.Forget(key)
}

// InvalidateAll drops every entry.
func (s *Store[V]) InvalidateAll() {
	s.mu.Lock()
	for k := range s.entries {
		s.gen[k]++
	}
	s.entries = make(map[string]V)
	s.mu.Unlock()
}

// Len returns the number of cached entries.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
