// Package memory is an in-process KVStore used by tests and by ephemeral (incognito) sessions.
package memory

import (
	"context"
	"sync"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/repository"
)

// Store keeps entries in a map guarded by a RWMutex.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ repository.KVStore = (*Store)(nil)

// New constructs an empty store.
func New() *Store { return &Store{data: map[string]string{}} }

// Get returns the value for key or errs.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

// Remove deletes key.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns a snapshot of stored keys (unordered).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}
