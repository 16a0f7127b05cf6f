// Package memory is the in-process kvstore.Store implementation: a plain
// mutex-guarded map, the default backend for tests and single-process
// deployments.
package memory

import (
	"context"
	"sync"

	"github.com/smallnest/taskgraph/kvstore"
)

// Store is a mutex-guarded map implementing kvstore.Store.
type Store struct {
	mu        sync.RWMutex
	data      map[string]any
	listeners []kvstore.Listener
}

// New returns an empty Store.
func New(listeners ...kvstore.Listener) *Store {
	return &Store{data: map[string]any{}, listeners: listeners}
}

var _ kvstore.Store = (*Store)(nil)

func (s *Store) emit(ev kvstore.Event) {
	for _, l := range s.listeners {
		l(ev)
	}
}

func (s *Store) Put(_ context.Context, key string, value any) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	s.emit(kvstore.Event{Kind: kvstore.EventPut, Key: key})
	return nil
}

func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	s.emit(kvstore.Event{Kind: kvstore.EventGet, Key: key})
	return v, ok, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	s.emit(kvstore.Event{Kind: kvstore.EventDelete, Key: key})
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = map[string]any{}
	s.mu.Unlock()
	s.emit(kvstore.Event{Kind: kvstore.EventClearAll})
	return nil
}

func (s *Store) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}
