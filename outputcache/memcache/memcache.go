// Package memcache is the in-process outputcache.Cache implementation.
package memcache

import (
	"context"
	"sync"

	"github.com/smallnest/taskgraph/outputcache"
)

type key struct {
	taskType    string
	fingerprint string
}

// Cache is a map-backed outputcache.Cache.
type Cache struct {
	mu        sync.RWMutex
	data      map[key]any
	listeners []outputcache.Listener
}

// New returns an empty Cache.
func New(listeners ...outputcache.Listener) *Cache {
	return &Cache{data: map[key]any{}, listeners: listeners}
}

var _ outputcache.Cache = (*Cache)(nil)

func (c *Cache) emit(ev outputcache.Event) {
	for _, l := range c.listeners {
		l(ev)
	}
}

func (c *Cache) Get(_ context.Context, taskType, fingerprint string) (any, bool, error) {
	c.mu.RLock()
	v, ok := c.data[key{taskType, fingerprint}]
	c.mu.RUnlock()
	return v, ok, nil
}

// Put is last-writer-wins: concurrent writers for the same fingerprint
// are fine because inputs are content-addressed, so any accepted write is
// semantically equivalent.
func (c *Cache) Put(_ context.Context, taskType, fingerprint string, output any) error {
	c.mu.Lock()
	c.data[key{taskType, fingerprint}] = output
	c.mu.Unlock()
	c.emit(outputcache.Event{Kind: outputcache.EventOutputSaved, TaskType: taskType, Fingerprint: fingerprint})
	return nil
}

func (c *Cache) Clear(context.Context) error {
	c.mu.Lock()
	c.data = map[key]any{}
	c.mu.Unlock()
	c.emit(outputcache.Event{Kind: outputcache.EventOutputCleared})
	return nil
}
