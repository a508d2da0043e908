// Package cache holds process-wide lookup caches that survive conversation
// switches but not a sign-out.
package cache

import (
	"sync"

	"github.com/c-pro/geche"
)

// Cache is an unbounded concurrent map that can be emptied in one step.
type Cache[K comparable, V any] struct {
	mu sync.RWMutex
	g  geche.Geche[K, V]
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{g: geche.NewMapCache[K, V]()}
}

// Get returns the value for key and whether it was present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()

	v, err := g.Get(key)
	if err != nil {
		var zero V
		return zero, false
	}
	return v, true
}

// Put stores value under key.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()
	g.Set(key, value)
}

// Delete removes key. Missing keys are ignored.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.RLock()
	g := c.g
	c.mu.RUnlock()
	_ = g.Del(key)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.g.Len()
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.g = geche.NewMapCache[K, V]()
	c.mu.Unlock()
}
