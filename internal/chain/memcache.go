// Package chain caches ledger-observed channel facts and routes contract
// calls to the native-asset or token-asset backend.
package chain

import (
	"sync"
	"time"
)

// MemoryCache is a keyed TTL cache. Expiry is lazy, checked on read.
type MemoryCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry[T]
	now     func() time.Time
}

type memEntry[T any] struct {
	value    T
	storedAt time.Time
}

// NewMemoryCache creates a cache whose entries expire ttl after being set.
func NewMemoryCache[T any](ttl time.Duration) *MemoryCache[T] {
	return &MemoryCache[T]{
		ttl:     ttl,
		entries: make(map[string]memEntry[T]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if it has not expired.
func (c *MemoryCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		var zero T
		return zero, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key and resets its expiry clock.
func (c *MemoryCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry[T]{value: value, storedAt: c.now()}
}

// Delete drops the entry for key.
func (c *MemoryCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
