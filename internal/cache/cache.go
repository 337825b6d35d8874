// Package cache implements a time-bounded memoizing cache for read-mostly
// upstream data. Concurrent misses for the same key share a single producer
// call; producer failures are propagated to every waiter and nothing is stored,
// so the next call retries immediately.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache stores short-lived values keyed by request identity. TTLs are supplied
// per call by the owner of each data class, not fixed here.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	// now is swappable for expiry tests
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// GetOrSet returns the live value for key, or invokes producer to compute and
// store one. Concurrent callers missing on the same key await a single shared
// producer invocation. A stored value is immutable; expiry replaces the entry
// wholesale on the next miss.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, producer func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Double-check under the flight: another caller may have just stored it.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{value: v, expiresAt: c.now().Add(ttl)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Invalidate removes key immediately regardless of expiry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrSet is the typed convenience wrapper over Cache.GetOrSet.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.GetOrSet(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return producer(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
