// Package cache provides an in-memory TTL cache with sliding expiry
// and eviction callbacks. The session manager keeps one entry per browser session.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe in-memory cache with TTL.
type InMemory[T any] struct {
	mu      sync.RWMutex
	items   map[string]entry[T]
	ttl     time.Duration
	onEvict func(key string, value T)
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new in-memory cache with the given TTL.
func New[T any](ttl time.Duration) *InMemory[T] {
	c := &InMemory[T]{
		items: make(map[string]entry[T]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// OnEvict registers fn to run, outside the lock, whenever an entry expires
// or is deleted. Set it before the cache is shared.
func (c *InMemory[T]) OnEvict(fn func(key string, value T)) {
	c.onEvict = fn
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Touch retrieves a value and pushes its expiry one TTL into the future.
func (c *InMemory[T]) Touch(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	e.expiresAt = c.now().Add(c.ttl)
	c.items[key] = e
	return e.value, true
}

// Set stores a value in the cache with the configured TTL. An expired
// entry it replaces is passed to the eviction callback.
func (c *InMemory[T]) Set(key string, value T) {
	c.mu.Lock()
	now := c.now()
	old, existed := c.items[key]
	c.items[key] = entry[T]{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()

	if existed && now.After(old.expiresAt) && c.onEvict != nil {
		c.onEvict(key, old.value)
	}
}

// Delete removes a value from the cache and fires the eviction callback.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	e, ok := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()

	if ok && c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}

// Take removes a live value without firing the eviction callback, handing
// ownership back to the caller.
func (c *InMemory[T]) Take(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	delete(c.items, key)
	return e.value, true
}

// Len returns the number of live entries.
func (c *InMemory[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Range calls fn for every live entry until fn returns false.
// fn runs on a snapshot, so it may call back into the cache.
func (c *InMemory[T]) Range(fn func(key string, value T) bool) {
	c.mu.RLock()
	now := c.now()
	snapshot := make(map[string]T, len(c.items))
	for k, e := range c.items {
		if !now.After(e.expiresAt) {
			snapshot[k] = e.value
		}
	}
	c.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Close stops the cleanup goroutine and evicts every entry.
func (c *InMemory[T]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		items := c.items
		c.items = make(map[string]entry[T])
		c.mu.Unlock()

		if c.onEvict != nil {
			for k, e := range items {
				c.onEvict(k, e.value)
			}
		}
	})
}

// sweep removes expired entries and returns them.
func (c *InMemory[T]) sweep() map[string]T {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := make(map[string]T)
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			expired[k] = v.value
			delete(c.items, k)
		}
	}
	return expired
}

// cleanup periodically removes expired entries.
func (c *InMemory[T]) cleanup() {
	interval := c.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for k, v := range c.sweep() {
				if c.onEvict != nil {
					c.onEvict(k, v)
				}
			}
		}
	}
}
