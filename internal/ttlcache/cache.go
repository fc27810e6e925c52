// ABOUTME: Thread-safe TTL cache with insertion-order eviction and background cleanup.
// ABOUTME: Backs idempotent entitlement lookups so repeated checks stay off the network.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores a value with its write time and position in the eviction order.
type entry[V any] struct {
	value   V
	written time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited key/value cache.
// Uses a doubly-linked list to keep write order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   *list.List // keys, oldest write at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries until Close.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(cleanupInterval(ttl))
	return c
}

// cleanupInterval sweeps at the TTL, clamped to [1s, 1m].
func cleanupInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	default:
		return ttl
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.expired(e) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its TTL. If the cache is full the
// oldest write is evicted.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.written = c.now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = &entry[V]{
		value:   value,
		written: c.now(),
		element: c.order.PushBack(key),
	}
}

// Delete removes key. Missing keys are ignored.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// expired must be called with mu held.
func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.written) >= c.ttl
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops every expired entry.
func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if c.expired(e) {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
