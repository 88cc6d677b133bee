// Package cache holds process-lifetime catalogue lookups. Entries expire
// after a TTL so definitions made by other processes become visible
// without a restart.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL bounds how long a cached catalogue entry is trusted.
const DefaultTTL = 30 * time.Second

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTLCache is a concurrency-safe map whose entries expire after ttl.
// A ttl <= 0 disables expiry.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
	metrics Metrics
}

// NewTTL creates an empty cache.
func NewTTL[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the live entry for key.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && (c.ttl <= 0 || c.now().Before(e.expires)) {
		c.metrics.Hits.Add(1)
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
			c.metrics.Evictions.Add(1)
		}
		c.mu.Unlock()
	}
	c.metrics.Misses.Add(1)
	var zero V
	return zero, false
}

// Set stores value under key.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete drops key.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix drops every key starting with prefix.
func (c *TTLCache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *TTLCache[V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, live or expired.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit, miss and eviction counts.
func (c *TTLCache[V]) Stats() (hits, misses, evictions int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load()
}
