// Package cache keeps read responses for a bounded time.
package cache

import (
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a size-bounded LRU whose entries expire after a fixed TTL
type Cache[V any] struct {
	name string
	lru  *expirable.LRU[string, V]
}

// New creates a cache holding at most size entries for ttl each
func New[V any](name string, size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = 1
	}
	return &Cache[V]{name: name, lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the cached value for key
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		metrics.CacheRequests.WithLabelValues(c.name, "hit").Inc()
	} else {
		metrics.CacheRequests.WithLabelValues(c.name, "miss").Inc()
	}
	return v, ok
}

// Set stores value under key
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// Purge drops every entry
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
