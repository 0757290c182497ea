package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a thread-safe LRU backed by an expirable LRU. When full, the
// least recently used entry is evicted. Every entry lives at most the cache
// TTL; a shorter ttl passed to Set is checked on read.
type MemoryCache struct {
	lru *lru.LRU[string, memoryEntry]
	mu  sync.RWMutex
	now func() time.Time
}

// NewMemory panics when capacity is not positive. A non-positive ttl leaves
// entries without a cache-wide expiry.
func NewMemory(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		panic("cache: memory capacity must be positive")
	}
	return &MemoryCache{
		lru: lru.NewLRU[string, memoryEntry](capacity, nil, max(ttl, 0)),
		now: time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && !c.clock().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, ErrMiss
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a copy of value. A non-positive ttl falls back to the cache TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = c.clock().Add(ttl)
	}
	c.lru.Add(key, entry)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func (c *MemoryCache) clock() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}
