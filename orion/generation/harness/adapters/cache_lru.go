package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache implements a bounded LRU cache with per-entry TTL.
type LRUCache struct {
	items *lru.Cache[string, cacheItem]
	now   func() time.Time
}

type cacheItem struct {
	value   []byte
	expires time.Time
}

// NewLRUCache creates a new LRU cache with the specified capacity.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	items, err := lru.New[string, cacheItem](capacity)
	if err != nil {
		// only returned for non-positive sizes, which are clamped above
		panic(err)
	}
	return &LRUCache{items: items, now: time.Now}
}

// Get retrieves a value from the cache. Expired entries are evicted on read.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	item, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	if !item.expires.IsZero() && c.now().After(item.expires) {
		c.items.Remove(key)
		return nil, false
	}
	return item.value, true
}

// Set stores a value in the cache. ttlSeconds <= 0 keeps the entry until it
// is evicted by capacity.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	item := cacheItem{value: value}
	if ttlSeconds > 0 {
		item.expires = c.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	c.items.Add(key, item)
	return nil
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Len reports the number of live and not yet evicted entries.
func (c *LRUCache) Len() int {
	return c.items.Len()
}

// Ensure LRUCache implements the Cache interface.
var _ ports.Cache = (*LRUCache)(nil)
