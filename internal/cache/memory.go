package cache

import (
	"context"
	"sync"
	"time"
)

// evictionInterval paces the background sweep of expired entries.
const evictionInterval = 5 * time.Minute

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL. Safe for concurrent
// use. A background goroutine sweeps expired entries so a long-running
// single-instance gateway does not grow without bound.
//
// Routing entries cached here are not shared between replicas; multi-replica
// deployments should use RedisCache so one evaluator verdict serves all.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the eviction loop. The
// loop stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.evictLoop(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	c.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, including expired
// entries the sweep has not reached yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the eviction goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
