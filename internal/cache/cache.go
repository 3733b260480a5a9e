// Package cache provides the TTL caches behind the family router's routing
// memoization and the selector's exclusion rules.
//
// Two interchangeable backends implement Cache:
//   - RedisCache  — shared across replicas, for production clusters.
//   - MemoryCache — in-process, for single instances and local development.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value TTL cache. Implementations degrade gracefully: a
// backend outage reads as a miss, never as a serving failure.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
