// Redis-backed cache. The family router keys routing entries by
// SHA-256(messages + tools + temperature + max_tokens) so replicas reuse
// each other's evaluator verdicts.
//
// Graceful degradation: when Redis is unavailable, Get reads as a miss and
// Set is a silent no-op, so routing falls back to the evaluator instead of
// failing the request.

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout caps every cache round-trip. A slow Redis must never hold
// up routing longer than this.
const redisOpTimeout = 500 * time.Millisecond

// RedisCache implements Cache on a Redis client.
type RedisCache struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle (creation and Close).
func NewRedisCache(redisCli *redis.Client) *RedisCache {
	return &RedisCache{client: redisCli, opTimeout: redisOpTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a client, and verifies the
// connection with a PING. Errors if the URL is invalid or the ping fails:
// a misconfigured cache should surface at startup, not as silent misses.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, opTimeout: redisOpTimeout}, nil
}

// Get retrieves the value for key. Returns (data, true) on a hit and
// (nil, false) on a miss or any Redis error; errors are logged at WARN.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "routing_cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. Always returns nil: a
// write that did not land costs one future evaluator call, nothing more.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "routing_cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key. Returns the underlying error so callers can decide
// how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
