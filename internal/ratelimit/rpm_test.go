package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relayforge/llm-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-main")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-main")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request for the same key must be blocked.
	allowed, err := limiter.Allow(ctx, "key-main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 2
	limiter := ratelimit.NewRPMLimiter(rdb, limit)
	ctx := context.Background()

	// Exhaust one key's budget.
	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, "key-busy"); !allowed {
			t.Fatalf("key-busy blocked at iteration %d", i)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "key-busy"); allowed {
		t.Fatal("key-busy should be over its limit")
	}

	// A different key still has its full budget.
	allowed, err := limiter.Allow(ctx, "key-idle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("key-idle should not share key-busy's window")
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "key-main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
