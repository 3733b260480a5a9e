package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	return NewRedisCache(cli), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	key := "routing:a1b2c3"
	if err := c.Set(ctx, key, []byte(`{"model":"gpt-4o","score":73}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(val) != `{"model":"gpt-4o","score":73}` {
		t.Errorf("value = %s", val)
	}
}

func TestRedisCache_MissReturnsFalse(t *testing.T) {
	c, _ := newRedisCache(t)

	if _, ok := c.Get(context.Background(), "routing:unknown"); ok {
		t.Error("expected a miss for an unset key")
	}
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "routing:short", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, ok := c.Get(ctx, "routing:short"); ok {
		t.Error("entry should have expired")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "routing:x", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "routing:x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "routing:x"); ok {
		t.Error("entry should be gone after Delete")
	}
}

// --- graceful degradation ----------------------------------------------------

func TestRedisCache_DegradesWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(cli)
	mr.Close()

	ctx := context.Background()
	if _, ok := c.Get(ctx, "routing:any"); ok {
		t.Error("Get against a dead backend must read as a miss")
	}
	if err := c.Set(ctx, "routing:any", []byte("v"), time.Minute); err != nil {
		t.Errorf("Set against a dead backend must not error, got %v", err)
	}
	cli.Close()
}

func TestNewRedisCacheFromURL_BadURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-url"); err == nil {
		t.Error("expected an error for an invalid URL")
	}
}

func TestNewRedisCacheFromURL_PingFailure(t *testing.T) {
	// Nothing listens on this port.
	if _, err := NewRedisCacheFromURL(context.Background(), "redis://127.0.0.1:1"); err == nil {
		t.Error("expected an error when the initial ping fails")
	}
}
