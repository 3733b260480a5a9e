// Package ratelimit enforces per-API-key request rates using Redis sliding
// window counters with atomic Lua scripts. The window is shared across
// replicas; a single gateway instance without Redis runs unlimited.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyWindowScript implements a sliding window over a sorted set, atomically:
// expire old members, count, and admit or reject.
// KEYS[1] = Redis key for one API key's window
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var keyWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:key:"

// RPMLimiter checks a requests-per-minute limit per API key. Every key gets
// the same budget; keys that never hit the gateway cost nothing in Redis.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates an RPMLimiter with the given per-key RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether the named API key is within its rate limit. When
// Redis is unreachable the request is allowed; availability wins over
// precise limiting.
func (r *RPMLimiter) Allow(ctx context.Context, apiKey string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := keyWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + apiKey},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
