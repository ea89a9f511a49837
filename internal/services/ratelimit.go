package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts operations per key in a sliding window. Implementations
// keep their counters outside the process.
type RateLimiter interface {
	// Allow records one hit for key. When the window is full it reports
	// false and how long until the oldest hit leaves the window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

	local count = redis.call("ZCARD", key)
	if count < limit then
		redis.call("ZADD", key, now, member)
		redis.call("PEXPIRE", key, window)
		return {1, 0}
	end

	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
`)

type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, now func() time.Time) *RedisRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisRateLimiter{client: client, now: now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{fmt.Sprintf(keyRateLimit, "window", key)},
		r.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// DocumentRateLimiter keeps the window as a list of hit timestamps in a
// document, updated through the store's atomic update. It works on any
// DocumentStore backend.
type DocumentRateLimiter struct {
	store DocumentStore
	now   func() time.Time
}

func NewDocumentRateLimiter(store DocumentStore, now func() time.Time) *DocumentRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &DocumentRateLimiter{store: store, now: now}
}

func (r *DocumentRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := r.now().UnixMilli()
	cutoff := now - window.Milliseconds()

	var (
		allowed    bool
		retryAfter time.Duration
	)
	err := r.store.Update(ctx, fmt.Sprintf(PathRateLimit, "window", key), float64(now), func(current []byte) ([]byte, error) {
		var hits []int64
		if current != nil {
			if err := json.Unmarshal(current, &hits); err != nil {
				hits = nil
			}
		}

		kept := hits[:0]
		for _, h := range hits {
			if h > cutoff {
				kept = append(kept, h)
			}
		}

		if len(kept) >= limit {
			allowed = false
			retryAfter = time.Duration(kept[0]+window.Milliseconds()-now) * time.Millisecond
			return json.Marshal(kept)
		}

		allowed = true
		retryAfter = 0
		return json.Marshal(append(kept, now))
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return allowed, retryAfter, nil
}
