package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// slidingWindow keeps one sorted-set member per admitted request, scored by
// the Redis server clock in microseconds so nodes with skewed clocks share
// one window. ARGV: window (us), limit, member nonce. Returns 1 if admitted.
var slidingWindow = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local window = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('ZADD', KEYS[1], now, now .. ':' .. ARGV[3])
redis.call('PEXPIRE', KEYS[1], math.ceil(window / 1000))
return 1
`)

// RateLimiter implements domain.RateLimiter over a Redis sliding window, so
// every API replica draws from one budget per caller.
type RateLimiter struct {
	rdb *redis.Client
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying()}
}

// Allow admits one request for key if fewer than limit were admitted in the
// trailing window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	admitted, err := slidingWindow.Run(ctx, rl.rdb,
		[]string{keyPrefix + "ratelimit:" + key},
		window.Microseconds(), limit, time.Now().UnixNano(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return admitted == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
