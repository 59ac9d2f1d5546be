package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow runs atomically on the Redis server.
//
//	KEYS[1]: ratelimit:{scope}:{key}, a sorted set of request timestamps
//	ARGV: now (ms), window start (ms), window (s), member, limit
//
// Returns the request count inside the window, or -1 when over the limit.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local windowStart = tonumber(ARGV[2])
	local windowSec = tonumber(ARGV[3])
	local member = ARGV[4]
	local limit = tonumber(ARGV[5])

	redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('EXPIRE', key, windowSec)
		return count + 1
	end
	return -1
`)

// RedisLimiter is a sliding-window limiter shared by every gateway instance
type RedisLimiter struct {
	client *redis.Client
	scope  string
	limit  int
	window time.Duration
	seq    atomic.Uint64
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per key in any window-long interval
func NewRedisLimiter(client *redis.Client, scope string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		scope:  scope,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowSec := max(int64(l.window/time.Second), 1)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), l.seq.Add(1))

	res, err := slidingWindow.Run(ctx, l.client,
		[]string{fmt.Sprintf("ratelimit:%s:%s", l.scope, key)},
		nowMs, nowMs-l.window.Milliseconds(), windowSec, member, l.limit,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	return res >= 0, nil
}
