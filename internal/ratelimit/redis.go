package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces limiter keys in Redis.
const DefaultPrefix = "aigateway:ratelimit:"

// RedisLimiter is a fixed-window limiter shared by every gateway instance
// using the same Redis.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client redis.Cmdable, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// CheckRateLimit counts one request against the current window of key.
func (l *RedisLimiter) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(limit, window); err != nil {
		return Result{}, err
	}

	start := l.now().Truncate(window)
	reset := start.Add(window)
	windowKey := fmt.Sprintf("%s%s:%d", l.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to check rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
