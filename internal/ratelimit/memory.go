package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is an in-process token bucket per key. Buckets refill at
// limit/window and hold at most limit tokens.
type MemoryLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *MemoryLimiter) bucket(key string, limit int, window time.Duration) *rate.Limiter {
	k := fmt.Sprintf("%s|%d|%s", key, limit, window)

	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[k]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	l.buckets[k] = b
	return b
}

// CheckRateLimit takes one token from the bucket of key.
func (l *MemoryLimiter) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	if err := validate(limit, window); err != nil {
		return Result{}, err
	}

	b := l.bucket(key, limit, window)
	now := time.Now()
	allowed := b.AllowN(now, 1)

	tokens := b.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	// Reset is when the bucket holds a full token again.
	refill := time.Duration(0)
	if tokens < 1 {
		refill = time.Duration((1 - tokens) * float64(window) / float64(limit))
	}
	return Result{
		Success:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(refill),
	}, nil
}
