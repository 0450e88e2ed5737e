package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one rate limit check.
type Result struct {
	Success   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects requests for a key, allowing at most limit
// requests per window.
type Limiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Config selects and tunes the limiter.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"` // redis or memory
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	Prefix  string        `mapstructure:"prefix"`
}

func validate(limit int, window time.Duration) error {
	if limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return nil
}
