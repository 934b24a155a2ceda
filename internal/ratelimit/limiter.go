// Package ratelimit implements keyed token-bucket pacing for outbound API calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key, so pacing one credential's
// rule-API traffic never throttles another's.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Config holds the bucket parameters shared by every key.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a Limiter. A non-positive RPS disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    r,
		burst:    burst,
	}
}

// Wait blocks until the key's bucket has a token, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
