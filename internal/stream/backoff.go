package stream

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential reconnect delays bounded by a
// ceiling.
type Backoff struct {
	base time.Duration
	max  time.Duration
}

// NewBackoff builds a policy growing from base up to max.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return Backoff{base: base, max: max}
}

// Delay returns the wait before reconnect attempt n. The first retry is
// attempt 1. Half the exponential delay is fixed, the other half random.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.base) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
