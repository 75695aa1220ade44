// Package ratelimit throttles chat messages and login attempts.
//
// MemoryLimiter keeps one token bucket per key inside the process. Instances
// behind a load balancer each enforce their own budget.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until a token is available. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token for key. An error signals a limiter
	// malfunction; callers fail open.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// New returns a MemoryLimiter, or a NoopLimiter when disabled.
func New(enabled bool, rate float64, burst int) Limiter {
	if !enabled {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rate, burst)
}

// UserKey is the key chat messages are limited by.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always allows.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
