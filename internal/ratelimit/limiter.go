// Package ratelimit provides the global dial-rate limiter and the
// exponential backoff used for provider retries.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter caps the rate of new call initiations across all workers.
// It wraps a token bucket refilled at the configured per-second rate.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing perSecond initiations per second
// with a burst of the same size.
func NewLimiter(perSecond int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Acquire blocks until a token is available or ctx is done. Tokens are
// consumed before dispatch, never refunded; a failed initiation still
// counts against the rate.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is available without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}
