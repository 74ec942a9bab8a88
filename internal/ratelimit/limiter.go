// Package ratelimit provides the windowed limiters used by the command
// handler and the proactive runner.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows up to limit events per period. It wraps a token bucket
// whose refill rate spreads the budget evenly across the window, with the
// full budget available as burst so short flurries are not penalized.
type Limiter struct {
	inner *rate.Limiter
}

// New creates a Limiter permitting limit events per period seconds.
// Non-positive inputs fall back to an effectively unlimited limiter.
func New(limit int, periodSeconds float64) *Limiter {
	if limit <= 0 || periodSeconds <= 0 {
		return &Limiter{inner: rate.NewLimiter(rate.Inf, 1)}
	}
	per := time.Duration(periodSeconds * float64(time.Second))
	return &Limiter{
		inner: rate.NewLimiter(rate.Every(per/time.Duration(limit)), limit),
	}
}

// Allow reports whether one more event fits in the window, consuming a
// token when it does.
func (l *Limiter) Allow() bool {
	return l.inner.Allow()
}
