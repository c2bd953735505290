// Package server wires a token bucket rate limiter for per-session
// throttling that protects the broadcast domain from floods.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity messages per interval with bursts of up to
// capacity messages. A capacity of zero or less never limits.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(capacity) / interval.Seconds())
	if limit <= 0 {
		limit = rate.Limit(capacity)
	}
	return rate.NewLimiter(limit, capacity)
}
