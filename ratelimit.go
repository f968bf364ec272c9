package memtier

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the one process-wide gate in front of the quota-limited
// external services: at most one call passes per interval, and waiting
// callers are released in arrival order. A single limiter is shared by
// the embedding and analysis clients.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter builds a limiter releasing one call per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = DefaultCallInterval
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Acquire blocks until the caller's slot opens or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.lim.Wait(ctx)
}
