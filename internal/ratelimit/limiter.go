// Package ratelimit caps how fast workers start tasks.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter issues permits at a fixed rate. The bucket holds roughly 10ms worth
// of permits so that timer overshoot at high rates is caught up instead of
// lost, without allowing visible bursts.
type Limiter struct {
	lim *rate.Limiter

	// Rate tracking (atomic for lock-free reads)
	rateX1000 atomic.Int64 // rate * 1000 for precision
}

// New creates a new Limiter with the specified rate (requests per second).
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	l := &Limiter{lim: rate.NewLimiter(rate.Limit(ratePerSec), burstFor(ratePerSec))}
	l.rateX1000.Store(int64(ratePerSec * 1000))
	return l
}

func burstFor(ratePerSec float64) int {
	return max(1, int(ratePerSec/100))
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled wait does not consume a permit.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// SetRate updates the rate limit dynamically.
func (l *Limiter) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	l.lim.SetLimit(rate.Limit(ratePerSec))
	l.lim.SetBurst(burstFor(ratePerSec))
	l.rateX1000.Store(int64(ratePerSec * 1000))
}

// Rate returns the current rate limit.
func (l *Limiter) Rate() float64 {
	return float64(l.rateX1000.Load()) / 1000
}
