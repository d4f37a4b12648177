// Package ratelimit paces outgoing requests with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"github.com/juju/ratelimit"
)

// Limiter is a token bucket. A nil *Limiter never blocks.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// New creates a limiter refilling at rate tokens per second with room for
// capacity tokens. A non-positive rate returns nil (unlimited).
func New(rate float64, capacity int64) *Limiter {
	if rate <= 0 {
		return nil
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{bucket: ratelimit.NewBucketWithRate(rate, capacity)}
}

// Wait takes a token, sleeping until it is due or ctx is done. The token
// stays reserved when ctx ends first.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	d := l.bucket.Take(1)
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Rate returns the refill rate in tokens per second, 0 for nil.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.bucket.Rate()
}
