package audit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimitWait bounds how long a write waits for a token.
const DefaultRateLimitWait = 5 * time.Second

// RateLimited throttles writes to an inner sink. A write that cannot get a
// token within the wait bound, or before its context ends, fails. The
// wheel records that as W-006.
type RateLimited struct {
	inner   Service
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewRateLimited allows rps writes per second with the given burst.
func NewRateLimited(inner Service, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		maxWait: DefaultRateLimitWait,
	}
}

// WithMaxWait sets the wait bound. Non-positive values keep the current one.
func (r *RateLimited) WithMaxWait(d time.Duration) *RateLimited {
	if d > 0 {
		r.maxWait = d
	}
	return r
}

func (r *RateLimited) Write(ctx context.Context, e Event) error {
	wctx, cancel := context.WithTimeout(ctx, r.maxWait)
	defer cancel()
	if err := r.limiter.Wait(wctx); err != nil {
		return fmt.Errorf("audit: rate limit: %w", err)
	}
	return r.inner.Write(ctx, e)
}
