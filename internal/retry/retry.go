// Package retry is the shared exponential-backoff loop used by the
// Evidence Publisher (§4.7) and Alert Dispatcher (§4.8): up to N retries,
// base delay doubling each attempt. Grounded on the teacher's
// internal/nvr.NATSPublisher.Publish retry loop, generalized from its fixed
// linear backoff to the spec's base-2s/factor-2 exponential schedule and
// parameterized by a Retryable predicate instead of retrying every error.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop: up to MaxRetries after the initial attempt,
// with delay doubling from Base each time (P10: "monotonically
// non-decreasing inter-attempt delays").
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
}

// DefaultPolicy matches §4.7/§4.8: 3 retries, 2s base, factor 2.
var DefaultPolicy = Policy{MaxRetries: 3, Base: 2 * time.Second, Factor: 2}

// Attempt is one outcome: nil error means success and stops the loop.
type Attempt func(ctx context.Context, attemptNo int) error

// Retryable decides whether a given error should trigger another attempt.
type Retryable func(err error) bool

// Run executes attempt up to 1+Policy.MaxRetries times, sleeping an
// exponentially growing delay between attempts, stopping early on success
// or on a non-retryable error. Returns the last error seen, or nil.
func Run(ctx context.Context, p Policy, retryable Retryable, attempt Attempt) error {
	delay := p.Base
	var lastErr error

	for i := 0; i <= p.MaxRetries; i++ {
		err := attempt(ctx, i)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if i == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Factor)
	}
	return lastErr
}
