package errors

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy governs in-process retries of short operations such as ledger
// writes. Redelivering a failed event is the transport's job, not this.
type RetryPolicy struct {
	// Attempts caps the number of calls, the first included. Values below 1
	// mean a single call.
	Attempts int
	// Delay is the wait before the second call.
	Delay time.Duration
	// MaxDelay bounds the wait between calls. Zero means unbounded.
	MaxDelay time.Duration
	// Multiplier grows the wait after each failed call. Values below 1 keep
	// it constant.
	Multiplier float64
	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64
	// Retryable decides which errors are worth another call. Defaults to
	// IsRetryable.
	Retryable func(error) bool
}

// DefaultRetry retries three times with a short exponential backoff.
var DefaultRetry = RetryPolicy{
	Attempts:   3,
	Delay:      50 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// NoRetry makes exactly one call.
var NoRetry = RetryPolicy{Attempts: 1}

// Do calls fn until it succeeds, returns an error the policy will not
// retry, or the attempts run out. It returns how many calls were made and
// the last error. A cancelled ctx stops it between calls with a processing
// error wrapping ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	calls := 0
	for {
		if err := ctx.Err(); err != nil {
			return calls, Processing(err, "retry cancelled")
		}

		err := fn(ctx)
		calls++
		if err == nil || !retryable(err) || calls >= max(p.Attempts, 1) {
			return calls, err
		}

		timer := time.NewTimer(p.wait(calls))
		select {
		case <-ctx.Done():
			timer.Stop()
			return calls, Processing(ctx.Err(), "retry cancelled")
		case <-timer.C:
		}
	}
}

// wait returns the pause after the n-th failed call.
func (p RetryPolicy) wait(n int) time.Duration {
	d := float64(p.Delay)
	if p.Multiplier > 1 {
		d *= math.Pow(p.Multiplier, float64(n-1))
	}
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}
