package dispatch

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures how a failed auto-response is retried. Delays use
// exponential backoff with jitter to avoid thundering herds when several
// responses fail at once.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each retry.
	Multiplier float64

	// JitterFactor adds randomness to delays (0.0 to 1.0).
	JitterFactor float64

	// Retryable decides which errors trigger a retry. Nil retries all.
	Retryable func(error) bool
}

// DefaultRetryPolicy allows two retries after the initial attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// NoRetryPolicy disables retries.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// retry runs op until it succeeds, the policy is exhausted, or ctx ends.
// It returns the attempt count alongside the final error.
func retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var lastErr error
	var zero T

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, attempt, err
		}

		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return zero, attempt, ctx.Err()
			case <-time.After(backoffDelay(policy, attempt)):
			}
		}
	}

	return zero, policy.MaxAttempts, lastErr
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.JitterFactor > 0 {
		jitter := delay * policy.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}
	return time.Duration(delay)
}
