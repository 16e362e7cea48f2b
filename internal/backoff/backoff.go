// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been used.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Factor is the exponential growth factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// DefaultPolicy returns the policy used for workflow step retries.
// Initial: 250ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay calculates the backoff duration for a given attempt number.
// Attempt numbers start at 1. The formula is
// min(max, initial * factor^(attempt-1) * (1 + jitter*random)).
func Delay(policy Policy, attempt int) time.Duration {
	return delayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func delayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	total := base * (1 + policy.Jitter*randomValue)
	if limit := float64(policy.Max); policy.Max > 0 && total > limit {
		total = limit
	}
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff delay or until the context is done.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	timer := time.NewTimer(Delay(policy, attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn with exponential backoff, up to maxAttempts times.
// fn receives the 1-indexed attempt number. Returns the successful value,
// or ErrMaxAttemptsExhausted (joined with the last error) once attempts run
// out, or the context error if cancelled between attempts.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
