// Package backoff provides exponential backoff with jitter for retrying
// provider calls and tool executions.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential factor applied per attempt.
	Multiplier float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// DefaultPolicy returns the standard retry policy for provider calls.
// Initial: 1s, Max: 30s, Multiplier: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// Delay computes the backoff duration for a 1-indexed attempt:
// min(maxDelay, initialDelay * multiplier^(attempt-1) * (1 + jitter*random)).
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the backoff duration using the provided random
// value in [0.0, 1.0). Tests use it for deterministic results.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}

	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, exp)
	jitter := base * policy.Jitter * randomValue

	total := base + jitter
	if policy.MaxDelay > 0 {
		total = math.Min(total, float64(policy.MaxDelay))
	}
	return time.Duration(total)
}

// Sleep sleeps for the given duration, respecting context cancellation.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBackoff computes the delay for the attempt and sleeps it.
func SleepBackoff(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Delay(policy, attempt))
}

// Retry runs fn up to maxAttempts times, sleeping the policy delay between
// failures. fn receives the 1-indexed attempt number. Returns nil on the
// first success, the context error on cancellation, or ErrAttemptsExhausted
// joined with the last error.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := SleepBackoff(ctx, policy, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
