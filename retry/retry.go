// Package retry provides generic retry logic with exponential or linear
// backoff for transient failures. It respects context cancellation.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for any single delay (zero means unbounded)
	Multiplier   float64       // Multiplier for exponential backoff
	Linear       bool          // Grow delays by InitialDelay per attempt instead of multiplying
}

// DefaultConfig is used for bridge and order API calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// QuoteConfig is used for fee quotes: three attempts with linear backoff.
var QuoteConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Linear:       true,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// Delay returns the wait before retry number attempt (zero based).
func (c Config) Delay(attempt int) time.Duration {
	var d time.Duration
	if c.Linear {
		d = c.InitialDelay * time.Duration(attempt+1)
	} else {
		d = c.InitialDelay
		for i := 0; i < attempt; i++ {
			d = time.Duration(float64(d) * c.Multiplier)
			if c.MaxDelay > 0 && d > c.MaxDelay {
				break
			}
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// WithRetry executes fn until it succeeds, returns a non-retryable error or
// MaxAttempts is reached.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		// Don't sleep after last attempt
		if attempt < config.MaxAttempts-1 {
			timer := time.NewTimer(config.Delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry uses default configuration for retry operations.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}
