// Package retry provides generic retry with exponential backoff for
// transient failures. Only errors the caller's predicate accepts are
// retried; everything else returns immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted marks an error returned after the attempt budget ran out.
// The last attempt's error is wrapped alongside it.
var ErrExhausted = errors.New("max retries exceeded")

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Total attempts, including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Backoff ceiling
	Multiplier   float64       // Exponential backoff multiplier
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable decides whether an error should trigger another attempt.
type IsRetryable func(error) bool

// WithRetry executes fn until it succeeds, a non-retryable error occurs,
// the context is done, or the attempt budget is exhausted. Backoff grows by
// config.Multiplier per retry, capped at config.MaxDelay.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, config.MaxAttempts, lastErr)
}

// WithSimpleRetry runs WithRetry with DefaultConfig.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}
