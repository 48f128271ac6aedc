// Package retry provides retry mechanisms with exponential backoff and
// fixed-interval polling
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "github.com/davidroman0O/meroflow/errors"
)

// Operation represents a function that can be retried
type Operation func(ctx context.Context) error

// Condition reports whether a polled state has been reached
type Condition func(ctx context.Context) (bool, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration

	// OnRetry is called after each failed attempt
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the network retry configuration used for admin calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// WithBackoff retries an operation with exponential backoff.
// Only errors wrapped with NewRetryableError are retried.
func WithBackoff(ctx context.Context, op Operation, cfg Config) error {
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			timer := time.NewTimer(calculateDelay(attempt-1, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		if !IsRetryable(err) {
			return unwrapRetryable(err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, unwrapRetryable(lastErr))
}

// Poll evaluates cond immediately and then every interval until it reports
// true, returns an error, or timeout elapses. ErrPollTimeout is returned on
// timeout. A non-positive timeout polls until ctx is done.
func Poll(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrPollTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrPollTimeout is returned by Poll when the condition never held
var ErrPollTimeout = errors.New("condition not met before timeout")

// calculateDelay calculates the delay for a given attempt
func calculateDelay(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}

	return time.Duration(delay)
}

// RetryableError is an error that can be retried
type RetryableError struct {
	err error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.err)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}

// IsRetryable checks if an error is retryable: either marked with
// NewRetryableError or carrying a timeout or connection error code.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return apperrors.IsRetryable(err)
}

func unwrapRetryable(err error) error {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return retryable.err
	}
	return err
}
