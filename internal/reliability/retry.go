package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether another attempt should be made and how
// long to wait before it.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the maximum number of attempts
	MaxAttempts() int
	// NextDelay calculates the delay before the given attempt
	NextDelay(attempt int) time.Duration
}

// IncrementalBackoff waits Interval multiplied by the attempt number:
// the reconnect schedule used toward the signing agent. No jitter, so
// the attempt count and spacing are exact.
type IncrementalBackoff struct {
	Interval time.Duration
	Attempts int
}

// NewIncrementalBackoff creates an incremental backoff policy.
func NewIncrementalBackoff(interval time.Duration, attempts int) *IncrementalBackoff {
	return &IncrementalBackoff{Interval: interval, Attempts: attempts}
}

// ShouldRetry implements RetryPolicy
func (i *IncrementalBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= i.Attempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, i.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (i *IncrementalBackoff) MaxAttempts() int {
	return i.Attempts
}

// NextDelay implements RetryPolicy. attempt is zero-based, so the
// first retry waits one full interval.
func (i *IncrementalBackoff) NextDelay(attempt int) time.Duration {
	return i.Interval * time.Duration(attempt+1)
}

// ExponentialBackoff doubles (or multiplies) the delay per attempt,
// capped at MaxInterval. Used for upstream HTTP retries where spacing
// precision does not matter and jitter avoids thundering herds.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

// Retry executes fn until it succeeds, the policy gives up, or the
// context is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Default to retryable for unknown errors
	return true
}

// RetryableError wraps an error with an explicit retryability flag.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
