package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/janovincze/sqlsink/internal/metrics"
)

// RetryPolicy defines the retry behavior for transient failures.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	MaxAttempts int

	// InitialInterval is the initial backoff interval.
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval.
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter adds ±25% randomness to each wait.
	Jitter bool
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// RetryError wraps the last error with retry information.
type RetryError struct {
	Err      error
	Attempts int
	LastWait time.Duration
	// Exhausted is true when the error stayed retryable through every attempt.
	Exhausted bool
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retryable marks an error as retryable. backend.ExecError implements it.
type Retryable interface {
	IsRetryable() bool
}

// Retryer executes a function with bounded exponential backoff.
type Retryer struct {
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
	backend string
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a new Retryer with the given policy.
func NewRetryer(policy RetryPolicy, logger *slog.Logger) *Retryer {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retryer{
		policy: policy,
		logger: logger.With("component", "retryer"),
		sleep:  sleepContext,
	}
}

// SetMetrics records retry attempts under the given backend label.
func (r *Retryer) SetMetrics(m *metrics.Metrics, backend string) {
	r.metrics = m
	r.backend = backend
}

// Execute runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Any failure is returned as a *RetryError.
func (r *Retryer) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	var lastWait time.Duration

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("operation succeeded after retry",
					"attempt", attempt,
					"total_wait", lastWait,
				)
			}
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return &RetryError{
				Err:      err,
				Attempts: attempt,
				LastWait: lastWait,
			}
		}

		if attempt >= r.policy.MaxAttempts {
			break
		}

		if r.metrics != nil {
			r.metrics.RetriesTotal.WithLabelValues(r.backend).Inc()
		}

		wait := r.calculateBackoff(attempt)
		lastWait += wait

		r.logger.Warn("retrying operation",
			"attempt", attempt,
			"next_attempt", attempt+1,
			"wait", wait,
			"error", err,
		)

		if err := r.sleep(ctx, wait); err != nil {
			return &RetryError{
				Err:      errors.Join(lastErr, err),
				Attempts: attempt,
				LastWait: lastWait,
			}
		}
	}

	return &RetryError{
		Err:       lastErr,
		Attempts:  r.policy.MaxAttempts,
		LastWait:  lastWait,
		Exhausted: true,
	}
}

// isRetryable reports whether err asked to be retried. Unclassified errors
// are not retried.
func isRetryable(err error) bool {
	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return false
}

// calculateBackoff calculates the backoff duration for the given attempt.
func (r *Retryer) calculateBackoff(attempt int) time.Duration {
	// initialInterval * multiplier^(attempt-1)
	backoff := float64(r.policy.InitialInterval) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if r.policy.MaxInterval > 0 && backoff > float64(r.policy.MaxInterval) {
		backoff = float64(r.policy.MaxInterval)
	}

	duration := time.Duration(backoff)

	if r.policy.Jitter {
		if jitter := duration / 4; jitter > 0 {
			duration = duration - jitter + time.Duration(rand.Int63n(int64(jitter*2)))
		}
	}

	return duration
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteWithResult runs fn with retry logic and returns its last value.
func ExecuteWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}
