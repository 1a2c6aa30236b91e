package billing

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// =============================================================================
// RETRY - Bounded exponential backoff for optimistic conflicts
// =============================================================================

// RetryConfig bounds how often a read-modify-write is re-run after a
// ConcurrencyConflictError.
type RetryConfig struct {
	MaxAttempts     int           // total attempts, including the first
	InitialInterval time.Duration // first wait
	MaxInterval     time.Duration // cap on a single wait
}

// DefaultRetryConfig returns sensible defaults for request-path writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
	}
}

// RetryNotify is called before each wait with the error that caused it.
type RetryNotify func(err error, attempt int, wait time.Duration)

// Retry runs op until it succeeds, returns a non-retryable error, the context
// is done, or MaxAttempts is exhausted. The last error is returned unchanged.
func Retry(ctx context.Context, cfg RetryConfig, op func() error, notify RetryNotify) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time

	b := backoff.WithMaxRetries(backoff.WithContext(eb, ctx), uint64(cfg.MaxAttempts-1))

	attempt := 0
	wrapped := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(err, attempt, wait) }
	}
	return backoff.RetryNotify(wrapped, b, n)
}
