package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/billing"
)

// =============================================================================
// RETRY
// =============================================================================

func fastRetry() billing.RetryConfig {
	return billing.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestRetry_RetriesConflictsUntilSuccess(t *testing.T) {
	calls := 0
	var notified []int
	err := billing.Retry(context.Background(), fastRetry(), func() error {
		calls++
		if calls < 3 {
			return &billing.ConcurrencyConflictError{Resource: "bill", Key: "k"}
		}
		return nil
	}, func(_ error, attempt int, _ time.Duration) { notified = append(notified, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := billing.Retry(context.Background(), fastRetry(), func() error {
		calls++
		return &billing.ConcurrencyConflictError{Resource: "credit", Key: "k"}
	}, nil)

	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := billing.Retry(context.Background(), fastRetry(), func() error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
