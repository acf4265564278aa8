package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

func testExecutor(t *testing.T, retry RetryConfig) (*Executor, *[]time.Duration) {
	t.Helper()
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig(), zap.NewNop()), retry, zap.NewNop())
	var delays []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return exec, &delays
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	exec, delays := testExecutor(t, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	})

	attempts := 0
	err := exec.Execute(context.Background(), "payout-gateway", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return pkgerrors.NewTransientError("payout-gateway", errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Exponential backoff: base, base*2.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestExecutorCapsBackoffAtMaxDelay(t *testing.T) {
	exec, delays := testExecutor(t, RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Second,
		Multiplier:  3.0,
	})

	err := exec.Execute(context.Background(), "dep", func(context.Context) error {
		return pkgerrors.NewTransientError("dep", errors.New("always"))
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}, *delays)
}

func TestExecutorDoesNotRetryValidationErrors(t *testing.T) {
	exec, delays := testExecutor(t, DefaultRetryConfig())

	attempts := 0
	err := exec.Execute(context.Background(), "ledger", func(context.Context) error {
		attempts++
		return pkgerrors.NewValidationError("amount", "negative")
	})
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)
}

func TestExecutorPropagatesCircuitOpenWithoutRetry(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, CoolDown: time.Hour}, zap.NewNop())
	exec := NewExecutor(reg, DefaultRetryConfig(), zap.NewNop())
	exec.sleep = func(context.Context, time.Duration) error { return nil }

	// Trip the breaker with a non-retryable failure.
	_ = exec.Execute(context.Background(), "dep", func(context.Context) error {
		return errors.New("hard failure")
	})

	attempts := 0
	err := exec.Execute(context.Background(), "dep", func(context.Context) error {
		attempts++
		return nil
	})
	assert.True(t, pkgerrors.IsCircuitOpen(err))
	assert.Zero(t, attempts)
}

func TestExecutorRetriesTimeouts(t *testing.T) {
	exec, _ := testExecutor(t, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	attempts := 0
	err := exec.Execute(context.Background(), "venue:primary-1", func(context.Context) error {
		attempts++
		return pkgerrors.NewTimeoutError("submit", time.Second)
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}
