package resilience

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

// RetryConfig tunes the retry executor backoff schedule.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// DefaultRetryConfig returns the standard retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Executor combines the breaker registry with retry semantics. Every call to
// an external dependency in the engine goes through Execute.
type Executor struct {
	breakers *BreakerRegistry
	retry    RetryConfig
	logger   *zap.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// NewExecutor creates a retry executor backed by a breaker registry.
func NewExecutor(breakers *BreakerRegistry, retry RetryConfig, logger *zap.Logger) *Executor {
	return &Executor{
		breakers: breakers,
		retry:    retry,
		logger:   logger.Named("resilience"),
		sleep:    sleepCtx,
	}
}

// Execute performs op against the named dependency with breaker protection
// and up to MaxAttempts tries. Breaker rejections and non-retryable errors
// propagate immediately; each retry waits min(base*mult^(attempt-1), max).
func (e *Executor) Execute(ctx context.Context, dependency string, op func(context.Context) error) error {
	cb := e.breakers.GetOrCreate(dependency)

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		err := cb.Execute(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if pkgerrors.IsCircuitOpen(err) || !pkgerrors.IsRetryable(err) {
			return err
		}
		if attempt == e.retry.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Debug("retrying dependency call",
			zap.String("dependency", dependency),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Breakers exposes the registry for health reporting.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.retry.BaseDelay) * math.Pow(e.retry.Multiplier, float64(attempt-1))
	if delay > float64(e.retry.MaxDelay) {
		delay = float64(e.retry.MaxDelay)
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
