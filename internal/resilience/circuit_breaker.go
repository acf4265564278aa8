// Package resilience protects calls to unreliable dependencies with a
// per-dependency circuit breaker and an exponential-backoff retry executor.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

// State of a circuit breaker.
type State int32

const (
	// StateClosed - normal operation, calls pass through.
	StateClosed State = iota
	// StateOpen - calls are rejected until the cool-down elapses.
	StateOpen
	// StateHalfOpen - a single probe is allowed to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int64         `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         60 * time.Second,
	}
}

// CircuitBreaker guards one dependency. State transitions use CAS so that
// concurrent callers observe exactly one transition.
type CircuitBreaker struct {
	name      string
	threshold int64
	coolDown  time.Duration

	state           int32 // State
	failureCount    int64
	lastFailureTime int64 // unix nano

	logger *zap.Logger
}

// NewCircuitBreaker creates a breaker for a named dependency.
func NewCircuitBreaker(name string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: config.FailureThreshold,
		coolDown:  config.CoolDown,
		state:     int32(StateClosed),
		logger:    logger,
	}
}

// Execute runs fn under breaker protection. When the breaker is open it
// returns a CircuitOpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return &pkgerrors.CircuitOpenError{Dependency: cb.name, State: cb.State().String()}
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

// allow decides whether the next call may proceed.
func (cb *CircuitBreaker) allow() bool {
	now := time.Now().UnixNano()

	switch State(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return true

	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
		if now-lastFailure >= cb.coolDown.Nanoseconds() {
			// The CAS winner owns the probe; losers stay rejected.
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
				cb.logger.Info("circuit breaker transitioning to half-open",
					zap.String("dependency", cb.name))
				return true
			}
		}
		return false

	case StateHalfOpen:
		// The probe is already in flight with the caller that opened the window.
		return false

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if State(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
			cb.logger.Info("circuit breaker closed after successful probe",
				zap.String("dependency", cb.name))
		}
	}
	atomic.StoreInt64(&cb.failureCount, 0)
}

func (cb *CircuitBreaker) recordFailure() {
	failures := atomic.AddInt64(&cb.failureCount, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch State(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if failures >= cb.threshold {
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen)) {
				cb.logger.Warn("circuit breaker opened",
					zap.String("dependency", cb.name),
					zap.Int64("failures", failures),
					zap.Int64("threshold", cb.threshold))
			}
		}
	case StateHalfOpen:
		// Probe failed, reopen and restart the cool-down clock.
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
			cb.logger.Warn("circuit breaker reopened after failed probe",
				zap.String("dependency", cb.name))
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.state))
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int64 {
	return atomic.LoadInt64(&cb.failureCount)
}

// Reset forces the breaker back to closed. Operator use only.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt64(&cb.failureCount, 0)
	cb.logger.Info("circuit breaker manually reset", zap.String("dependency", cb.name))
}

// BreakerRegistry holds one breaker per dependency key.
type BreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBreakerRegistry creates an empty registry using config for new breakers.
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for a dependency, creating it on first use.
func (br *BreakerRegistry) GetOrCreate(name string) *CircuitBreaker {
	br.mu.RLock()
	if cb, ok := br.breakers[name]; ok {
		br.mu.RUnlock()
		return cb
	}
	br.mu.RUnlock()

	br.mu.Lock()
	defer br.mu.Unlock()
	if cb, ok := br.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, br.config, br.logger)
	br.breakers[name] = cb
	return cb
}

// States returns a snapshot of every breaker state, keyed by dependency.
func (br *BreakerRegistry) States() map[string]string {
	br.mu.RLock()
	defer br.mu.RUnlock()

	states := make(map[string]string, len(br.breakers))
	for name, cb := range br.breakers {
		states[name] = cb.State().String()
	}
	return states
}
