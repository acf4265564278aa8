// Package errors defines the error taxonomy shared by the execution engine:
// validation failures, transient dependency faults, circuit breaker rejections
// and compensation failures.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError indicates a request that can never succeed and must be
// rejected before any state is mutated. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientError wraps a dependency fault that is expected to clear on retry.
type TransientError struct {
	Dependency string
	Cause      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure on %s: %v", e.Dependency, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NewTransientError wraps err as a retryable dependency fault.
func NewTransientError(dependency string, err error) *TransientError {
	return &TransientError{Dependency: dependency, Cause: err}
}

// TimeoutError indicates an operation exceeded its deadline. Timeouts are
// treated as transient and retried by the resilience layer.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Timeout)
}

// NewTimeoutError creates a timeout error for a named operation.
func NewTimeoutError(operation string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Timeout: timeout}
}

// CircuitOpenError is returned when a circuit breaker rejects a call without
// invoking the protected operation. Callers must not retry it.
type CircuitOpenError struct {
	Dependency string
	State      string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Dependency, e.State)
}

// CompensationFailure records a failed compensating action during rollback.
// It is logged and aggregated, never escalated to the caller.
type CompensationFailure struct {
	OperationID string
	Cause       error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation for operation %s failed: %v", e.OperationID, e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Cause }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsRetryable reports whether the resilience layer may retry err. Breaker
// rejections and validation failures are terminal; transient faults and
// timeouts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) || IsValidation(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var to *TimeoutError
	return errors.As(err, &to)
}
