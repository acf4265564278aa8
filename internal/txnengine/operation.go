// Package txnengine executes ordered multi-step financial transactions with
// compensating rollback. Forward execution is strictly ordered; on a critical
// failure previously succeeded steps are compensated in reverse, best-effort.
package txnengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationKind classifies a transaction step.
type OperationKind string

const (
	OpExternalCall OperationKind = "external-call"
	OpMutation     OperationKind = "mutation"
	OpNotify       OperationKind = "notify"
)

// Operation is one step of an atomic transaction. Immutable once constructed.
// Compensate may be nil when the forward action has nothing to undo.
type Operation struct {
	ID         string
	Kind       OperationKind
	Critical   bool
	Timeout    time.Duration
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Status of an in-flight transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolledback"
)

// Context carries the intent metadata a transaction was created for.
type Context struct {
	ID         uuid.UUID
	Kind       string
	Amount     decimal.Decimal
	Account    string
	Metadata   map[string]string
	CreatedAt  time.Time
	RetryCount int
}

// Transaction is one in-flight intent with its ordered operations. It is
// removed from the engine's active table on reaching a terminal state.
type Transaction struct {
	Context     Context
	Operations  []Operation
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
}

// RolledBackError is the aggregate error surfaced after a rollback. It
// carries the root cause and any compensation failures that were swallowed.
type RolledBackError struct {
	TransactionID        uuid.UUID
	FailedOperation      string
	Cause                error
	CompensationFailures []error
}

func (e *RolledBackError) Error() string {
	return fmt.Sprintf("transaction %s rolled back at operation %s: %v",
		e.TransactionID, e.FailedOperation, e.Cause)
}

func (e *RolledBackError) Unwrap() error { return e.Cause }
