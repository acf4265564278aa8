package txnengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/resilience"
	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

// Ledger is the balance store collaborator. Each call is assumed atomic.
type Ledger interface {
	ValidateBalance(ctx context.Context, account string, amount decimal.Decimal) error
	Debit(ctx context.Context, account string, amount decimal.Decimal) error
	Credit(ctx context.Context, account string, amount decimal.Decimal) error
}

// PayoutGateway initiates and cancels external payouts.
type PayoutGateway interface {
	Initiate(ctx context.Context, txn Context) (string, error)
	Cancel(ctx context.Context, payoutRef string) error
}

// NotificationSink receives fire-and-forget user notifications.
type NotificationSink interface {
	Notify(ctx context.Context, event string, fields map[string]string) error
}

// AuditSink records audit events. Non-critical.
type AuditSink interface {
	Record(ctx context.Context, event string, fields map[string]string) error
}

// WithdrawalRecord tracks a withdrawal intent for status queries.
type WithdrawalRecord struct {
	ID        uuid.UUID
	Account   string
	Amount    decimal.Decimal
	Status    Status
	PayoutRef string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WithdrawalService builds and executes withdrawal transactions on the engine.
type WithdrawalService struct {
	engine   *Engine
	executor *resilience.Executor
	ledger   Ledger
	payout   PayoutGateway
	notifier NotificationSink
	auditor  AuditSink
	logger   *zap.Logger

	opTimeout time.Duration

	mu      sync.RWMutex
	records map[uuid.UUID]*WithdrawalRecord
}

// NewWithdrawalService wires the withdrawal workflow.
func NewWithdrawalService(
	engine *Engine,
	executor *resilience.Executor,
	ledger Ledger,
	payout PayoutGateway,
	notifier NotificationSink,
	auditor AuditSink,
	opTimeout time.Duration,
	logger *zap.Logger,
) *WithdrawalService {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &WithdrawalService{
		engine:    engine,
		executor:  executor,
		ledger:    ledger,
		payout:    payout,
		notifier:  notifier,
		auditor:   auditor,
		logger:    logger.Named("withdrawals"),
		opTimeout: opTimeout,
		records:   make(map[uuid.UUID]*WithdrawalRecord),
	}
}

// Submit validates the request, then executes the withdrawal as an atomic
// transaction: debit, record, external payout, notify, audit. Validation
// failures reject immediately and never reach the rollback machinery.
func (s *WithdrawalService) Submit(ctx context.Context, account string, amount decimal.Decimal, metadata map[string]string) (uuid.UUID, error) {
	if account == "" {
		return uuid.Nil, pkgerrors.NewValidationError("account", "must not be empty")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return uuid.Nil, pkgerrors.NewValidationError("amount", "must be positive")
	}
	if err := s.ledger.ValidateBalance(ctx, account, amount); err != nil {
		return uuid.Nil, err
	}

	txnCtx := Context{
		ID:        uuid.New(),
		Kind:      "withdrawal",
		Amount:    amount,
		Account:   account,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	var payoutRef string

	txn := &Transaction{
		Context: txnCtx,
		Status:  StatusPending,
		Operations: []Operation{
			{
				ID:       "debit",
				Kind:     OpMutation,
				Critical: true,
				Timeout:  s.opTimeout,
				Forward: func(ctx context.Context) error {
					return s.ledger.Debit(ctx, account, amount)
				},
				Compensate: func(ctx context.Context) error {
					return s.ledger.Credit(ctx, account, amount)
				},
			},
			{
				ID:       "create-record",
				Kind:     OpMutation,
				Critical: true,
				Timeout:  s.opTimeout,
				Forward: func(ctx context.Context) error {
					s.putRecord(&WithdrawalRecord{
						ID:        txnCtx.ID,
						Account:   account,
						Amount:    amount,
						Status:    StatusExecuting,
						CreatedAt: txnCtx.CreatedAt,
						UpdatedAt: time.Now(),
					})
					return nil
				},
				Compensate: func(ctx context.Context) error {
					s.setRecordStatus(txnCtx.ID, StatusRolledBack)
					return nil
				},
			},
			{
				ID:       "payout",
				Kind:     OpExternalCall,
				Critical: true,
				Timeout:  s.opTimeout,
				Forward: func(ctx context.Context) error {
					return s.executor.Execute(ctx, "payout-gateway", func(ctx context.Context) error {
						ref, err := s.payout.Initiate(ctx, txnCtx)
						if err != nil {
							return err
						}
						payoutRef = ref
						s.setPayoutRef(txnCtx.ID, ref)
						return nil
					})
				},
				Compensate: func(ctx context.Context) error {
					if payoutRef == "" {
						return nil
					}
					return s.payout.Cancel(ctx, payoutRef)
				},
			},
			{
				ID:       "notify",
				Kind:     OpNotify,
				Critical: false,
				Timeout:  s.opTimeout,
				Forward: func(ctx context.Context) error {
					return s.notifier.Notify(ctx, "withdrawal.completed", map[string]string{
						"txn_id":  txnCtx.ID.String(),
						"account": account,
						"amount":  amount.String(),
					})
				},
			},
			{
				ID:       "audit",
				Kind:     OpNotify,
				Critical: false,
				Timeout:  s.opTimeout,
				Forward: func(ctx context.Context) error {
					return s.auditor.Record(ctx, "withdrawal", map[string]string{
						"txn_id":  txnCtx.ID.String(),
						"account": account,
						"amount":  amount.String(),
					})
				},
			},
		},
	}

	if err := s.engine.Execute(ctx, txn); err != nil {
		s.setRecordStatus(txnCtx.ID, StatusRolledBack)
		return txnCtx.ID, err
	}

	s.setRecordStatus(txnCtx.ID, StatusCompleted)
	return txnCtx.ID, nil
}

// Record returns the withdrawal record for id, if known.
func (s *WithdrawalService) Record(id uuid.UUID) (*WithdrawalRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (s *WithdrawalService) putRecord(r *WithdrawalRecord) {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
}

func (s *WithdrawalService) setRecordStatus(id uuid.UUID, status Status) {
	s.mu.Lock()
	if r, ok := s.records[id]; ok {
		r.Status = status
		r.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *WithdrawalService) setPayoutRef(id uuid.UUID, ref string) {
	s.mu.Lock()
	if r, ok := s.records[id]; ok {
		r.PayoutRef = ref
		r.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
}
