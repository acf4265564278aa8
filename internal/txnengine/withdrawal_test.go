package txnengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/resilience"
	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	debits   int
	credits  int
}

func newFakeLedger(account string, balance int64) *fakeLedger {
	return &fakeLedger{balances: map[string]decimal.Decimal{account: decimal.NewFromInt(balance)}}
}

func (l *fakeLedger) ValidateBalance(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account].LessThan(amount) {
		return pkgerrors.NewValidationError("amount", "insufficient balance")
	}
	return nil
}

func (l *fakeLedger) Debit(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account].LessThan(amount) {
		return pkgerrors.NewValidationError("amount", "insufficient balance")
	}
	l.balances[account] = l.balances[account].Sub(amount)
	l.debits++
	return nil
}

func (l *fakeLedger) Credit(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	l.credits++
	return nil
}

func (l *fakeLedger) balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

type fakePayout struct {
	mu        sync.Mutex
	failures  int
	initiated int
	cancelled []string
}

func (p *fakePayout) Initiate(_ context.Context, txn Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated++
	if p.failures > 0 {
		p.failures--
		return "", pkgerrors.NewTransientError("payout-gateway", errors.New("gateway unavailable"))
	}
	return "payout-" + txn.ID.String(), nil
}

func (p *fakePayout) Cancel(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, ref)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Notify(_ context.Context, event string, _ map[string]string) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Record(_ context.Context, event string, _ map[string]string) error {
	return s.Notify(context.Background(), event, nil)
}

func testWithdrawals(t *testing.T, ledger Ledger, payout PayoutGateway) *WithdrawalService {
	t.Helper()
	logger := zap.NewNop()
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), logger)
	executor := resilience.NewExecutor(breakers, resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1,
	}, logger)
	engine := NewEngine(NewMetrics(prometheus.NewRegistry()), logger)
	sink := &fakeSink{}
	return NewWithdrawalService(engine, executor, ledger, payout, sink, sink, time.Second, logger)
}

func TestWithdrawalRejectsInvalidRequests(t *testing.T) {
	ledger := newFakeLedger("acct-1", 100)
	svc := testWithdrawals(t, ledger, &fakePayout{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, "", decimal.NewFromInt(10), nil)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = svc.Submit(ctx, "acct-1", decimal.NewFromInt(-5), nil)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = svc.Submit(ctx, "acct-1", decimal.NewFromInt(500), nil)
	assert.True(t, pkgerrors.IsValidation(err))

	// Validation failures never touch the ledger.
	assert.Zero(t, ledger.debits)
	assert.Zero(t, ledger.credits)
}

func TestWithdrawalSucceedsAfterTransientPayoutFailure(t *testing.T) {
	ledger := newFakeLedger("acct-1", 1000)
	payout := &fakePayout{failures: 1}
	svc := testWithdrawals(t, ledger, payout)

	id, err := svc.Submit(context.Background(), "acct-1", decimal.NewFromInt(250), nil)
	require.NoError(t, err)

	record, ok := svc.Record(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.NotEmpty(t, record.PayoutRef)

	// Retried once, debit applied exactly once, nothing compensated.
	assert.Equal(t, 2, payout.initiated)
	assert.True(t, ledger.balance("acct-1").Equal(decimal.NewFromInt(750)))
	assert.Equal(t, 1, ledger.debits)
	assert.Zero(t, ledger.credits)
}

func TestWithdrawalRollsBackWhenPayoutExhaustsRetries(t *testing.T) {
	ledger := newFakeLedger("acct-1", 1000)
	payout := &fakePayout{failures: 100}
	svc := testWithdrawals(t, ledger, payout)

	id, err := svc.Submit(context.Background(), "acct-1", decimal.NewFromInt(250), nil)
	var rb *RolledBackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "payout", rb.FailedOperation)

	record, ok := svc.Record(id)
	require.True(t, ok)
	assert.Equal(t, StatusRolledBack, record.Status)

	// Debit compensated exactly once; balance restored.
	assert.True(t, ledger.balance("acct-1").Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, ledger.credits)
	// No payout reference was ever obtained, so nothing to cancel.
	assert.Empty(t, payout.cancelled)

	// The account lock is released: a following withdrawal proceeds.
	payout.mu.Lock()
	payout.failures = 0
	payout.mu.Unlock()
	_, err = svc.Submit(context.Background(), "acct-1", decimal.NewFromInt(100), nil)
	require.NoError(t, err)
	assert.True(t, ledger.balance("acct-1").Equal(decimal.NewFromInt(900)))
}
