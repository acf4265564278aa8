// Package collab provides in-memory reference implementations of the
// engine's external collaborators: ledger, payout gateway, market and quote
// feeds, venue gateway and latency prober. The binary runs against these
// until real adapters are configured; tests reuse them as doubles.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/health"
	"github.com/wingzero/tradebridge/internal/txnengine"
	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
	"github.com/wingzero/tradebridge/pkg/models"
)

// MemoryLedger is a thread-safe in-memory balance store.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemoryLedger creates a ledger seeded with balances.
func NewMemoryLedger(seed map[string]decimal.Decimal) *MemoryLedger {
	balances := make(map[string]decimal.Decimal, len(seed))
	for account, amount := range seed {
		balances[account] = amount
	}
	return &MemoryLedger{balances: balances}
}

// ValidateBalance rejects with a ValidationError when funds are insufficient.
func (l *MemoryLedger) ValidateBalance(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account].LessThan(amount) {
		return pkgerrors.NewValidationError("amount", "insufficient balance for account "+account)
	}
	return nil
}

// Debit removes funds. Fails when the balance would go negative.
func (l *MemoryLedger) Debit(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account].LessThan(amount) {
		return pkgerrors.NewValidationError("amount", "insufficient balance for account "+account)
	}
	l.balances[account] = l.balances[account].Sub(amount)
	return nil
}

// Credit adds funds.
func (l *MemoryLedger) Credit(_ context.Context, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}

// Balance returns the current balance of an account.
func (l *MemoryLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// LoggingPayoutGateway acknowledges payouts immediately and logs them.
type LoggingPayoutGateway struct {
	Logger *zap.Logger
}

func (g *LoggingPayoutGateway) Initiate(_ context.Context, txn txnengine.Context) (string, error) {
	ref := "payout-" + uuid.NewString()
	g.Logger.Info("payout initiated",
		zap.String("ref", ref),
		zap.String("account", txn.Account),
		zap.String("amount", txn.Amount.String()))
	return ref, nil
}

func (g *LoggingPayoutGateway) Cancel(_ context.Context, payoutRef string) error {
	g.Logger.Info("payout cancelled", zap.String("ref", payoutRef))
	return nil
}

// LoggingSink satisfies both notification and audit sinks.
type LoggingSink struct {
	Logger *zap.Logger
}

func (s *LoggingSink) Notify(_ context.Context, event string, fields map[string]string) error {
	s.Logger.Info("notify", zap.String("event", event), zap.Any("fields", fields))
	return nil
}

func (s *LoggingSink) Record(_ context.Context, event string, fields map[string]string) error {
	s.Logger.Info("audit", zap.String("event", event), zap.Any("fields", fields))
	return nil
}

// StaticMarketFeed serves fixed volatility classifications per instrument.
type StaticMarketFeed struct {
	mu      sync.RWMutex
	regimes map[string]models.VolatilityClassification
}

// NewStaticMarketFeed creates an empty feed; Set installs classifications.
func NewStaticMarketFeed() *StaticMarketFeed {
	return &StaticMarketFeed{regimes: make(map[string]models.VolatilityClassification)}
}

// Set installs the classification returned for an instrument.
func (f *StaticMarketFeed) Set(instrument string, c models.VolatilityClassification) {
	f.mu.Lock()
	f.regimes[instrument] = c
	f.mu.Unlock()
}

func (f *StaticMarketFeed) ClassifyVolatility(_ context.Context, instrument string) (models.VolatilityClassification, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.regimes[instrument]
	if !ok {
		return models.VolatilityClassification{}, fmt.Errorf("no volatility data for %s", instrument)
	}
	return c, nil
}

// StaticQuoteFeed serves fixed quotes per instrument.
type StaticQuoteFeed struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
}

// NewStaticQuoteFeed creates an empty quote feed.
func NewStaticQuoteFeed() *StaticQuoteFeed {
	return &StaticQuoteFeed{quotes: make(map[string]models.Quote)}
}

// Set installs the quote returned for an instrument.
func (f *StaticQuoteFeed) Set(instrument string, q models.Quote) {
	f.mu.Lock()
	f.quotes[instrument] = q
	f.mu.Unlock()
}

func (f *StaticQuoteFeed) GetQuote(_ context.Context, instrument string) (models.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[instrument]
	if !ok {
		return models.Quote{}, fmt.Errorf("no quote for %s", instrument)
	}
	return q, nil
}

// AckVenueGateway acknowledges every venue call and logs it.
type AckVenueGateway struct {
	Logger *zap.Logger
}

func (g *AckVenueGateway) Submit(_ context.Context, venueID string, order models.Order, quantity, price decimal.Decimal) error {
	g.Logger.Info("venue submit",
		zap.String("venue_id", venueID),
		zap.String("order_id", order.ID.String()),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()))
	return nil
}

func (g *AckVenueGateway) Cancel(_ context.Context, venueID string, orderID uuid.UUID) error {
	g.Logger.Info("venue cancel",
		zap.String("venue_id", venueID),
		zap.String("order_id", orderID.String()))
	return nil
}

func (g *AckVenueGateway) Modify(_ context.Context, venueID string, orderID uuid.UUID, quantity, price decimal.Decimal) error {
	g.Logger.Info("venue modify",
		zap.String("venue_id", venueID),
		zap.String("order_id", orderID.String()),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()))
	return nil
}

// FixedProber reports a constant latency sample per venue.
type FixedProber struct {
	mu      sync.RWMutex
	samples map[string]health.ProbeSample
}

// NewFixedProber creates an empty prober; Set installs samples.
func NewFixedProber() *FixedProber {
	return &FixedProber{samples: make(map[string]health.ProbeSample)}
}

// Set installs the sample reported for a venue.
func (p *FixedProber) Set(venueID string, sample health.ProbeSample) {
	p.mu.Lock()
	p.samples[venueID] = sample
	p.mu.Unlock()
}

func (p *FixedProber) Probe(_ context.Context, venueID string) (health.ProbeSample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sample, ok := p.samples[venueID]
	if !ok {
		return health.ProbeSample{Submission: time.Millisecond, Execution: time.Millisecond, Network: time.Millisecond}, nil
	}
	return sample, nil
}
