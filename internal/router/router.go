package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/resilience"
	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
	"github.com/wingzero/tradebridge/pkg/models"
)

// QuoteFeed supplies live top-of-book quotes.
type QuoteFeed interface {
	GetQuote(ctx context.Context, instrument string) (models.Quote, error)
}

// VenueGateway submits, cancels and modifies orders at a venue.
type VenueGateway interface {
	Submit(ctx context.Context, venueID string, order models.Order, quantity decimal.Decimal, price decimal.Decimal) error
	Cancel(ctx context.Context, venueID string, orderID uuid.UUID) error
	Modify(ctx context.Context, venueID string, orderID uuid.UUID, quantity decimal.Decimal, price decimal.Decimal) error
}

// Allocation is one venue's share of a routed order.
type Allocation struct {
	VenueID  string
	Fraction float64
	Quantity decimal.Decimal
	Score    float64
}

// PartialAckError reports a cancel or modify acknowledged by only some of the
// venues an order was routed to. The order state is ambiguous, not cancelled.
type PartialAckError struct {
	Op      string
	OrderID uuid.UUID
	Acked   []string
	Failed  map[string]error
}

func (e *PartialAckError) Error() string {
	return fmt.Sprintf("%s of order %s acknowledged by %d venues, failed at %d",
		e.Op, e.OrderID, len(e.Acked), len(e.Failed))
}

// Metrics holds the router's Prometheus instruments.
type Metrics struct {
	OrdersRouted  prometheus.Counter
	Executions    prometheus.Counter
	VenueFailures *prometheus.CounterVec
}

// NewMetrics registers router metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_orders_routed_total",
			Help: "Total number of routed orders",
		}),
		Executions: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_executions_total",
			Help: "Total number of venue executions",
		}),
		VenueFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_venue_failures_total",
			Help: "Total number of per-venue execution failures",
		}, []string{"venue_id"}),
	}
}

// Router scores venues, allocates orders across them and executes fills
// concurrently. All order state is router-owned.
type Router struct {
	config   Config
	venues   *VenueRegistry
	quotes   QuoteFeed
	gateway  VenueGateway
	executor *resilience.Executor
	metrics  *Metrics
	logger   *zap.Logger

	mu         sync.RWMutex
	orders     map[uuid.UUID]*models.Order
	routed     map[uuid.UUID][]string
	executions map[uuid.UUID][]models.Execution
}

// New creates a router over the venue registry and collaborators.
func New(
	config Config,
	venues *VenueRegistry,
	quotes QuoteFeed,
	gateway VenueGateway,
	executor *resilience.Executor,
	metrics *Metrics,
	logger *zap.Logger,
) *Router {
	if config.DependencyTimeout <= 0 {
		config.DependencyTimeout = 2 * time.Second
	}
	return &Router{
		config:     config,
		venues:     venues,
		quotes:     quotes,
		gateway:    gateway,
		executor:   executor,
		metrics:    metrics,
		logger:     logger.Named("router"),
		orders:     make(map[uuid.UUID]*models.Order),
		routed:     make(map[uuid.UUID][]string),
		executions: make(map[uuid.UUID][]models.Execution),
	}
}

// Submit validates the order, computes the allocation plan and executes it.
// Venue-level failures drop only that venue's fill; the order succeeds with
// whatever executions remain.
func (r *Router) Submit(ctx context.Context, order models.Order) (uuid.UUID, error) {
	if order.Instrument == "" {
		return uuid.Nil, pkgerrors.NewValidationError("instrument", "must not be empty")
	}
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return uuid.Nil, pkgerrors.NewValidationError("quantity", "must be positive")
	}
	if order.Type == models.OrderTypeLimit && order.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return uuid.Nil, pkgerrors.NewValidationError("limit_price", "must be positive for limit orders")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.SubmittedAt = time.Now()

	allocations, err := r.Plan(ctx, &order)
	if err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	r.orders[order.ID] = &order
	venueIDs := make([]string, 0, len(allocations))
	for _, a := range allocations {
		venueIDs = append(venueIDs, a.VenueID)
	}
	r.routed[order.ID] = venueIDs
	r.mu.Unlock()

	r.metrics.OrdersRouted.Inc()
	r.logger.Info("order routed",
		zap.String("order_id", order.ID.String()),
		zap.String("instrument", order.Instrument),
		zap.String("quantity", order.Quantity.String()),
		zap.Int("venues", len(allocations)))

	r.execute(ctx, &order, allocations)
	return order.ID, nil
}

// Plan computes the allocation for an order without executing it. The
// fractions sum to at most 1; below-minimum allocations are dropped without
// renormalizing the remainder.
func (r *Router) Plan(ctx context.Context, order *models.Order) ([]Allocation, error) {
	quote, err := r.fetchQuote(ctx, order.Instrument)
	if err != nil {
		return nil, err
	}

	var scored []venueScore
	for _, v := range r.venues.List() {
		if !eligible(v, order) {
			continue
		}
		scored = append(scored, venueScore{venue: v, score: r.config.score(v, order, quote)})
	}
	if len(scored) == 0 {
		return nil, pkgerrors.NewValidationError("order", "no eligible venue for instrument "+order.Instrument)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Single-venue routing when splitting is off or the order is small.
	if !r.config.ImpactMinimization || order.Quantity.LessThan(r.config.SplitThreshold) {
		top := scored[0]
		return []Allocation{{
			VenueID:  top.venue.ID,
			Fraction: 1.0,
			Quantity: order.Quantity,
			Score:    top.score,
		}}, nil
	}

	k := r.config.MaxVenuesPerOrder
	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	scored = scored[:k]

	var total float64
	for _, vs := range scored {
		total += vs.score
	}
	if total <= 0 {
		return nil, pkgerrors.NewValidationError("order", "eligible venues all scored zero")
	}

	var allocations []Allocation
	for _, vs := range scored {
		fraction := vs.score / total
		// Drop below-minimum slices without renormalizing the rest.
		if fraction < r.config.MinAllocationFraction {
			continue
		}
		qty := order.Quantity.Mul(decimal.NewFromFloat(fraction))
		if qty.LessThan(vs.venue.Bounds.Min) {
			continue
		}
		if qty.GreaterThan(vs.venue.Bounds.Max) {
			qty = vs.venue.Bounds.Max
		}
		allocations = append(allocations, Allocation{
			VenueID:  vs.venue.ID,
			Fraction: fraction,
			Quantity: qty,
			Score:    vs.score,
		})
	}
	if len(allocations) == 0 {
		return nil, pkgerrors.NewValidationError("order", "no allocation above minimum fraction")
	}
	return allocations, nil
}

// execute fans out per-venue fills concurrently. Each fill goes through the
// retry executor keyed by venue.
func (r *Router) execute(ctx context.Context, order *models.Order, allocations []Allocation) {
	var wg sync.WaitGroup
	for _, alloc := range allocations {
		wg.Add(1)
		go func(alloc Allocation) {
			defer wg.Done()
			exec, err := r.executeAt(ctx, order, alloc)
			if err != nil {
				r.metrics.VenueFailures.WithLabelValues(alloc.VenueID).Inc()
				r.logger.Warn("venue execution failed",
					zap.String("order_id", order.ID.String()),
					zap.String("venue_id", alloc.VenueID),
					zap.Error(err))
				return
			}
			r.mu.Lock()
			r.executions[order.ID] = append(r.executions[order.ID], exec)
			r.mu.Unlock()
			r.metrics.Executions.Inc()
		}(alloc)
	}
	wg.Wait()
}

// executeAt computes a fill price from the live quote and submits the slice
// to the venue. Market orders pay slippage proportional to participation;
// limit orders fail when the quote does not honor the limit.
func (r *Router) executeAt(ctx context.Context, order *models.Order, alloc Allocation) (models.Execution, error) {
	venue, ok := r.venues.Get(alloc.VenueID)
	if !ok {
		return models.Execution{}, fmt.Errorf("venue %s disappeared from registry", alloc.VenueID)
	}

	start := time.Now()
	var exec models.Execution
	err := r.executor.Execute(ctx, "venue:"+alloc.VenueID, func(ctx context.Context) error {
		quote, err := r.fetchQuote(ctx, order.Instrument)
		if err != nil {
			return err
		}

		price, slippage, err := r.fillPrice(order, alloc.Quantity, quote)
		if err != nil {
			return err
		}

		if err := r.callWithTimeout(ctx, "venue:"+alloc.VenueID, func(ctx context.Context) error {
			return r.gateway.Submit(ctx, alloc.VenueID, *order, alloc.Quantity, price)
		}); err != nil {
			return err
		}

		exec = models.Execution{
			OrderID:     order.ID,
			ExecutionID: uuid.New(),
			Instrument:  order.Instrument,
			Side:        order.Side,
			FilledQty:   alloc.Quantity,
			Price:       price,
			Timestamp:   time.Now(),
			Latency:     time.Since(start),
			VenueID:     alloc.VenueID,
			Commission:  commission(venue.Fees, price, alloc.Quantity),
			Slippage:    slippage,
		}
		return nil
	})
	if err != nil {
		return models.Execution{}, err
	}
	return exec, nil
}

// callWithTimeout races a dependency call against the configured timeout. A
// timeout surfaces as a TimeoutError, which the retry layer treats as a
// failure of the call.
func (r *Router) callWithTimeout(ctx context.Context, name string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.config.DependencyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerrors.NewTimeoutError(name, r.config.DependencyTimeout)
	}
}

// fetchQuote retrieves the top of book under the dependency timeout.
func (r *Router) fetchQuote(ctx context.Context, instrument string) (models.Quote, error) {
	var quote models.Quote
	err := r.callWithTimeout(ctx, "quote-feed", func(ctx context.Context) error {
		q, err := r.quotes.GetQuote(ctx, instrument)
		if err != nil {
			return pkgerrors.NewTransientError("quote-feed", err)
		}
		quote = q
		return nil
	})
	return quote, err
}

// fillPrice derives the executed price from the quote. Returns the price and
// the absolute slippage against the touch.
func (r *Router) fillPrice(order *models.Order, qty decimal.Decimal, quote models.Quote) (decimal.Decimal, decimal.Decimal, error) {
	var touch decimal.Decimal
	if order.Side == models.SideBuy {
		touch = quote.Ask
	} else {
		touch = quote.Bid
	}
	if touch.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, pkgerrors.NewTransientError("quote-feed", fmt.Errorf("empty quote for %s", order.Instrument))
	}

	switch order.Type {
	case models.OrderTypeLimit:
		// Price-improvement constraint: the quoted touch must honor the limit.
		if order.Side == models.SideBuy && touch.GreaterThan(order.LimitPrice) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("ask %s exceeds limit %s", touch, order.LimitPrice)
		}
		if order.Side == models.SideSell && touch.LessThan(order.LimitPrice) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("bid %s below limit %s", touch, order.LimitPrice)
		}
		return touch, decimal.Zero, nil

	default:
		visible := visibleSize(order.Side, quote)
		if !visible.IsPositive() {
			return touch, decimal.Zero, nil
		}
		participation := qty.Div(visible)
		impact := touch.Mul(participation).Mul(decimal.NewFromFloat(r.config.SlippageFactor))
		if order.Side == models.SideBuy {
			return touch.Add(impact), impact, nil
		}
		return touch.Sub(impact), impact, nil
	}
}

// commission applies the venue taker fee with its minimum floor.
func commission(fees models.FeeSchedule, price, qty decimal.Decimal) decimal.Decimal {
	fee := price.Mul(qty).Mul(fees.TakerBps).Div(decimal.NewFromInt(10000))
	if fee.LessThan(fees.MinimumFee) {
		return fees.MinimumFee
	}
	return fee
}

// Cancel propagates a cancel to every venue the order was routed to. Partial
// acknowledgment surfaces as a PartialAckError, never as success.
func (r *Router) Cancel(ctx context.Context, orderID uuid.UUID) error {
	return r.propagate(ctx, "cancel", orderID, func(ctx context.Context, venueID string) error {
		return r.gateway.Cancel(ctx, venueID, orderID)
	})
}

// Modify propagates a quantity/price modification to every routed venue. The
// stored order is updated only once every venue has acknowledged.
func (r *Router) Modify(ctx context.Context, orderID uuid.UUID, quantity, price decimal.Decimal) error {
	err := r.propagate(ctx, "modify", orderID, func(ctx context.Context, venueID string) error {
		return r.gateway.Modify(ctx, venueID, orderID, quantity, price)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if o, ok := r.orders[orderID]; ok {
		o.Quantity = quantity
		if o.Type == models.OrderTypeLimit && price.IsPositive() {
			o.LimitPrice = price
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) propagate(ctx context.Context, op string, orderID uuid.UUID, fn func(context.Context, string) error) error {
	r.mu.RLock()
	venueIDs, ok := r.routed[orderID]
	r.mu.RUnlock()
	if !ok {
		return pkgerrors.NewValidationError("order_id", "unknown order "+orderID.String())
	}

	var acked []string
	failed := make(map[string]error)
	for _, venueID := range venueIDs {
		venueID := venueID
		err := r.callWithTimeout(ctx, op+":"+venueID, func(ctx context.Context) error {
			return fn(ctx, venueID)
		})
		if err != nil {
			failed[venueID] = err
			continue
		}
		acked = append(acked, venueID)
	}

	if len(failed) == 0 {
		r.logger.Info("order "+op+" acknowledged by all venues",
			zap.String("order_id", orderID.String()),
			zap.Int("venues", len(acked)))
		return nil
	}
	// Nothing acknowledged is a plain failure; ambiguity needs at least one ack.
	if len(acked) == 0 {
		r.logger.Error("order "+op+" rejected by all venues",
			zap.String("order_id", orderID.String()),
			zap.Int("venues", len(failed)))
		return fmt.Errorf("%s of order %s rejected by all %d venues", op, orderID, len(failed))
	}
	err := &PartialAckError{Op: op, OrderID: orderID, Acked: acked, Failed: failed}
	r.logger.Error("order "+op+" partially acknowledged",
		zap.String("order_id", orderID.String()),
		zap.Strings("acked", acked),
		zap.Int("failed", len(failed)))
	return err
}

// Executions returns the append-only fills recorded for an order.
func (r *Router) Executions(orderID uuid.UUID) []models.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execs := r.executions[orderID]
	out := make([]models.Execution, len(execs))
	copy(out, execs)
	return out
}

// Order returns the routed order, if known.
func (r *Router) Order(orderID uuid.UUID) (models.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}
