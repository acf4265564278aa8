package txnengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
)

// durationAlpha is the smoothing factor of the average-duration EWMA.
const durationAlpha = 0.1

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	Processed  prometheus.Counter
	Failed     prometheus.Counter
	RolledBack prometheus.Counter
	Duration   prometheus.Histogram
}

// NewMetrics registers engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounter(prometheus.CounterOpts{
			Name: "txnengine_transactions_processed_total",
			Help: "Total number of completed transactions",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "txnengine_transactions_failed_total",
			Help: "Total number of failed transactions",
		}),
		RolledBack: factory.NewCounter(prometheus.CounterOpts{
			Name: "txnengine_transactions_rolledback_total",
			Help: "Total number of rolled back transactions",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "txnengine_transaction_duration_seconds",
			Help:    "Duration of transaction execution",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

// Engine drives atomic transactions. All state is engine-owned so multiple
// independent instances can coexist.
type Engine struct {
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	active map[uuid.UUID]*Transaction

	// accountLocks serializes transactions touching the same account.
	accountLocks sync.Map // account -> *sync.Mutex

	avgMu       sync.Mutex
	avgDuration time.Duration
}

// NewEngine creates a transaction engine. metrics may be shared across
// engines; pass NewMetrics(prometheus.DefaultRegisterer) in production.
func NewEngine(metrics *Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		logger:  logger.Named("txnengine"),
		metrics: metrics,
		active:  make(map[uuid.UUID]*Transaction),
	}
}

// Execute runs the transaction's operations strictly in order. A critical
// failure stops forward progress and compensates succeeded operations in
// reverse; non-critical failures are logged and skipped. The account lock is
// held for the whole run and released on every exit path.
func (e *Engine) Execute(ctx context.Context, txn *Transaction) error {
	lock := e.lockFor(txn.Context.Account)
	lock.Lock()
	defer lock.Unlock()

	txn.Status = StatusExecuting
	txn.StartedAt = time.Now()

	e.mu.Lock()
	e.active[txn.Context.ID] = txn
	e.mu.Unlock()
	defer e.remove(txn.Context.ID)

	e.logger.Info("executing transaction",
		zap.String("txn_id", txn.Context.ID.String()),
		zap.String("kind", txn.Context.Kind),
		zap.String("account", txn.Context.Account),
		zap.Int("operations", len(txn.Operations)))

	var succeeded []Operation
	for _, op := range txn.Operations {
		err := e.runOperation(ctx, op)
		if err == nil {
			succeeded = append(succeeded, op)
			continue
		}

		if !op.Critical {
			e.logger.Warn("non-critical operation failed, continuing",
				zap.String("txn_id", txn.Context.ID.String()),
				zap.String("operation", op.ID),
				zap.Error(err))
			continue
		}

		e.logger.Error("critical operation failed, rolling back",
			zap.String("txn_id", txn.Context.ID.String()),
			zap.String("operation", op.ID),
			zap.Error(err))

		compFailures := e.rollback(ctx, txn, succeeded)
		txn.Status = StatusRolledBack
		txn.CompletedAt = time.Now()
		e.metrics.Failed.Inc()
		e.metrics.RolledBack.Inc()
		e.observeDuration(txn)

		return &RolledBackError{
			TransactionID:        txn.Context.ID,
			FailedOperation:      op.ID,
			Cause:                err,
			CompensationFailures: compFailures,
		}
	}

	txn.Status = StatusCompleted
	txn.CompletedAt = time.Now()
	e.metrics.Processed.Inc()
	e.observeDuration(txn)

	e.logger.Info("transaction completed",
		zap.String("txn_id", txn.Context.ID.String()),
		zap.Duration("duration", txn.CompletedAt.Sub(txn.StartedAt)))
	return nil
}

// runOperation races the forward action against its own timeout. A timeout
// counts as a failure of the operation.
func (e *Engine) runOperation(ctx context.Context, op Operation) error {
	opCtx := ctx
	var cancel context.CancelFunc
	if op.Timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- op.Forward(opCtx) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerrors.NewTimeoutError(op.ID, op.Timeout)
	}
}

// rollback invokes compensations for succeeded operations in reverse order.
// A compensation failure is logged and collected, never escalated; the sweep
// always visits every remaining operation.
func (e *Engine) rollback(ctx context.Context, txn *Transaction, succeeded []Operation) []error {
	var failures []error
	for i := len(succeeded) - 1; i >= 0; i-- {
		op := succeeded[i]
		if op.Compensate == nil {
			continue
		}
		if err := op.Compensate(ctx); err != nil {
			comp := &pkgerrors.CompensationFailure{OperationID: op.ID, Cause: err}
			e.logger.Error("compensation failed",
				zap.String("txn_id", txn.Context.ID.String()),
				zap.String("operation", op.ID),
				zap.Error(err))
			failures = append(failures, comp)
			continue
		}
		e.logger.Info("compensated operation",
			zap.String("txn_id", txn.Context.ID.String()),
			zap.String("operation", op.ID))
	}
	return failures
}

func (e *Engine) lockFor(account string) *sync.Mutex {
	v, _ := e.accountLocks.LoadOrStore(account, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) remove(id uuid.UUID) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// Active returns a snapshot of in-flight transaction ids.
func (e *Engine) Active() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// AverageDuration returns the exponentially smoothed transaction duration.
func (e *Engine) AverageDuration() time.Duration {
	e.avgMu.Lock()
	defer e.avgMu.Unlock()
	return e.avgDuration
}

func (e *Engine) observeDuration(txn *Transaction) {
	d := txn.CompletedAt.Sub(txn.StartedAt)
	e.metrics.Duration.Observe(d.Seconds())

	e.avgMu.Lock()
	if e.avgDuration == 0 {
		e.avgDuration = d
	} else {
		e.avgDuration = time.Duration(float64(e.avgDuration)*(1-durationAlpha) + float64(d)*durationAlpha)
	}
	e.avgMu.Unlock()
}
