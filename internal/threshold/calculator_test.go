package threshold

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/pkg/models"
)

type stubFeed struct {
	mu      sync.Mutex
	regimes map[string]models.VolatilityRegime
}

func newStubFeed() *stubFeed {
	return &stubFeed{regimes: make(map[string]models.VolatilityRegime)}
}

func (f *stubFeed) set(instrument string, regime models.VolatilityRegime) {
	f.mu.Lock()
	f.regimes[instrument] = regime
	f.mu.Unlock()
}

func (f *stubFeed) ClassifyVolatility(_ context.Context, instrument string) (models.VolatilityClassification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	regime, ok := f.regimes[instrument]
	if !ok {
		return models.VolatilityClassification{}, fmt.Errorf("no data for %s", instrument)
	}
	return models.VolatilityClassification{Instrument: instrument, Regime: regime}, nil
}

func testCalculator(t *testing.T, feed MarketFeed) *Calculator {
	t.Helper()
	return NewCalculator(feed, DefaultConfig(), zap.NewNop())
}

func TestCalculatorStartsAtClampedBase(t *testing.T) {
	calc := testCalculator(t, newStubFeed())
	calc.Register("EURUSD", 1000, 500, 2000)

	current, ok := calc.Current("EURUSD")
	require.True(t, ok)
	assert.Equal(t, int64(1000), current)

	calc.Register("GBPUSD", 100, 500, 2000)
	current, _ = calc.Current("GBPUSD")
	assert.Equal(t, int64(500), current)
}

func TestCalculatorConvergesTowardRegimeTarget(t *testing.T) {
	feed := newStubFeed()
	feed.set("EURUSD", models.RegimeHigh)
	calc := testCalculator(t, feed)
	calc.Register("EURUSD", 1000, 100, 10000)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		calc.Recompute(ctx)
	}

	// With a 0.95 decay the multiplier closes most of the gap to 1.5
	// within about sixty ticks.
	current, ok := calc.Current("EURUSD")
	require.True(t, ok)
	assert.InDelta(t, 1500, float64(current), 75)
}

func TestCalculatorLowRegimeLowersThreshold(t *testing.T) {
	feed := newStubFeed()
	feed.set("EURUSD", models.RegimeLow)
	calc := testCalculator(t, feed)
	calc.Register("EURUSD", 1000, 100, 10000)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		calc.Recompute(ctx)
	}

	current, _ := calc.Current("EURUSD")
	assert.InDelta(t, 800, float64(current), 40)
}

func TestCalculatorClampsWithinBounds(t *testing.T) {
	feed := newStubFeed()
	feed.set("EURUSD", models.RegimeExtreme)
	calc := testCalculator(t, feed)
	calc.Register("EURUSD", 1000, 500, 1200)

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		calc.Recompute(ctx)
		current, _ := calc.Current("EURUSD")
		assert.GreaterOrEqual(t, current, int64(500))
		assert.LessOrEqual(t, current, int64(1200))
	}

	current, _ := calc.Current("EURUSD")
	assert.Equal(t, int64(1200), current)
}

func TestCalculatorSkipsInstrumentsWithoutData(t *testing.T) {
	feed := newStubFeed()
	feed.set("EURUSD", models.RegimeHigh)
	calc := testCalculator(t, feed)
	calc.Register("EURUSD", 1000, 100, 10000)
	calc.Register("USDJPY", 1000, 100, 10000)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		calc.Recompute(ctx)
	}

	moved, _ := calc.Current("EURUSD")
	assert.NotEqual(t, int64(1000), moved)

	// No market data means the previous value is retained.
	held, _ := calc.Current("USDJPY")
	assert.Equal(t, int64(1000), held)
	assert.Empty(t, calc.History("USDJPY"))
}

// hangingFeed blocks until the per-call context is cancelled.
type hangingFeed struct{}

func (hangingFeed) ClassifyVolatility(ctx context.Context, _ string) (models.VolatilityClassification, error) {
	<-ctx.Done()
	return models.VolatilityClassification{}, ctx.Err()
}

// gatedFeed parks inside the feed call until released, ignoring the context.
type gatedFeed struct {
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFeed) ClassifyVolatility(_ context.Context, instrument string) (models.VolatilityClassification, error) {
	f.entered <- struct{}{}
	<-f.release
	return models.VolatilityClassification{Instrument: instrument, Regime: models.RegimeHigh}, nil
}

func TestRecomputeTimesOutHangingFeed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeedTimeout = 10 * time.Millisecond
	calc := NewCalculator(hangingFeed{}, cfg, zap.NewNop())
	calc.Register("EURUSD", 1000, 100, 10000)

	start := time.Now()
	calc.Recompute(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	// The timed-out tick is skipped; the previous value holds.
	current, ok := calc.Current("EURUSD")
	require.True(t, ok)
	assert.Equal(t, int64(1000), current)
	assert.Empty(t, calc.History("EURUSD"))
}

func TestCurrentNotBlockedDuringFeedCall(t *testing.T) {
	feed := &gatedFeed{entered: make(chan struct{}, 1), release: make(chan struct{})}
	calc := NewCalculator(feed, DefaultConfig(), zap.NewNop())
	calc.Register("EURUSD", 1000, 100, 10000)

	done := make(chan struct{})
	go func() {
		calc.Recompute(context.Background())
		close(done)
	}()
	<-feed.entered

	// The feed call is in flight; reads must not wait for it.
	readDone := make(chan int64, 1)
	go func() {
		v, _ := calc.Current("EURUSD")
		readDone <- v
	}()
	select {
	case v := <-readDone:
		assert.Equal(t, int64(1000), v)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Current blocked while the feed call was in flight")
	}

	close(feed.release)
	<-done
	current, _ := calc.Current("EURUSD")
	assert.NotEqual(t, int64(1000), current)
}

func TestCalculatorHistoryIsBoundedAndOrdered(t *testing.T) {
	feed := newStubFeed()
	feed.set("EURUSD", models.RegimeNormal)
	calc := testCalculator(t, feed)
	calc.Register("EURUSD", 1000, 100, 10000)

	ctx := context.Background()
	for i := 0; i < 150; i++ {
		calc.Recompute(ctx)
	}

	history := calc.History("EURUSD")
	assert.Len(t, history, 100)
	for _, v := range history {
		assert.Equal(t, int64(1000), v)
	}
}
