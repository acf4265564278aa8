// Package threshold adapts per-instrument activity thresholds to the current
// volatility regime reported by the market feed.
package threshold

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/pkg/models"
)

// historySize is the ring buffer depth kept per instrument for diagnostics.
const historySize = 100

// MarketFeed classifies volatility for an instrument. Returning an error for
// an instrument skips that instrument on the current tick.
type MarketFeed interface {
	ClassifyVolatility(ctx context.Context, instrument string) (models.VolatilityClassification, error)
}

// Config tunes the calculator.
type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	FeedTimeout   time.Duration `mapstructure:"feed_timeout"`
	Decay         float64       `mapstructure:"decay"`
	MaxMultiplier float64       `mapstructure:"max_multiplier"`
}

// DefaultConfig returns the standard calculator tuning.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		FeedTimeout:   2 * time.Second,
		Decay:         0.95,
		MaxMultiplier: 3.0,
	}
}

// Instrument holds the adaptive threshold state for one instrument.
type Instrument struct {
	Name       string
	Base       int64
	Min        int64
	Max        int64
	Current    int64
	Multiplier float64
	UpdatedAt  time.Time

	history []int64
	histPos int
}

// Calculator recomputes instrument thresholds on a fixed interval.
type Calculator struct {
	feed   MarketFeed
	config Config
	logger *zap.Logger

	mu          sync.RWMutex
	instruments map[string]*Instrument
}

// NewCalculator creates a calculator over feed.
func NewCalculator(feed MarketFeed, config Config, logger *zap.Logger) *Calculator {
	if config.Decay <= 0 || config.Decay >= 1 {
		config.Decay = 0.95
	}
	if config.FeedTimeout <= 0 {
		config.FeedTimeout = 2 * time.Second
	}
	return &Calculator{
		feed:        feed,
		config:      config,
		logger:      logger.Named("threshold"),
		instruments: make(map[string]*Instrument),
	}
}

// Register adds an instrument with its base threshold and clamp bounds. The
// starting threshold is the base with a neutral multiplier.
func (c *Calculator) Register(name string, base, min, max int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments[name] = &Instrument{
		Name:       name,
		Base:       base,
		Min:        min,
		Max:        max,
		Current:    clamp(base, min, max),
		Multiplier: 1.0,
		UpdatedAt:  time.Now(),
		history:    make([]int64, 0, historySize),
	}
}

// Start drives periodic recomputation until ctx is cancelled.
func (c *Calculator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Recompute(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Recompute runs one update tick for every registered instrument. Feed calls
// run outside the lock and under their own timeout, so a hung feed can never
// block Current or History. Missing market data for an instrument skips it.
func (c *Calculator) Recompute(ctx context.Context) {
	c.mu.RLock()
	names := make([]string, 0, len(c.instruments))
	for name := range c.instruments {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		classification, err := c.classify(ctx, name)
		if err != nil {
			c.logger.Debug("no volatility data, skipping tick",
				zap.String("instrument", name), zap.Error(err))
			continue
		}
		c.apply(name, classification)
	}
}

// classify races one feed call against the feed timeout.
func (c *Calculator) classify(ctx context.Context, name string) (models.VolatilityClassification, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.FeedTimeout)
	defer cancel()

	type result struct {
		classification models.VolatilityClassification
		err            error
	}
	done := make(chan result, 1)
	go func() {
		classification, err := c.feed.ClassifyVolatility(callCtx, name)
		done <- result{classification, err}
	}()

	select {
	case res := <-done:
		return res.classification, res.err
	case <-callCtx.Done():
		return models.VolatilityClassification{}, callCtx.Err()
	}
}

func (c *Calculator) apply(name string, classification models.VolatilityClassification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instruments[name]
	if !ok {
		return
	}

	target := c.targetMultiplier(classification.Regime)
	inst.Multiplier = inst.Multiplier*c.config.Decay + target*(1-c.config.Decay)
	inst.Current = clamp(int64(math.Round(float64(inst.Base)*inst.Multiplier)), inst.Min, inst.Max)
	inst.UpdatedAt = time.Now()
	inst.push(inst.Current)

	c.logger.Debug("threshold updated",
		zap.String("instrument", name),
		zap.String("regime", string(classification.Regime)),
		zap.Float64("multiplier", inst.Multiplier),
		zap.Int64("current", inst.Current))
}

// Current returns the live threshold for an instrument.
func (c *Calculator) Current(instrument string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[instrument]
	if !ok {
		return 0, false
	}
	return inst.Current, true
}

// History returns the retained threshold values, oldest first.
func (c *Calculator) History(instrument string) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[instrument]
	if !ok {
		return nil
	}
	out := make([]int64, len(inst.history))
	if len(inst.history) < historySize {
		copy(out, inst.history)
		return out
	}
	// Ring is full; histPos is the oldest entry.
	n := copy(out, inst.history[inst.histPos:])
	copy(out[n:], inst.history[:inst.histPos])
	return out
}

func (c *Calculator) targetMultiplier(regime models.VolatilityRegime) float64 {
	switch regime {
	case models.RegimeLow:
		return 0.8
	case models.RegimeHigh:
		return 1.5
	case models.RegimeExtreme:
		return math.Min(c.config.MaxMultiplier, 2.5)
	default:
		return 1.0
	}
}

func (inst *Instrument) push(v int64) {
	if len(inst.history) < historySize {
		inst.history = append(inst.history, v)
		return
	}
	inst.history[inst.histPos] = v
	inst.histPos = (inst.histPos + 1) % historySize
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
