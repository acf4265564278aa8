package router

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wingzero/tradebridge/pkg/models"
)

// Weights balances the scoring sub-components. They need not sum to 1; the
// final score is clamped to [0,1].
type Weights struct {
	Preference float64 `mapstructure:"preference"`
	Latency    float64 `mapstructure:"latency"`
	Cost       float64 `mapstructure:"cost"`
	DarkPool   float64 `mapstructure:"dark_pool"`
	Impact     float64 `mapstructure:"impact"`
}

// Config tunes routing behavior.
type Config struct {
	Weights               Weights         `mapstructure:"weights"`
	DependencyTimeout     time.Duration   `mapstructure:"dependency_timeout"`
	ReferenceLatency      time.Duration   `mapstructure:"reference_latency"`
	CostOptimization      bool            `mapstructure:"cost_optimization"`
	ImpactMinimization    bool            `mapstructure:"impact_minimization"`
	SplitThreshold        decimal.Decimal `mapstructure:"split_threshold"`
	MaxVenuesPerOrder     int             `mapstructure:"max_venues_per_order"`
	MinAllocationFraction float64         `mapstructure:"min_allocation_fraction"`
	DarkPoolSizeThreshold decimal.Decimal `mapstructure:"dark_pool_size_threshold"`
	SlippageFactor        float64         `mapstructure:"slippage_factor"`
}

// DefaultConfig returns the standard routing configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Preference: 0.25,
			Latency:    0.25,
			Cost:       0.20,
			DarkPool:   0.10,
			Impact:     0.20,
		},
		DependencyTimeout:     2 * time.Second,
		ReferenceLatency:      50 * time.Millisecond,
		CostOptimization:      true,
		ImpactMinimization:    true,
		SplitThreshold:        decimal.NewFromInt(100000),
		MaxVenuesPerOrder:     3,
		MinAllocationFraction: 0.05,
		DarkPoolSizeThreshold: decimal.NewFromInt(500000),
		SlippageFactor:        0.001,
	}
}

// venueScore pairs a venue with its composite routing score.
type venueScore struct {
	venue models.Venue
	score float64
}

// eligible reports whether a venue may receive any part of the order.
func eligible(v models.Venue, order *models.Order) bool {
	if !v.Active || v.Connection != models.ConnectionUp {
		return false
	}
	if !v.SupportsInstrument(order.Instrument) {
		return false
	}
	return order.Quantity.GreaterThanOrEqual(v.Bounds.Min) &&
		order.Quantity.LessThanOrEqual(v.Bounds.Max)
}

// score computes the weighted venue score. Every sub-score is clamped to
// [0,1] before weighting and the result is clamped again.
func (cfg Config) score(v models.Venue, order *models.Order, quote models.Quote) float64 {
	pref := clamp01(v.Preference)

	lat := v.LatencyEstimate
	if lat <= 0 {
		lat = time.Millisecond
	}
	latency := clamp01(float64(cfg.ReferenceLatency) / float64(lat))

	cost := 0.0
	if cfg.CostOptimization {
		bps, _ := v.Fees.TakerBps.Float64()
		cost = clamp01(1.0 / (1.0 + bps/10.0))
	}

	darkPool := 0.0
	if v.Class == models.VenueDarkPool && order.Quantity.GreaterThanOrEqual(cfg.DarkPoolSizeThreshold) {
		darkPool = 1.0
	}

	impact := 0.0
	if visible := visibleSize(order.Side, quote); visible.IsPositive() {
		participation, _ := order.Quantity.Div(visible).Float64()
		impact = clamp01(1.0 - participation)
	}

	total := cfg.Weights.Preference*pref +
		cfg.Weights.Latency*latency +
		cfg.Weights.Cost*cost +
		cfg.Weights.DarkPool*darkPool +
		cfg.Weights.Impact*impact
	return clamp01(total)
}

// visibleSize is the quoted size on the side the order would take.
func visibleSize(side models.OrderSide, quote models.Quote) decimal.Decimal {
	if side == models.SideBuy {
		return quote.AskSize
	}
	return quote.BidSize
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
