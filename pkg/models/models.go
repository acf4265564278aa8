// Package models holds the domain types shared across the execution engine:
// orders, executions, venues and market data classifications.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls order lifetime at the venue.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderPriority influences routing urgency.
type OrderPriority string

const (
	PriorityNormal OrderPriority = "normal"
	PriorityUrgent OrderPriority = "urgent"
)

// Order is an execution intent. It is immutable once routed, except through
// an explicit modify that is propagated to every venue it reached.
type Order struct {
	ID          uuid.UUID       `json:"id"`
	Owner       string          `json:"owner"`
	Instrument  string          `json:"instrument"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Type        OrderType       `json:"type"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Priority    OrderPriority   `json:"priority"`
}

// Execution is a per-venue fill record, append-only for its order.
type Execution struct {
	OrderID     uuid.UUID       `json:"order_id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	Instrument  string          `json:"instrument"`
	Side        OrderSide       `json:"side"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	Latency     time.Duration   `json:"latency"`
	VenueID     string          `json:"venue_id"`
	Commission  decimal.Decimal `json:"commission"`
	Slippage    decimal.Decimal `json:"slippage"`
}

// VenueClass categorizes execution destinations.
type VenueClass string

const (
	VenuePrimary     VenueClass = "primary"
	VenueDarkPool    VenueClass = "dark-pool"
	VenueECN         VenueClass = "ecn"
	VenueAlternative VenueClass = "alternative"
)

// ConnectionState of a venue link, maintained by the health monitor.
type ConnectionState string

const (
	ConnectionUp       ConnectionState = "up"
	ConnectionDegraded ConnectionState = "degraded"
	ConnectionDown     ConnectionState = "down"
)

// FeeSchedule is the venue commission model in basis points with a floor.
type FeeSchedule struct {
	MakerBps   decimal.Decimal `json:"maker_bps"`
	TakerBps   decimal.Decimal `json:"taker_bps"`
	MinimumFee decimal.Decimal `json:"minimum_fee"`
}

// SizeBounds restricts order quantity accepted by a venue.
type SizeBounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Venue is a destination for order execution. Latency and connection state
// are mutated by the health monitor; the rest is configuration.
type Venue struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Class           VenueClass      `json:"class"`
	LatencyEstimate time.Duration   `json:"latency_estimate"`
	Active          bool            `json:"active"`
	Instruments     []string        `json:"instruments"`
	Fees            FeeSchedule     `json:"fees"`
	Bounds          SizeBounds      `json:"bounds"`
	Connection      ConnectionState `json:"connection"`
	Preference      float64         `json:"preference"`
}

// SupportsInstrument reports whether the venue trades the instrument.
func (v *Venue) SupportsInstrument(instrument string) bool {
	for _, in := range v.Instruments {
		if in == instrument {
			return true
		}
	}
	return false
}

// Quote is a top-of-book snapshot from the quote feed.
type Quote struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	Timestamp  time.Time       `json:"timestamp"`
}

// VolatilityRegime buckets observed volatility.
type VolatilityRegime string

const (
	RegimeLow     VolatilityRegime = "low"
	RegimeNormal  VolatilityRegime = "normal"
	RegimeHigh    VolatilityRegime = "high"
	RegimeExtreme VolatilityRegime = "extreme"
)

// VolatilityClassification is the periodic output of the market feed.
type VolatilityClassification struct {
	Instrument        string           `json:"instrument"`
	CurrentVolatility float64          `json:"current_volatility"`
	Regime            VolatilityRegime `json:"regime"`
}
