// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — orders,
// positions, books, trade intents, execution plans, opportunities, market
// snapshots, and venue health. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// Opposite returns the unwind direction for a side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Sign returns +1 for buys and -1 for sells, for signed exposure math.
func (s Side) Sign() float64 {
	if s == BUY {
		return 1
	}
	return -1
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus is the order lifecycle state. Transitions are owned by the
// OMS: open → partial → filled | rejected | cancelled, with partial also
// able to reach filled or cancelled. Rejected and cancelled are terminal.
// Expired is an observed venue state; it is never produced internally and
// is mapped by the reconciliation layer only.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// BookStatus gates what a trading book may do.
type BookStatus string

const (
	BookActive     BookStatus = "active"
	BookReduceOnly BookStatus = "reduce_only"
	BookHalted     BookStatus = "halted"
)

// VenueStatus summarises adapter health.
type VenueStatus string

const (
	VenueHealthy  VenueStatus = "healthy"
	VenueDegraded VenueStatus = "degraded"
	VenueOffline  VenueStatus = "offline"
)

// DataQuality tags how trustworthy a market snapshot is.
type DataQuality string

const (
	QualityRealtime    DataQuality = "realtime"
	QualityDelayed     DataQuality = "delayed"
	QualityDerived     DataQuality = "derived"
	QualitySimulated   DataQuality = "simulated"
	QualityUnavailable DataQuality = "unavailable"
)

// OpportunityType classifies scanner output.
type OpportunityType string

const (
	OppSpot      OpportunityType = "spot"
	OppFutures   OpportunityType = "futures"
	OppArbitrage OpportunityType = "arbitrage"
)

// Direction is a trend classification emitted per timeframe.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// ExecutionMode selects how a multi-leg plan is carried out. Atomic mode
// with more than one leg is unsupported and rejected up front.
type ExecutionMode string

const (
	ModeAtomic ExecutionMode = "atomic"
	ModeLegged ExecutionMode = "legged"
)

// Severity grades alerts and audit records.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// Order is the single source of truth for one venue order. Created by the
// OMS and mutated only by the OMS; every state transition writes an audit
// record alongside the row.
type Order struct {
	ID           uuid.UUID
	BookID       uuid.UUID
	StrategyID   uuid.UUID
	VenueID      string
	Instrument   string
	Side         Side
	Size         float64
	OrderType    OrderType
	Price        float64 // limit/stop price, 0 for market
	Status       OrderStatus
	FilledSize   float64
	FilledPrice  float64
	SlippageBps  float64
	LatencyMs    int64
	VenueOrderID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position aggregates confirmed fills per (book, venue, instrument).
// Closed when the aggregated size reaches zero.
type Position struct {
	ID            uuid.UUID
	BookID        uuid.UUID
	VenueID       string
	Instrument    string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	RealizedPnl   float64
	IsOpen        bool
}

// Book is a trading account sub-unit with its own capital, limits, and
// status flag. Status changes are always audit-logged.
type Book struct {
	ID               uuid.UUID
	Name             string
	Type             string // spot, futures, basis, spot_arb, ...
	CapitalAllocated float64
	CurrentExposure  float64
	MaxExposure      float64
	MaxDrawdownLimit float64
	Status           BookStatus
	UpdatedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trade intents
// ————————————————————————————————————————————————————————————————————————

// IntentMetadata carries the typed payloads attached to an intent.
// Downstream gates consume the typed fields; Freeform is the only open
// mapping and is never inspected by gates.
type IntentMetadata struct {
	ExpectedEdgeBps   float64
	FeeBps            float64
	FundingRateBps    float64
	BasisRiskBps      float64
	OrderStyle        string // "maker" or "taker"
	StrategyType      string
	TenantID          string
	AllocationPct     float64
	RiskMultiplier    float64
	AllocatorDecision string
	Plan              *ExecutionPlan
	Freeform          map[string]string
}

// HasEdge reports whether the strategy supplied an explicit edge estimate.
func (m IntentMetadata) HasEdge() bool { return m.ExpectedEdgeBps != 0 }

// TradeIntent is a strategy's expression of desire to trade, not yet an
// order. Immutable after allocator scaling.
type TradeIntent struct {
	ID                uuid.UUID
	BookID            uuid.UUID
	StrategyID        uuid.UUID
	Instrument        string
	Venue             string
	Direction         Side
	TargetExposureUSD float64
	MaxLossUSD        float64
	InvalidationPrice float64
	HorizonMinutes    int
	Confidence        float64 // [0,1]
	Metadata          IntentMetadata
	CreatedAt         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Execution plans
// ————————————————————————————————————————————————————————————————————————

// ExecutionLeg is one venue-side order inside a multi-leg plan.
type ExecutionLeg struct {
	Venue          string
	Instrument     string
	Side           Side
	Size           float64
	OrderType      OrderType
	LimitPrice     float64
	MaxSlippageBps float64
	LegType        string // "spot", "deriv", ...
}

// ExecutionPlan describes how an intent becomes one or more venue orders.
type ExecutionPlan struct {
	ID                   uuid.UUID
	Mode                 ExecutionMode
	Legs                 []ExecutionLeg
	MaxLegSlippageBps    float64
	MaxTimeBetweenLegsMs int64
	UnwindOnFail         bool
	Metadata             map[string]string
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// FrameSignal is one timeframe's trend reading inside a signal stack.
type FrameSignal struct {
	Timeframe   string
	Direction   Direction
	StrengthBps float64
	Confidence  float64
}

// Opportunity is a scanner-ranked trade candidate, possibly carrying a
// pre-shaped multi-leg execution plan.
type Opportunity struct {
	ID              uuid.UUID
	Type            OpportunityType
	Instrument      string
	Direction       Side
	Venue           string
	Confidence      float64
	ExpectedEdgeBps float64
	HorizonMinutes  int
	DataQuality     DataQuality
	SignalStack     []FrameSignal
	ExecutionPlan   *ExecutionPlan
	Explanation     string
	Metadata        map[string]string
	StrategyName    string
}

// Score ranks opportunities: edge times confidence, descending.
func (o Opportunity) Score() float64 { return o.ExpectedEdgeBps * o.Confidence }

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the L2 view attached to a snapshot when available.
type OrderBook struct {
	Bids []PriceLevel `json:"bids"` // sorted descending by price
	Asks []PriceLevel `json:"asks"` // sorted ascending by price
}

// MarketSnapshot is the last observed state of one (venue, instrument).
// The market-data service owns the in-memory snapshot map; per key the
// snapshot is last-writer-wins on EventTime.
type MarketSnapshot struct {
	Venue         string      `json:"venue"`
	Instrument    string      `json:"instrument"`
	Bid           float64     `json:"bid"`
	Ask           float64     `json:"ask"`
	Last          float64     `json:"last"`
	Mid           float64     `json:"mid"`
	Spread        float64     `json:"spread"`
	SpreadBps     float64     `json:"spread_bps"`
	BidSize       float64     `json:"bid_size,omitempty"`
	AskSize       float64     `json:"ask_size,omitempty"`
	Volume24h     float64     `json:"volume_24h,omitempty"`
	VolatilityBps float64     `json:"volatility_bps,omitempty"`
	EventTime     time.Time   `json:"event_time"`
	ReceiveTime   time.Time   `json:"receive_time"`
	DataQuality   DataQuality `json:"data_quality"`
	L2            *OrderBook  `json:"l2,omitempty"`
}

// VenueHealth reports one venue's reachability and error profile.
type VenueHealth struct {
	VenueID              string
	Name                 string
	Status               VenueStatus
	LatencyMs            int64
	ErrorRate            float64
	ConsecutiveErrors    int
	LastHeartbeat        time.Time
	IsEnabled            bool
	SupportedInstruments []string
}

// ————————————————————————————————————————————————————————————————————————
// Backtest records
// ————————————————————————————————————————————————————————————————————————

// OHLCVBar is one bar of a historical frame.
type OHLCVBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// EquityPoint is one sample of the backtest equity curve.
type EquityPoint struct {
	Time     time.Time `json:"time"`
	Equity   float64   `json:"equity"`
	Drawdown float64   `json:"drawdown"`
}

// TradeRecord is one completed round trip in a backtest. PnL fields are
// zero-valued while the trade is open; ExitTime reports open-ness.
type TradeRecord struct {
	Instrument  string    `json:"instrument"`
	Side        Side      `json:"side"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Size        float64   `json:"size"`
	Pnl         float64   `json:"pnl"`
	Fees        float64   `json:"fees"`
	SlippageBps float64   `json:"slippage_bps"`
}

// DurationHours returns the trade holding time in hours.
func (t TradeRecord) DurationHours() float64 {
	if t.ExitTime.IsZero() || t.EntryTime.IsZero() {
		return 0
	}
	return t.ExitTime.Sub(t.EntryTime).Hours()
}

// PerformanceMetrics holds the standard ratio set computed from an equity
// curve and trade list. Every field is finite; NaN and infinite
// intermediates are replaced by zero.
type PerformanceMetrics struct {
	TotalReturn        float64 `json:"total_return"`
	AnnualizedReturn   float64 `json:"annualized_return"`
	Sharpe             float64 `json:"sharpe"`
	Sortino            float64 `json:"sortino"`
	Calmar             float64 `json:"calmar"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	MaxDrawdownDays    float64 `json:"max_drawdown_days"`
	Volatility         float64 `json:"volatility"`
	DownsideVolatility float64 `json:"downside_volatility"`
	VaR95              float64 `json:"var_95"`
	CVaR95             float64 `json:"cvar_95"`
	TotalTrades        int     `json:"total_trades"`
	WinningTrades      int     `json:"winning_trades"`
	LosingTrades       int     `json:"losing_trades"`
	WinRate            float64 `json:"win_rate"`
	GrossProfit        float64 `json:"gross_profit"`
	GrossLoss          float64 `json:"gross_loss"`
	ProfitFactor       float64 `json:"profit_factor"`
	AvgWin             float64 `json:"avg_win"`
	AvgLoss            float64 `json:"avg_loss"`
	LargestWin         float64 `json:"largest_win"`
	LargestLoss        float64 `json:"largest_loss"`
	AvgDurationHours   float64 `json:"avg_duration_hours"`
}
