// Package oms is the order management system: the single writer of order
// state.
//
// Every intent — scanner-generated or operator-placed — runs the same
// gate pipeline: kill switch, book status, venue health, risk limits,
// cost model, sizing. Approved intents resolve to either a single order
// or a multi-leg plan delegated to the planner; every fill is validated
// before book exposure moves, and every state transition writes an audit
// record next to the order row.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/config"
	"tradeforge/internal/edge"
	"tradeforge/internal/marketdata"
	"tradeforge/internal/planner"
	"tradeforge/internal/registry"
	"tradeforge/internal/risk"
	"tradeforge/internal/store"
	"tradeforge/internal/venue"
	"tradeforge/pkg/types"
)

// Sentinel errors for gate failures callers may branch on.
var (
	ErrKillSwitchActive  = errors.New("kill switch active")
	ErrIntentRejected    = errors.New("intent rejected")
	ErrNoMarketData      = errors.New("no market data")
	ErrUnknownVenue      = errors.New("unknown venue")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrInvalidOrderState = errors.New("invalid order state transition")
)

// Result reports how an intent ended. Exactly one of the rejection
// fields or the order list is meaningful.
type Result struct {
	IntentID  uuid.UUID
	Approved  bool
	Gate      string // failing gate when rejected
	Reasons   []string
	Breakdown edge.Breakdown
	Orders    []types.Order
	PlanState string // planner status for multi-leg intents
}

// OMS owns order state. ExecuteIntent is serialised: the OMS is the only
// writer of orders and book exposure, and one intent completes before the
// next begins.
type OMS struct {
	store    *store.Store
	venues   *venue.Registry
	md       *marketdata.Service
	reg      *registry.Registry
	risk     *risk.Engine
	cost     *edge.Model
	planner  *planner.Planner
	venueCfg map[string]config.VenueConfig
	tenantID string
	logger   *slog.Logger

	mu sync.Mutex
}

// New wires the OMS.
func New(st *store.Store, venues *venue.Registry, md *marketdata.Service, reg *registry.Registry,
	riskEngine *risk.Engine, cost *edge.Model, pl *planner.Planner,
	venueCfg map[string]config.VenueConfig, tenantID string, logger *slog.Logger) *OMS {
	return &OMS{
		store:    st,
		venues:   venues,
		md:       md,
		reg:      reg,
		risk:     riskEngine,
		cost:     cost,
		planner:  pl,
		venueCfg: venueCfg,
		tenantID: tenantID,
		logger:   logger.With("component", "oms"),
	}
}

// ExecuteIntent runs the full pipeline for one intent.
func (o *OMS) ExecuteIntent(ctx context.Context, intent types.TradeIntent) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executeLocked(ctx, intent)
}

func (o *OMS) executeLocked(ctx context.Context, intent types.TradeIntent) (Result, error) {
	res := Result{IntentID: intent.ID}

	book, err := o.store.GetBook(ctx, intent.BookID)
	if err != nil {
		return res, fmt.Errorf("resolve book %s: %w", intent.BookID, err)
	}
	def, ok := o.reg.Get(intent.StrategyID.String())
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownStrategy, intent.StrategyID)
	}

	health := o.venueHealth(ctx, intent.Venue)
	cluster := clusterOf(def)

	// Gates 1–6 run inside the risk engine in pipeline order.
	check, err := o.risk.CheckIntent(ctx, intent, risk.IntentContext{
		Book:            book,
		MaxRiskPerTrade: def.MaxRiskPerTrade,
		VenueHealth:     health,
		Cluster:         cluster,
	})
	if err != nil {
		return res, fmt.Errorf("risk check: %w", err)
	}
	if !check.Approved {
		res.Gate = firstOr(check.ChecksFailed, "risk")
		res.Reasons = check.Reasons
		o.auditBlocked(ctx, intent, res.Gate, check.Reasons)
		if res.Gate == risk.CheckKillSwitch {
			return res, ErrKillSwitchActive
		}
		return res, fmt.Errorf("%w: %s", ErrIntentRejected, strings.Join(check.Reasons, "; "))
	}

	// Cost gate.
	snap := o.md.Snapshot(intent.Venue, intent.Instrument)
	if snap.DataQuality == types.QualityUnavailable {
		res.Gate = "cost"
		res.Reasons = []string{"market data unavailable"}
		o.auditBlocked(ctx, intent, res.Gate, res.Reasons)
		return res, fmt.Errorf("%w: %s on %s", ErrNoMarketData, intent.Instrument, intent.Venue)
	}
	vcfg := o.venueCfg[intent.Venue]
	breakdown, err := o.cost.Evaluate(intent, snap,
		edge.FeeTable{MakerBps: vcfg.MakerFeeBps, TakerBps: vcfg.TakerFeeBps}, health.LatencyMs)
	res.Breakdown = breakdown
	if err != nil || !breakdown.Allowed {
		res.Gate = "cost"
		res.Reasons = []string{breakdown.Reason}
		o.auditBlocked(ctx, intent, res.Gate, res.Reasons)
		return res, fmt.Errorf("%w: %s", ErrIntentRejected, breakdown.Reason)
	}

	// Sizing.
	entryPrice := expectedEntry(intent.Direction, snap)
	size := risk.SizePosition(intent.TargetExposureUSD*check.SizeFactor, entryPrice, vcfg.TickSize)
	if size <= 0 {
		res.Gate = "size"
		res.Reasons = []string{"sized to zero"}
		o.auditBlocked(ctx, intent, res.Gate, res.Reasons)
		return res, fmt.Errorf("%w: sized to zero", ErrIntentRejected)
	}

	res.Approved = true
	o.store.Audit(ctx, store.AuditEntry{
		Action:       "intent_approved",
		ResourceType: "trade_intent",
		ResourceID:   intent.ID.String(),
		BookID:       intent.BookID.String(),
		AfterState: map[string]any{
			"size": size, "entry_price": entryPrice, "breakdown": breakdown,
		},
	})

	// Resolve plan: multi-leg intents delegate to the planner, everything
	// else is a single order.
	if plan := intent.Metadata.Plan; plan != nil && len(plan.Legs) > 0 {
		return o.executePlan(ctx, intent, def, *plan, size, res)
	}

	order := types.Order{
		ID:         uuid.New(),
		BookID:     intent.BookID,
		StrategyID: intent.StrategyID,
		VenueID:    intent.Venue,
		Instrument: intent.Instrument,
		Side:       intent.Direction,
		Size:       size,
		OrderType:  types.OrderTypeMarket,
		Status:     types.OrderOpen,
		CreatedAt:  time.Now().UTC(),
	}
	placed, err := o.submitOrder(ctx, intent.Venue, order)
	res.Orders = append(res.Orders, placed)
	if err != nil {
		return res, err
	}
	return res, nil
}

// executePlan fills in per-leg sizes, persists the multi-leg row, and
// delegates to the planner. Basis intents additionally refresh the
// spot/deriv hedge view.
func (o *OMS) executePlan(ctx context.Context, intent types.TradeIntent, def registry.StrategyDefinition,
	plan types.ExecutionPlan, size float64, res Result) (Result, error) {

	for i := range plan.Legs {
		if plan.Legs[i].Size == 0 {
			plan.Legs[i].Size = size
		}
	}

	if err := o.store.InsertMultiLegIntent(ctx, o.tenantID, intent.ID, plan, planner.StatusExecuting); err != nil {
		return res, fmt.Errorf("persist multi-leg intent: %w", err)
	}

	pr := o.planner.Execute(ctx, intent.ID, plan, func(ctx context.Context, venueName string, order types.Order) (types.Order, error) {
		order.BookID = intent.BookID
		order.StrategyID = intent.StrategyID
		return o.submitOrder(ctx, venueName, order)
	})
	res.Orders = pr.LegOrders
	res.PlanState = pr.Status

	if pr.Status == planner.StatusCompleted && def.BookType == "basis" {
		o.updateHedgeView(ctx, intent, plan, pr.LegOrders)
	}
	if pr.Status != planner.StatusCompleted {
		return res, fmt.Errorf("%w: plan %s (%s)", ErrIntentRejected, pr.Status, pr.Reason)
	}
	return res, nil
}

// updateHedgeView maintains strategy_positions for basis strategies:
// hedgedRatio = |spot| / |deriv|.
func (o *OMS) updateHedgeView(ctx context.Context, intent types.TradeIntent, plan types.ExecutionPlan, orders []types.Order) {
	var spot, deriv float64
	for i, leg := range plan.Legs {
		if i >= len(orders) {
			break
		}
		signed := orders[i].Side.Sign() * orders[i].FilledSize
		if leg.LegType == "deriv" {
			deriv += signed
		} else {
			spot += signed
		}
	}

	row, err := o.store.GetStrategyPosition(ctx, intent.StrategyID.String(), intent.Instrument)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("load hedge view failed", "error", err)
		return
	}
	row.TenantID = o.tenantID
	row.StrategyID = intent.StrategyID.String()
	row.Instrument = intent.Instrument
	row.SpotPosition += spot
	row.DerivPosition += deriv
	if row.DerivPosition != 0 {
		row.HedgedRatio = abs(row.SpotPosition) / abs(row.DerivPosition)
	} else {
		row.HedgedRatio = 0
	}
	if err := o.store.UpsertStrategyPosition(ctx, row); err != nil {
		o.logger.Warn("persist hedge view failed", "error", err)
	}
}

// submitOrder persists the open order, places it on the venue, validates
// the reported fill, and applies the exposure delta. The adapter call is
// never retried.
func (o *OMS) submitOrder(ctx context.Context, venueName string, order types.Order) (types.Order, error) {
	adapter, err := o.venues.Get(venueName)
	if err != nil {
		return order, fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}

	if err := o.store.UpsertOrder(ctx, order); err != nil {
		return order, fmt.Errorf("persist order: %w", err)
	}

	placed, err := adapter.PlaceOrder(ctx, order)
	if err != nil {
		placed.Status = types.OrderRejected
		placed.UpdatedAt = time.Now().UTC()
		o.persistTransition(ctx, order.Status, placed, "order_rejected", map[string]string{"error": err.Error()})
		return placed, fmt.Errorf("place order: %w", err)
	}

	// Post-fill validation: a fill without a price is a lie we refuse to
	// book. The order is rejected and exposure stays untouched.
	if (placed.Status == types.OrderFilled || placed.Status == types.OrderPartial) && placed.FilledPrice <= 0 {
		bad := placed
		bad.Status = types.OrderRejected
		bad.UpdatedAt = time.Now().UTC()
		o.persistTransition(ctx, order.Status, bad, "order_rejected", map[string]string{"reason": "invalid fill price"})
		o.store.RaiseAlert(ctx, store.Alert{
			Source:   "oms",
			Severity: types.SeverityCritical,
			Title:    "Invalid Fill Price",
			Message: fmt.Sprintf("venue %s reported %s fill for %s with price %.4f",
				venueName, placed.Status, placed.Instrument, placed.FilledPrice),
		})
		return bad, fmt.Errorf("invalid fill price %.4f", placed.FilledPrice)
	}

	action := "order_placed"
	switch placed.Status {
	case types.OrderFilled:
		action = "order_filled"
	case types.OrderPartial:
		action = "order_partially_filled"
	case types.OrderRejected:
		action = "order_rejected"
	}
	if err := o.persistTransition(ctx, order.Status, placed, action, nil); err != nil {
		return placed, err
	}

	if placed.FilledSize > 0 && placed.FilledPrice > 0 && placed.BookID != uuid.Nil {
		delta := placed.Side.Sign() * placed.FilledSize * placed.FilledPrice
		if err := o.store.AdjustBookExposure(ctx, placed.BookID, delta); err != nil {
			o.logger.Error("adjust book exposure failed", "book_id", placed.BookID, "error", err)
		}
		o.applyFill(ctx, placed)
	}
	return placed, nil
}

// applyFill folds a confirmed fill into the position for the order's
// (book, venue, instrument). Same-side fills add size at a weighted
// average entry; opposite-side fills realise pnl, close the row at zero,
// and flip it when the fill crosses through flat.
func (o *OMS) applyFill(ctx context.Context, order types.Order) {
	pos, err := o.store.OpenPositionFor(ctx, order.BookID, order.VenueID, order.Instrument)
	if errors.Is(err, store.ErrNotFound) {
		pos = types.Position{
			ID:         uuid.New(),
			BookID:     order.BookID,
			VenueID:    order.VenueID,
			Instrument: order.Instrument,
			Side:       order.Side,
		}
	} else if err != nil {
		o.logger.Error("load position failed", "order_id", order.ID, "error", err)
		return
	}

	switch {
	case pos.Size == 0 || pos.Side == order.Side:
		total := pos.Size + order.FilledSize
		pos.EntryPrice = (pos.EntryPrice*pos.Size + order.FilledPrice*order.FilledSize) / total
		pos.Side = order.Side
		pos.Size = total
	case order.FilledSize < pos.Size:
		pos.RealizedPnl += pos.Side.Sign() * (order.FilledPrice - pos.EntryPrice) * order.FilledSize
		pos.Size -= order.FilledSize
	default:
		pos.RealizedPnl += pos.Side.Sign() * (order.FilledPrice - pos.EntryPrice) * pos.Size
		pos.Size = order.FilledSize - pos.Size
		pos.Side = order.Side
		if pos.Size > 0 {
			pos.EntryPrice = order.FilledPrice
		}
	}

	pos.MarkPrice = order.FilledPrice
	pos.UnrealizedPnl = pos.Side.Sign() * (pos.MarkPrice - pos.EntryPrice) * pos.Size
	pos.IsOpen = pos.Size > 0
	if err := o.store.UpsertPosition(ctx, pos); err != nil {
		o.logger.Error("persist position failed", "order_id", order.ID, "error", err)
	}
}

// persistTransition enforces the order state machine, writes the row, and
// records the audit entry.
func (o *OMS) persistTransition(ctx context.Context, from types.OrderStatus, order types.Order, action string, detail map[string]string) error {
	if !validTransition(from, order.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidOrderState, from, order.Status)
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	if err := o.store.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	severity := types.SeverityInfo
	if order.Status == types.OrderRejected {
		severity = types.SeverityWarning
	}
	o.store.Audit(ctx, store.AuditEntry{
		Action:       action,
		ResourceType: "order",
		ResourceID:   order.ID.String(),
		BookID:       order.BookID.String(),
		Severity:     severity,
		BeforeState:  map[string]string{"status": string(from)},
		AfterState:   map[string]any{"status": order.Status, "detail": detail},
	})
	return nil
}

// validTransition encodes the order state machine. Expired never appears
// here: it is mapped by reconciliation, not produced by the OMS.
func validTransition(from, to types.OrderStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.OrderOpen:
		switch to {
		case types.OrderPartial, types.OrderFilled, types.OrderRejected, types.OrderCancelled:
			return true
		}
	case types.OrderPartial:
		switch to {
		case types.OrderFilled, types.OrderCancelled, types.OrderRejected:
			return true
		}
	}
	return false
}

// PlaceOrder is the direct placement path: it wraps the request in a
// synthetic intent with confidence 1 and runs the full pipeline.
func (o *OMS) PlaceOrder(ctx context.Context, bookID, strategyID uuid.UUID, venueName, instrument string,
	side types.Side, sizeUSD float64) (Result, error) {

	intent := types.TradeIntent{
		ID:                uuid.New(),
		BookID:            bookID,
		StrategyID:        strategyID,
		Instrument:        instrument,
		Venue:             venueName,
		Direction:         side,
		TargetExposureUSD: sizeUSD,
		MaxLossUSD:        sizeUSD * 0.05,
		Confidence:        1,
		CreatedAt:         time.Now().UTC(),
	}
	return o.ExecuteIntent(ctx, intent)
}

// CancelOrder cancels an open or partially filled order on its venue and
// records the terminal transition.
func (o *OMS) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("%w: order %s already %s", ErrInvalidOrderState, orderID, order.Status)
	}

	adapter, err := o.venues.Get(order.VenueID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, order.VenueID)
	}
	cancelled, err := adapter.CancelOrder(ctx, order.VenueOrderID)
	if err != nil {
		return fmt.Errorf("venue cancel: %w", err)
	}
	if !cancelled {
		o.logger.Warn("venue had no order to cancel", "order_id", orderID, "venue_order_id", order.VenueOrderID)
	}

	from := order.Status
	order.Status = types.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	return o.persistTransition(ctx, from, order, "order_cancelled", nil)
}

// SetReduceOnly flips a book to reduce-only. From here the book gate only
// admits intents that shrink existing positions.
func (o *OMS) SetReduceOnly(ctx context.Context, bookID uuid.UUID, reason string) error {
	if err := o.store.SetBookStatus(ctx, bookID, types.BookReduceOnly); err != nil {
		return fmt.Errorf("set book status: %w", err)
	}
	o.store.RaiseAlert(ctx, store.Alert{
		Source:   "oms",
		Severity: types.SeverityWarning,
		Title:    "Book Reduce-Only",
		Message:  fmt.Sprintf("book %s set reduce-only: %s", bookID, reason),
	})
	o.store.Audit(ctx, store.AuditEntry{
		Action:       "book_reduce_only",
		ResourceType: "book",
		ResourceID:   bookID.String(),
		BookID:       bookID.String(),
		Severity:     types.SeverityWarning,
		AfterState:   map[string]string{"status": string(types.BookReduceOnly), "reason": reason},
	})
	return nil
}

func (o *OMS) auditBlocked(ctx context.Context, intent types.TradeIntent, gate string, reasons []string) {
	o.logger.Info("trade blocked",
		"intent_id", intent.ID, "gate", gate, "reasons", strings.Join(reasons, "; "))
	o.store.Audit(ctx, store.AuditEntry{
		Action:       "trade_blocked",
		ResourceType: "trade_intent",
		ResourceID:   intent.ID.String(),
		BookID:       intent.BookID.String(),
		Severity:     types.SeverityWarning,
		AfterState:   map[string]any{"gate": gate, "reasons": reasons},
	})
}

func (o *OMS) venueHealth(ctx context.Context, venueName string) types.VenueHealth {
	if adapter, err := o.venues.Get(venueName); err == nil {
		return adapter.HealthCheck(ctx)
	}
	return types.VenueHealth{VenueID: venueName, Status: types.VenueOffline}
}

func expectedEntry(side types.Side, snap types.MarketSnapshot) float64 {
	if side == types.BUY && snap.Ask > 0 {
		return snap.Ask
	}
	if side == types.SELL && snap.Bid > 0 {
		return snap.Bid
	}
	return snap.Mid
}

func clusterOf(def registry.StrategyDefinition) string {
	switch def.Type {
	case "arbitrage":
		return "neutral"
	case "futures":
		return "directional_deriv"
	default:
		return "directional_spot"
	}
}

func firstOr(ss []string, fallback string) string {
	if len(ss) > 0 {
		return ss[0]
	}
	return fallback
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
