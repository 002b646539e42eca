// Package planner executes multi-leg plans leg by leg.
//
// Legs run sequentially with an inter-leg time budget. Any failure —
// missing adapter, budget exceeded, submit error, or a rejected leg —
// aborts the plan and, when the plan asks for it, unwinds every filled
// leg with an opposite-side market order. Unwind failures are alerted but
// never stop the remaining unwinds. Atomic plans with more than one leg
// are rejected up front: no venue we route to offers atomic cross-venue
// execution.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/store"
	"tradeforge/internal/venue"
	"tradeforge/pkg/types"
)

// Leg event types recorded in the audit trail.
const (
	EventLegSubmitted    = "leg_submitted"
	EventLegExecuted     = "leg_executed"
	EventLegFailed       = "leg_failed"
	EventLegRejected     = "leg_rejected"
	EventUnwindSubmitted = "unwind_submitted"
)

// Plan statuses persisted on the multi_leg_intents row.
const (
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusUnwound   = "unwound"
	StatusRejected  = "rejected"
)

// PlaceFunc submits one leg order through the OMS, which persists it.
// The returned order carries the fill report.
type PlaceFunc func(ctx context.Context, venueName string, order types.Order) (types.Order, error)

// Result reports how a plan ended.
type Result struct {
	Status    string
	LegOrders []types.Order // orders actually submitted, in leg order
	FailedLeg int           // index of the failing leg, -1 when none
	Reason    string
}

// Planner drives leg execution. It never talks to venues directly for
// fills — the OMS-supplied PlaceFunc keeps the single-writer property —
// but it does consult the adapter registry to fail fast on missing venues.
type Planner struct {
	venues   *venue.Registry
	store    *store.Store
	tenantID string
	logger   *slog.Logger
}

// New wires the planner.
func New(venues *venue.Registry, st *store.Store, tenantID string, logger *slog.Logger) *Planner {
	return &Planner{
		venues:   venues,
		store:    st,
		tenantID: tenantID,
		logger:   logger.With("component", "planner"),
	}
}

// Execute runs the plan's legs for the given intent. The caller has
// already persisted the multi_leg_intents row with StatusExecuting.
func (p *Planner) Execute(ctx context.Context, intentID uuid.UUID, plan types.ExecutionPlan, place PlaceFunc) Result {
	if plan.Mode == types.ModeAtomic && len(plan.Legs) > 1 {
		p.setStatus(ctx, intentID, StatusRejected)
		return Result{Status: StatusRejected, FailedLeg: -1, Reason: "atomic_not_supported"}
	}

	budget := time.Duration(plan.MaxTimeBetweenLegsMs) * time.Millisecond
	var filled []types.Order
	var submitted []types.Order
	lastLegTime := time.Now()

	for i, leg := range plan.Legs {
		if _, err := p.venues.Get(leg.Venue); err != nil {
			p.legEvent(ctx, intentID, i, EventLegFailed, map[string]string{"reason": "adapter missing", "venue": leg.Venue})
			return p.abort(ctx, intentID, plan, filled, submitted, i,
				fmt.Sprintf("no adapter for venue %s", leg.Venue), place)
		}

		if i > 0 && budget > 0 && time.Since(lastLegTime) > budget {
			p.legEvent(ctx, intentID, i, EventLegFailed, map[string]string{"reason": "leg time budget exceeded"})
			return p.abort(ctx, intentID, plan, filled, submitted, i, "leg time budget exceeded", place)
		}

		order := legOrder(leg, intentID)
		p.legEvent(ctx, intentID, i, EventLegSubmitted, order)

		start := time.Now()
		placed, err := place(ctx, leg.Venue, order)
		placed.LatencyMs = time.Since(start).Milliseconds()
		lastLegTime = time.Now()

		if err != nil {
			p.legEvent(ctx, intentID, i, EventLegFailed, map[string]string{"error": err.Error()})
			return p.abort(ctx, intentID, plan, filled, submitted, i, err.Error(), place)
		}
		submitted = append(submitted, placed)

		switch placed.Status {
		case types.OrderRejected, types.OrderCancelled:
			p.legEvent(ctx, intentID, i, EventLegRejected, placed)
			return p.abort(ctx, intentID, plan, filled, submitted, i,
				fmt.Sprintf("leg %d %s", i, placed.Status), place)
		}

		p.legEvent(ctx, intentID, i, EventLegExecuted, placed)
		if placed.FilledSize > 0 {
			filled = append(filled, placed)
		}
	}

	p.setStatus(ctx, intentID, StatusCompleted)
	return Result{Status: StatusCompleted, LegOrders: submitted, FailedLeg: -1}
}

// abort ends the plan after a leg failure, unwinding filled legs when the
// plan requires it.
func (p *Planner) abort(ctx context.Context, intentID uuid.UUID, plan types.ExecutionPlan,
	filled, submitted []types.Order, failedLeg int, reason string, place PlaceFunc) Result {

	p.logger.Warn("plan aborted",
		"intent_id", intentID, "failed_leg", failedLeg, "reason", reason)

	status := StatusRejected
	if plan.UnwindOnFail && len(filled) > 0 {
		p.store.RaiseAlert(ctx, store.Alert{
			Source:   "planner",
			Severity: types.SeverityWarning,
			Title:    "Unwind Triggered",
			Message: fmt.Sprintf("plan for intent %s failed at leg %d (%s); unwinding %d filled legs",
				intentID, failedLeg, reason, len(filled)),
		})
		p.unwind(ctx, intentID, filled, place)
		status = StatusUnwound
	}
	p.setStatus(ctx, intentID, status)
	return Result{Status: status, LegOrders: submitted, FailedLeg: failedLeg, Reason: reason}
}

// unwind flattens every filled leg with an opposite-side market order of
// max(filledSize, size). Failures raise alerts but do not stop the rest.
func (p *Planner) unwind(ctx context.Context, intentID uuid.UUID, filled []types.Order, place PlaceFunc) {
	for _, leg := range filled {
		size := leg.FilledSize
		if leg.Size > size {
			size = leg.Size
		}
		order := types.Order{
			ID:         uuid.New(),
			BookID:     leg.BookID,
			StrategyID: leg.StrategyID,
			VenueID:    leg.VenueID,
			Instrument: leg.Instrument,
			Side:       leg.Side.Opposite(),
			Size:       size,
			OrderType:  types.OrderTypeMarket,
			Status:     types.OrderOpen,
			CreatedAt:  time.Now().UTC(),
		}
		p.store.InsertLegEvent(ctx, p.tenantID, intentID, order.ID.String(), EventUnwindSubmitted, order)

		if _, err := place(ctx, leg.VenueID, order); err != nil {
			p.logger.Error("unwind leg failed",
				"intent_id", intentID, "venue", leg.VenueID, "instrument", leg.Instrument, "error", err)
			p.store.RaiseAlert(ctx, store.Alert{
				Source:   "planner",
				Severity: types.SeverityCritical,
				Title:    "Unwind Failed",
				Message: fmt.Sprintf("unwind of %s %s on %s failed: %v",
					leg.Side.Opposite(), leg.Instrument, leg.VenueID, err),
			})
		}
	}
}

func legOrder(leg types.ExecutionLeg, intentID uuid.UUID) types.Order {
	return types.Order{
		ID:         uuid.New(),
		VenueID:    leg.Venue,
		Instrument: leg.Instrument,
		Side:       leg.Side,
		Size:       leg.Size,
		OrderType:  leg.OrderType,
		Price:      leg.LimitPrice,
		Status:     types.OrderOpen,
		CreatedAt:  time.Now().UTC(),
	}
}

func (p *Planner) setStatus(ctx context.Context, intentID uuid.UUID, status string) {
	if err := p.store.SetMultiLegStatus(ctx, intentID, status); err != nil {
		p.logger.Warn("persist plan status failed", "intent_id", intentID, "status", status, "error", err)
	}
}

func (p *Planner) legEvent(ctx context.Context, intentID uuid.UUID, legIndex int, eventType string, payload any) {
	p.store.InsertLegEvent(ctx, p.tenantID, intentID, fmt.Sprintf("leg-%d", legIndex), eventType, payload)
}
