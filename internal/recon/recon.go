// Package recon reconciles internal state against venue truth.
//
// Each venue is reconciled on its own cadence under a venue-scoped lock:
// orders, then positions, then basis hedge ratios, then spot inventory
// drift. Every divergence is audit-logged with before/after state, and a
// per-venue mismatch counter drives the escalation ladder: one dirty run
// warns, three trip the recon_mismatch circuit breaker and force affected
// books reduce-only, five activate the kill switch on those books. A
// clean run resets the counter.
package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/config"
	"tradeforge/internal/registry"
	"tradeforge/internal/risk"
	"tradeforge/internal/store"
	"tradeforge/internal/venue"
	"tradeforge/pkg/types"
)

// BreakerReconMismatch is the circuit breaker tripped at escalation
// level three.
const BreakerReconMismatch = "recon_mismatch"

// BookControl is the slice of the OMS the reconciler needs: flipping
// books reduce-only without owning order state.
type BookControl interface {
	SetReduceOnly(ctx context.Context, bookID uuid.UUID, reason string) error
}

// Reconciler compares internal records with venue state.
type Reconciler struct {
	cfg      config.ReconConfig
	tenantID string
	store    *store.Store
	venues   *venue.Registry
	reg      *registry.Registry
	breakers *risk.BreakerSet
	books    BookControl
	logger   *slog.Logger

	mu         sync.Mutex
	venueLocks map[string]*sync.Mutex
	mismatches map[string]int // per-venue counter, reset on clean run
}

// New wires the reconciler.
func New(cfg config.ReconConfig, tenantID string, st *store.Store, venues *venue.Registry, reg *registry.Registry,
	breakers *risk.BreakerSet, books BookControl, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		tenantID:   tenantID,
		store:      st,
		venues:     venues,
		reg:        reg,
		breakers:   breakers,
		books:      books,
		logger:     logger.With("component", "recon"),
		venueLocks: make(map[string]*sync.Mutex),
		mismatches: make(map[string]int),
	}
}

// MismatchCounts returns a copy of the per-venue counters. The allocator
// consults this for its data-quality refusal.
func (r *Reconciler) MismatchCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.mismatches))
	for k, v := range r.mismatches {
		out[k] = v
	}
	return out
}

// RunVenue reconciles one venue. Runs for the same venue are mutually
// exclusive; callers on a ticker can simply invoke it.
func (r *Reconciler) RunVenue(ctx context.Context, venueName string) error {
	lock := r.venueLock(venueName)
	lock.Lock()
	defer lock.Unlock()

	adapter, err := r.venues.Get(venueName)
	if err != nil {
		return err
	}

	found := 0
	found += r.reconcileOrders(ctx, venueName, adapter)
	found += r.reconcilePositions(ctx, venueName, adapter)
	found += r.reconcileHedgeRatios(ctx, venueName)
	found += r.reconcileInventory(ctx, venueName, adapter)

	r.escalate(ctx, venueName, found)
	return nil
}

func (r *Reconciler) venueLock(venueName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.venueLocks[venueName]
	if !ok {
		lock = &sync.Mutex{}
		r.venueLocks[venueName] = lock
	}
	return lock
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// reconcileOrders compares non-terminal internal orders from the lookback
// window against the venue's open orders. One safe case is auto-corrected:
// the venue reports filled while we still show the order pending.
func (r *Reconciler) reconcileOrders(ctx context.Context, venueName string, adapter venue.Adapter) int {
	since := time.Now().UTC().Add(-time.Duration(r.cfg.LookbackHours) * time.Hour)
	internal, err := r.store.OpenOrdersByVenue(ctx, venueName, since)
	if err != nil {
		r.logger.Error("load internal orders failed", "venue", venueName, "error", err)
		return 0
	}
	venueOrders, err := adapter.GetOpenOrders(ctx)
	if err != nil {
		r.logger.Error("fetch venue orders failed", "venue", venueName, "error", err)
		return 0
	}

	byVenueID := make(map[string]venue.VenueOrder, len(venueOrders))
	for _, vo := range venueOrders {
		byVenueID[vo.VenueOrderID] = vo
	}

	found := 0
	for _, o := range internal {
		vo, present := byVenueID[o.VenueOrderID]
		if !present {
			// Not among open orders: either filled meanwhile or genuinely
			// missing. Without a fills endpoint we flag, not guess.
			found++
			r.auditDiscrepancy(ctx, o, "order_missing_venue", nil)
			continue
		}

		venueStatus := NormalizeStatus(vo.Status)
		if venueStatus == types.OrderFilled && (o.Status == types.OrderOpen || o.Status == types.OrderPartial) {
			// The single safe auto-correction.
			before := o.Status
			o.Status = types.OrderFilled
			o.FilledSize = vo.FilledSize
			o.FilledPrice = vo.FilledPrice
			o.UpdatedAt = time.Now().UTC()
			if err := r.store.UpsertOrder(ctx, o); err != nil {
				r.logger.Error("auto-correct order failed", "order_id", o.ID, "error", err)
			}
			found++
			r.auditDiscrepancy(ctx, o, "order_discrepancy_detected", map[string]any{
				"kind": "auto_corrected", "from": before, "to": o.Status,
			})
			continue
		}

		if venueStatus != o.Status {
			found++
			r.auditDiscrepancy(ctx, o, "order_discrepancy_detected", map[string]any{
				"kind": "status_mismatch", "internal": o.Status, "venue": venueStatus,
			})
		}
		if !withinTolerance(o.FilledSize, vo.FilledSize, r.cfg.SizeTolerancePct) {
			found++
			r.auditDiscrepancy(ctx, o, "order_discrepancy_detected", map[string]any{
				"kind": "fill_size_mismatch", "internal": o.FilledSize, "venue": vo.FilledSize,
			})
		}
		if !withinTolerance(o.FilledPrice, vo.FilledPrice, r.cfg.PriceTolerancePct) {
			found++
			r.auditDiscrepancy(ctx, o, "order_discrepancy_detected", map[string]any{
				"kind": "fill_price_mismatch", "internal": o.FilledPrice, "venue": vo.FilledPrice,
			})
		}
	}
	return found
}

// NormalizeStatus maps venue status vocabulary onto ours. Expired orders
// are preserved on the venue side but map to cancelled internally; this
// is the only place that mapping happens.
func NormalizeStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "open", "live", "new", "accepted":
		return types.OrderOpen
	case "partial", "partially_filled":
		return types.OrderPartial
	case "filled", "done", "closed":
		return types.OrderFilled
	case "cancelled", "canceled", "expired":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	}
	return types.OrderStatus(strings.ToLower(s))
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func (r *Reconciler) reconcilePositions(ctx context.Context, venueName string, adapter venue.Adapter) int {
	internal, err := r.store.OpenPositions(ctx, venueName)
	if err != nil {
		r.logger.Error("load internal positions failed", "venue", venueName, "error", err)
		return 0
	}
	venuePos, err := adapter.GetPositions(ctx)
	if err != nil {
		r.logger.Error("fetch venue positions failed", "venue", venueName, "error", err)
		return 0
	}

	internalBy := make(map[string]types.Position, len(internal))
	for _, p := range internal {
		internalBy[p.Instrument] = p
	}
	venueBy := make(map[string]venue.VenuePosition, len(venuePos))
	for _, p := range venuePos {
		venueBy[p.Instrument] = p
	}

	found := 0
	for inst, vp := range venueBy {
		ip, ok := internalBy[inst]
		if !ok {
			found++
			r.auditPosition(ctx, venueName, inst, "missing_internal", nil, vp)
			continue
		}
		if !withinTolerance(ip.Size, vp.Size, r.cfg.SizeTolerancePct) {
			found++
			r.auditPosition(ctx, venueName, inst, "size_mismatch", ip, vp)
		}
	}
	for inst, ip := range internalBy {
		if _, ok := venueBy[inst]; !ok {
			found++
			r.auditPosition(ctx, venueName, inst, "missing_venue", ip, nil)
		}
	}
	return found
}

// ————————————————————————————————————————————————————————————————————————
// Basis hedge ratios
// ————————————————————————————————————————————————————————————————————————

// reconcileHedgeRatios flags basis positions whose hedge ratio drifted
// outside the configured band and sets the owning book reduce-only.
func (r *Reconciler) reconcileHedgeRatios(ctx context.Context, venueName string) int {
	rows, err := r.store.ListStrategyPositions(ctx, r.tenantID)
	if err != nil {
		r.logger.Error("load strategy positions failed", "error", err)
		return 0
	}

	found := 0
	for _, row := range rows {
		if row.DerivPosition == 0 {
			continue
		}
		if row.HedgedRatio >= r.cfg.HedgeRatioMin && row.HedgedRatio <= r.cfg.HedgeRatioMax {
			continue
		}
		found++
		r.store.Audit(ctx, store.AuditEntry{
			Action:       "hedge_ratio_breach",
			ResourceType: "strategy_position",
			ResourceID:   row.ID,
			Severity:     types.SeverityWarning,
			AfterState: map[string]any{
				"instrument": row.Instrument, "hedged_ratio": row.HedgedRatio,
				"band": fmt.Sprintf("[%.2f, %.2f]", r.cfg.HedgeRatioMin, r.cfg.HedgeRatioMax),
			},
		})

		if def, ok := r.reg.Get(row.StrategyID); ok && def.BookID != "" {
			if bookID, err := uuid.Parse(def.BookID); err == nil {
				r.reduceOnly(ctx, bookID, fmt.Sprintf(
					"hedge ratio %.3f outside band for %s", row.HedgedRatio, row.Instrument))
			}
		}
	}
	return found
}

// ————————————————————————————————————————————————————————————————————————
// Spot inventory drift
// ————————————————————————————————————————————————————————————————————————

// reconcileInventory compares internal inventory against adapter balances
// per asset. Drift beyond the threshold alerts and puts every book with
// open positions on the venue into reduce-only.
func (r *Reconciler) reconcileInventory(ctx context.Context, venueName string, adapter venue.Adapter) int {
	internal, err := r.store.VenueInventory(ctx, r.tenantID, venueName)
	if err != nil {
		r.logger.Error("load internal inventory failed", "venue", venueName, "error", err)
		return 0
	}
	balances, err := adapter.GetBalance(ctx)
	if err != nil {
		r.logger.Error("fetch venue balances failed", "venue", venueName, "error", err)
		return 0
	}

	found := 0
	for asset, recorded := range internal {
		actual := balances[asset]
		if recorded == 0 {
			continue
		}
		drift := math.Abs(actual-recorded) / math.Abs(recorded) * 100
		if drift <= r.cfg.InventoryDriftPct {
			continue
		}
		found++
		r.store.RaiseAlert(ctx, store.Alert{
			Source:   "recon",
			Severity: types.SeverityCritical,
			Title:    "Inventory Drift",
			Message: fmt.Sprintf("venue %s asset %s drifted %.2f%%: recorded %.4f, actual %.4f",
				venueName, asset, drift, recorded, actual),
		})
		r.store.Audit(ctx, store.AuditEntry{
			Action:       "inventory_drift_detected",
			ResourceType: "venue_inventory",
			ResourceID:   venueName + ":" + asset,
			Severity:     types.SeverityCritical,
			BeforeState:  map[string]float64{"recorded": recorded},
			AfterState:   map[string]float64{"actual": actual, "drift_pct": drift},
		})
		r.reduceOnlyAffected(ctx, venueName, fmt.Sprintf("inventory drift %.2f%% on %s", drift, asset))
	}
	return found
}

// ————————————————————————————————————————————————————————————————————————
// Escalation
// ————————————————————————————————————————————————————————————————————————

func (r *Reconciler) escalate(ctx context.Context, venueName string, found int) {
	r.mu.Lock()
	if found == 0 {
		if r.mismatches[venueName] != 0 {
			r.logger.Info("clean reconciliation run, counter reset", "venue", venueName)
		}
		r.mismatches[venueName] = 0
		r.mu.Unlock()
		return
	}
	r.mismatches[venueName]++
	count := r.mismatches[venueName]
	r.mu.Unlock()

	r.logger.Warn("reconciliation mismatches",
		"venue", venueName, "found", found, "consecutive_dirty_runs", count)

	switch {
	case count >= r.cfg.KillThreshold:
		r.store.RaiseAlert(ctx, store.Alert{
			Source:   "recon",
			Severity: types.SeverityCritical,
			Title:    "Reconciliation Kill Switch",
			Message:  fmt.Sprintf("venue %s dirty for %d consecutive runs", venueName, count),
		})
		r.killAffected(ctx, venueName)
	case count >= r.cfg.BreakerThreshold:
		r.store.RaiseAlert(ctx, store.Alert{
			Source:   "recon",
			Severity: types.SeverityCritical,
			Title:    "Reconciliation Mismatch Streak",
			Message:  fmt.Sprintf("venue %s dirty for %d consecutive runs", venueName, count),
		})
		r.breakers.Trip(BreakerReconMismatch, "recon",
			fmt.Sprintf("venue %s mismatch streak %d", venueName, count))
		r.reduceOnlyAffected(ctx, venueName, "reconciliation mismatch streak")
	default:
		r.store.RaiseAlert(ctx, store.Alert{
			Source:   "recon",
			Severity: types.SeverityWarning,
			Title:    "Reconciliation Mismatch",
			Message:  fmt.Sprintf("venue %s: %d mismatches this run", venueName, found),
		})
	}
}

// reduceOnlyAffected flips every book with open positions on the venue.
func (r *Reconciler) reduceOnlyAffected(ctx context.Context, venueName, reason string) {
	for _, bookID := range r.affectedBooks(ctx, venueName) {
		r.reduceOnly(ctx, bookID, reason)
	}
}

func (r *Reconciler) reduceOnly(ctx context.Context, bookID uuid.UUID, reason string) {
	if err := r.books.SetReduceOnly(ctx, bookID, reason); err != nil {
		r.logger.Error("set reduce-only failed", "book_id", bookID, "error", err)
	}
}

func (r *Reconciler) killAffected(ctx context.Context, venueName string) {
	for _, bookID := range r.affectedBooks(ctx, venueName) {
		if err := r.store.SetKillSwitch(ctx, bookID.String(), true,
			fmt.Sprintf("reconciliation escalation on venue %s", venueName)); err != nil {
			r.logger.Error("activate kill switch failed", "book_id", bookID, "error", err)
			continue
		}
		r.store.Audit(ctx, store.AuditEntry{
			Action:       "kill_switch_activated",
			ResourceType: "book",
			ResourceID:   bookID.String(),
			BookID:       bookID.String(),
			Severity:     types.SeverityCritical,
			AfterState:   map[string]string{"venue": venueName, "source": "recon"},
		})
	}
}

func (r *Reconciler) affectedBooks(ctx context.Context, venueName string) []uuid.UUID {
	positions, err := r.store.OpenPositions(ctx, venueName)
	if err != nil {
		r.logger.Error("load open positions failed", "venue", venueName, "error", err)
		return nil
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, p := range positions {
		if !seen[p.BookID] {
			seen[p.BookID] = true
			out = append(out, p.BookID)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func withinTolerance(a, b, tolerancePct float64) bool {
	if a == b {
		return true
	}
	ref := math.Max(math.Abs(a), math.Abs(b))
	if ref == 0 {
		return true
	}
	return math.Abs(a-b)/ref*100 <= tolerancePct
}

func (r *Reconciler) auditDiscrepancy(ctx context.Context, o types.Order, action string, detail map[string]any) {
	r.store.Audit(ctx, store.AuditEntry{
		Action:       action,
		ResourceType: "order",
		ResourceID:   o.ID.String(),
		BookID:       o.BookID.String(),
		Severity:     types.SeverityWarning,
		BeforeState:  o,
		AfterState:   detail,
	})
}

func (r *Reconciler) auditPosition(ctx context.Context, venueName, instrument, kind string, before, after any) {
	detail, _ := json.Marshal(map[string]string{"venue": venueName, "instrument": instrument, "kind": kind})
	r.store.Audit(ctx, store.AuditEntry{
		Action:       "position_discrepancy_detected",
		ResourceType: "position",
		ResourceID:   venueName + ":" + instrument,
		Severity:     types.SeverityWarning,
		BeforeState:  before,
		AfterState:   map[string]any{"detail": string(detail), "state": after},
	})
}
