package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(venue string) types.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return types.Order{
		ID:         uuid.New(),
		BookID:     uuid.New(),
		StrategyID: uuid.New(),
		VenueID:    venue,
		Instrument: "BTC-USD",
		Side:       types.BUY,
		Size:       0.5,
		OrderType:  types.OrderTypeMarket,
		Price:      50_000,
		Status:     types.OrderOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("testex")
	if err := s.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Instrument != o.Instrument || got.Side != o.Side || got.Status != o.Status {
		t.Errorf("got %+v, want %+v", got, o)
	}

	// Upsert replaces mutable fields.
	o.Status = types.OrderFilled
	o.FilledSize = o.Size
	o.FilledPrice = 50_100
	if err := s.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder update: %v", err)
	}
	got, err = s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder after update: %v", err)
	}
	if got.Status != types.OrderFilled || got.FilledPrice != 50_100 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetOrder(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenOrdersByVenue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	open := testOrder("venueA")
	filled := testOrder("venueA")
	filled.Status = types.OrderFilled
	otherVenue := testOrder("venueB")
	stale := testOrder("venueA")
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	for _, o := range []types.Order{open, filled, otherVenue, stale} {
		if err := s.UpsertOrder(ctx, o); err != nil {
			t.Fatalf("UpsertOrder: %v", err)
		}
	}

	got, err := s.OpenOrdersByVenue(ctx, "venueA", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("OpenOrdersByVenue: %v", err)
	}
	if len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("got %d orders, want exactly the fresh open venueA order", len(got))
	}
}

func TestOpenPositionFor(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := types.Position{
		ID:         uuid.New(),
		BookID:     uuid.New(),
		VenueID:    "testex",
		Instrument: "ETH-USD",
		Side:       types.SELL,
		Size:       2,
		EntryPrice: 3000,
		IsOpen:     true,
	}
	if err := s.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	got, err := s.OpenPositionFor(ctx, p.BookID, "testex", "ETH-USD")
	if err != nil {
		t.Fatalf("OpenPositionFor: %v", err)
	}
	if got.Side != types.SELL || got.Size != 2 {
		t.Errorf("got %+v", got)
	}

	if _, err := s.OpenPositionFor(ctx, uuid.New(), "testex", "ETH-USD"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing position err = %v, want ErrNotFound", err)
	}
}

func TestBookExposureAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	b := types.Book{
		ID:               uuid.New(),
		Name:             "directional-1",
		Type:             "directional",
		CapitalAllocated: 100_000,
		MaxExposure:      50_000,
		Status:           types.BookActive,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.UpsertBook(ctx, b); err != nil {
		t.Fatalf("UpsertBook: %v", err)
	}

	if err := s.AdjustBookExposure(ctx, b.ID, 10_000); err != nil {
		t.Fatalf("AdjustBookExposure: %v", err)
	}
	if err := s.AdjustBookExposure(ctx, b.ID, -2_500); err != nil {
		t.Fatalf("AdjustBookExposure negative: %v", err)
	}
	got, err := s.GetBook(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if got.CurrentExposure != 7_500 {
		t.Errorf("exposure = %v, want 7500", got.CurrentExposure)
	}

	if err := s.SetBookStatus(ctx, b.ID, types.BookReduceOnly); err != nil {
		t.Fatalf("SetBookStatus: %v", err)
	}
	got, _ = s.GetBook(ctx, b.ID)
	if got.Status != types.BookReduceOnly {
		t.Errorf("status = %q, want reduce_only", got.Status)
	}

	if err := s.AdjustBookExposure(ctx, uuid.New(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("adjust missing book err = %v, want ErrNotFound", err)
	}
}

func TestKillSwitchScopes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	bookScope := uuid.New().String()

	active, err := s.KillSwitchActive(ctx, bookScope)
	if err != nil {
		t.Fatalf("KillSwitchActive: %v", err)
	}
	if active {
		t.Error("fresh store should have no active switches")
	}

	// Book-scoped switch hits only that scope.
	if err := s.SetKillSwitch(ctx, bookScope, true, "test"); err != nil {
		t.Fatalf("SetKillSwitch: %v", err)
	}
	if active, _ = s.KillSwitchActive(ctx, bookScope); !active {
		t.Error("book scope should be active")
	}
	if active, _ = s.KillSwitchActive(ctx, uuid.New().String()); active {
		t.Error("unrelated scope should not be active")
	}

	// Global switch hits every scope.
	if err := s.SetKillSwitch(ctx, GlobalKillScope, true, "drill"); err != nil {
		t.Fatalf("SetKillSwitch global: %v", err)
	}
	if active, _ = s.KillSwitchActive(ctx, uuid.New().String()); !active {
		t.Error("global switch should cover every scope")
	}

	// Deactivation.
	if err := s.SetKillSwitch(ctx, GlobalKillScope, false, "resolved"); err != nil {
		t.Fatalf("SetKillSwitch deactivate: %v", err)
	}
	if active, _ = s.KillSwitchActive(ctx, uuid.New().String()); active {
		t.Error("global switch should be cleared")
	}
}

func TestAuditAndAlerts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	orderID := uuid.New().String()
	s.Audit(ctx, AuditEntry{
		Action:       "order_placed",
		ResourceType: "order",
		ResourceID:   orderID,
		BeforeState:  map[string]string{"status": "open"},
	})
	s.Audit(ctx, AuditEntry{
		Action:       "order_filled",
		ResourceType: "order",
		ResourceID:   orderID,
	})

	actions, err := s.AuditActions(ctx, orderID)
	if err != nil {
		t.Fatalf("AuditActions: %v", err)
	}
	if len(actions) != 2 || actions[0] != "order_placed" || actions[1] != "order_filled" {
		t.Errorf("actions = %v", actions)
	}

	n, err := s.CountAuditActions(ctx, "order_filled")
	if err != nil {
		t.Fatalf("CountAuditActions: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	s.RaiseAlert(ctx, Alert{
		Title:    "Inventory Drift",
		Message:  "drift 3.1% on testex BTC-USD",
		Severity: types.SeverityCritical,
		Source:   "recon",
	})
	titles, err := s.AlertTitles(ctx, "recon")
	if err != nil {
		t.Fatalf("AlertTitles: %v", err)
	}
	if len(titles) != 1 || titles[0] != "Inventory Drift" {
		t.Errorf("titles = %v", titles)
	}
}

func TestVenueHealthRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	h := types.VenueHealth{
		VenueID:              "testex",
		Name:                 "testex",
		Status:               types.VenueDegraded,
		LatencyMs:            420,
		ErrorRate:            0.05,
		LastHeartbeat:        time.Now().UTC().Truncate(time.Second),
		IsEnabled:            true,
		SupportedInstruments: []string{"BTC-USD", "ETH-USD"},
	}
	if err := s.UpsertVenueHealth(ctx, h); err != nil {
		t.Fatalf("UpsertVenueHealth: %v", err)
	}

	got, err := s.GetVenueHealth(ctx, "testex")
	if err != nil {
		t.Fatalf("GetVenueHealth: %v", err)
	}
	if got.Status != types.VenueDegraded || got.LatencyMs != 420 {
		t.Errorf("got %+v", got)
	}
	if len(got.SupportedInstruments) != 2 {
		t.Errorf("instruments = %v", got.SupportedInstruments)
	}
}

func TestVenueInventory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertVenueInventory(ctx, "t1", "testex", "BTC-USD", 1.5); err != nil {
		t.Fatalf("UpsertVenueInventory: %v", err)
	}
	if err := s.UpsertVenueInventory(ctx, "t1", "testex", "BTC-USD", 2.0); err != nil {
		t.Fatalf("UpsertVenueInventory update: %v", err)
	}

	inv, err := s.VenueInventory(ctx, "t1", "testex")
	if err != nil {
		t.Fatalf("VenueInventory: %v", err)
	}
	if inv["BTC-USD"] != 2.0 {
		t.Errorf("inventory = %v, want 2.0", inv["BTC-USD"])
	}

	// Tenant isolation.
	other, err := s.VenueInventory(ctx, "t2", "testex")
	if err != nil {
		t.Fatalf("VenueInventory other tenant: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other tenant sees %v", other)
	}
}

func TestMultiLegIntentLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	intentID := uuid.New()
	plan := types.ExecutionPlan{
		Mode: types.ModeLegged,
		Legs: []types.ExecutionLeg{
			{Venue: "a", Instrument: "BTC-USD", Side: types.BUY, Size: 1},
			{Venue: "b", Instrument: "BTC-USD", Side: types.SELL, Size: 1},
		},
	}
	if err := s.InsertMultiLegIntent(ctx, "t1", intentID, plan, "executing"); err != nil {
		t.Fatalf("InsertMultiLegIntent: %v", err)
	}
	if err := s.SetMultiLegStatus(ctx, intentID, "completed"); err != nil {
		t.Fatalf("SetMultiLegStatus: %v", err)
	}
	status, err := s.MultiLegStatus(ctx, intentID)
	if err != nil {
		t.Fatalf("MultiLegStatus: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	s.InsertLegEvent(ctx, "t1", intentID, "leg-0", "leg_submitted", nil)
	s.InsertLegEvent(ctx, "t1", intentID, "leg-0", "leg_executed", map[string]any{"price": 50000})
	events, err := s.LegEventTypes(ctx, intentID)
	if err != nil {
		t.Fatalf("LegEventTypes: %v", err)
	}
	if len(events) != 2 || events[0] != "leg_submitted" || events[1] != "leg_executed" {
		t.Errorf("events = %v", events)
	}
}

func TestStrategyPositions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	row := StrategyPositionRow{
		TenantID:      "t1",
		StrategyID:    uuid.New().String(),
		Instrument:    "BTC-USD",
		SpotPosition:  1.0,
		DerivPosition: -1.0,
		HedgedRatio:   1.0,
	}
	if err := s.UpsertStrategyPosition(ctx, row); err != nil {
		t.Fatalf("UpsertStrategyPosition: %v", err)
	}

	got, err := s.GetStrategyPosition(ctx, row.StrategyID, "BTC-USD")
	if err != nil {
		t.Fatalf("GetStrategyPosition: %v", err)
	}
	if got.HedgedRatio != 1.0 || got.DerivPosition != -1.0 {
		t.Errorf("got %+v", got)
	}

	all, err := s.ListStrategyPositions(ctx, "t1")
	if err != nil {
		t.Fatalf("ListStrategyPositions: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1", len(all))
	}
}
