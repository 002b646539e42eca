package oms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
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

const omsStrategiesJSON = `{
  "strategies": [
    {"name": "alpha", "type": "spot", "max_risk_per_trade": 0.05,
     "book_id": "11111111-1111-1111-1111-111111111111", "enabled": true},
    {"name": "carry", "type": "arbitrage", "book_type": "basis", "max_risk_per_trade": 0.05,
     "book_id": "11111111-1111-1111-1111-111111111111", "enabled": true}
  ]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type omsEnv struct {
	oms   *OMS
	st    *store.Store
	md    *marketdata.Service
	paper *venue.PaperAdapter
	reg   *registry.Registry
	book  types.Book
}

func newEnv(t *testing.T) *omsEnv {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	st, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	md := marketdata.New(logger, nil, time.Minute)
	quote := func(instrument string) (types.MarketSnapshot, bool) {
		return md.GetPrice("paperx", instrument)
	}
	paper := venue.NewPaperAdapter("paperx", 7, 1_000_000, quote, logger)
	if err := paper.Connect(ctx); err != nil {
		t.Fatalf("connect paper venue: %v", err)
	}
	venues := venue.NewRegistry()
	venues.Register(paper)

	path := filepath.Join(t.TempDir(), "strategies.json")
	if err := os.WriteFile(path, []byte(omsStrategiesJSON), 0o644); err != nil {
		t.Fatalf("write strategies: %v", err)
	}
	reg, err := registry.Load(path, "t1", nil, logger)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	book := types.Book{
		ID:               uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Name:             "alpha-book",
		Type:             "spot",
		CapitalAllocated: 100_000,
		MaxExposure:      1_000_000,
		Status:           types.BookActive,
	}
	if err := st.UpsertBook(ctx, book); err != nil {
		t.Fatalf("upsert book: %v", err)
	}

	riskEngine := risk.NewEngine(config.RiskConfig{DegradedSizeFactor: 0.5}, st, risk.NewBreakerSet(logger), logger)
	cost := edge.NewModel(10)
	pl := planner.New(venues, st, "t1", logger)
	venueCfg := map[string]config.VenueConfig{
		"paperx": {Name: "paperx", MakerFeeBps: 2, TakerFeeBps: 5, TickSize: 0.0001},
	}

	o := New(st, venues, md, reg, riskEngine, cost, pl, venueCfg, "t1", logger)
	return &omsEnv{oms: o, st: st, md: md, paper: paper, reg: reg, book: book}
}

func (e *omsEnv) quoteBTC(t *testing.T) {
	t.Helper()
	e.md.UpdateQuote(context.Background(), "paperx", "BTC-USD",
		49_990, 50_010, 0, 10_000_000, types.QualityRealtime, time.Now().UTC())
}

func (e *omsEnv) intent(t *testing.T, strategyName string, edgeBps float64) types.TradeIntent {
	t.Helper()
	def, ok := e.reg.GetByName(strategyName)
	if !ok {
		t.Fatalf("strategy %s not registered", strategyName)
	}
	return types.TradeIntent{
		ID:                uuid.New(),
		BookID:            e.book.ID,
		StrategyID:        uuid.MustParse(def.ID),
		Instrument:        "BTC-USD",
		Venue:             "paperx",
		Direction:         types.BUY,
		TargetExposureUSD: 2_000,
		MaxLossUSD:        40,
		Confidence:        0.9,
		Metadata:          types.IntentMetadata{ExpectedEdgeBps: edgeBps},
		CreatedAt:         time.Now().UTC(),
	}
}

func TestExecuteIntentFillsAndBooksExposure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)

	res, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100))
	if err != nil {
		t.Fatalf("ExecuteIntent: %v", err)
	}
	if !res.Approved || len(res.Orders) != 1 {
		t.Fatalf("result = %+v, want approval with one order", res)
	}

	placed := res.Orders[0]
	if placed.Status != types.OrderFilled && placed.Status != types.OrderPartial {
		t.Fatalf("order status = %v", placed.Status)
	}
	if placed.FilledPrice <= 0 || placed.FilledSize <= 0 {
		t.Errorf("fill = %v @ %v", placed.FilledSize, placed.FilledPrice)
	}

	stored, err := e.st.GetOrder(ctx, placed.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != placed.Status {
		t.Errorf("persisted status %v != reported %v", stored.Status, placed.Status)
	}

	book, err := e.st.GetBook(ctx, e.book.ID)
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	want := placed.Side.Sign() * placed.FilledSize * placed.FilledPrice
	if diff := book.CurrentExposure - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("book exposure = %v, want %v", book.CurrentExposure, want)
	}

	approvals, err := e.st.CountAuditActions(ctx, "intent_approved")
	if err != nil || approvals != 1 {
		t.Errorf("intent_approved audits = %d (%v)", approvals, err)
	}
}

func TestExecuteIntentFillWritesPosition(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)

	res, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100))
	if err != nil {
		t.Fatalf("ExecuteIntent: %v", err)
	}
	placed := res.Orders[0]

	positions, err := e.st.OpenPositions(ctx, "paperx")
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.BookID != e.book.ID || pos.Instrument != "BTC-USD" || pos.Side != types.BUY {
		t.Errorf("position = %+v", pos)
	}
	if diff := pos.Size - placed.FilledSize; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("position size = %v, want filled size %v", pos.Size, placed.FilledSize)
	}
	if pos.EntryPrice != placed.FilledPrice {
		t.Errorf("entry price = %v, want fill price %v", pos.EntryPrice, placed.FilledPrice)
	}
	if !pos.IsOpen {
		t.Error("position not marked open")
	}
}

func TestReduceOnlyAdmitsReducingIntent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)

	// Open a long, then flip the book to reduce-only.
	if _, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100)); err != nil {
		t.Fatalf("opening fill: %v", err)
	}
	before, err := e.st.OpenPositionFor(ctx, e.book.ID, "paperx", "BTC-USD")
	if err != nil {
		t.Fatalf("OpenPositionFor: %v", err)
	}
	if err := e.oms.SetReduceOnly(ctx, e.book.ID, "drill"); err != nil {
		t.Fatalf("SetReduceOnly: %v", err)
	}

	// Adding to the long is blocked at the book gate.
	res, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100))
	if !errors.Is(err, ErrIntentRejected) || res.Gate != risk.CheckBookStatus {
		t.Fatalf("same-side intent: err = %v gate = %q, want book-status rejection", err, res.Gate)
	}

	// The opposite side shrinks the position and passes.
	reduce := e.intent(t, "alpha", 100)
	reduce.Direction = types.SELL
	res, err = e.oms.ExecuteIntent(ctx, reduce)
	if err != nil {
		t.Fatalf("reducing intent: %v", err)
	}
	if !res.Approved {
		t.Fatalf("reducing intent not approved: %+v", res)
	}

	after, err := e.st.OpenPositionFor(ctx, e.book.ID, "paperx", "BTC-USD")
	if errors.Is(err, store.ErrNotFound) {
		return // fully closed
	}
	if err != nil {
		t.Fatalf("OpenPositionFor after reduce: %v", err)
	}
	if after.Side == types.BUY && after.Size >= before.Size {
		t.Errorf("position size %v not reduced from %v", after.Size, before.Size)
	}
}

func TestExecuteIntentKillSwitch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)

	if err := e.st.SetKillSwitch(ctx, store.GlobalKillScope, true, "drill"); err != nil {
		t.Fatalf("SetKillSwitch: %v", err)
	}
	res, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100))
	if !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("err = %v, want ErrKillSwitchActive", err)
	}
	if res.Approved || res.Gate != risk.CheckKillSwitch {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteIntentNoMarketData(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	// No quote ever applied: the snapshot reports unavailable.
	res, err := e.oms.ExecuteIntent(context.Background(), e.intent(t, "alpha", 100))
	if !errors.Is(err, ErrNoMarketData) {
		t.Fatalf("err = %v, want ErrNoMarketData", err)
	}
	if res.Gate != "cost" {
		t.Errorf("gate = %q", res.Gate)
	}
}

func TestExecuteIntentCostGate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.quoteBTC(t)

	// 1 bp of edge cannot clear fees + spread + buffer.
	res, err := e.oms.ExecuteIntent(context.Background(), e.intent(t, "alpha", 1))
	if !errors.Is(err, ErrIntentRejected) {
		t.Fatalf("err = %v, want ErrIntentRejected", err)
	}
	if res.Gate != "cost" || res.Breakdown.Allowed {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteIntentExposureCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.quoteBTC(t)

	// Cap is 100k * 0.05 = 5000.
	in := e.intent(t, "alpha", 100)
	in.TargetExposureUSD = 50_000
	res, err := e.oms.ExecuteIntent(context.Background(), in)
	if !errors.Is(err, ErrIntentRejected) {
		t.Fatalf("err = %v, want ErrIntentRejected", err)
	}
	if res.Gate != risk.CheckIntentCap {
		t.Errorf("gate = %q", res.Gate)
	}
}

func TestExecuteIntentUnknownStrategy(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.quoteBTC(t)

	in := e.intent(t, "alpha", 100)
	in.StrategyID = uuid.New()
	if _, err := e.oms.ExecuteIntent(context.Background(), in); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestExecuteIntentInvalidFillPrice(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)
	e.paper.ReportZeroFillPrice(true)

	res, err := e.oms.ExecuteIntent(ctx, e.intent(t, "alpha", 100))
	if err == nil {
		t.Fatal("zero fill price accepted")
	}
	if len(res.Orders) != 1 || res.Orders[0].Status != types.OrderRejected {
		t.Fatalf("orders = %+v, want one rejected", res.Orders)
	}

	// Exposure never moves on a refused fill.
	book, _ := e.st.GetBook(ctx, e.book.ID)
	if book.CurrentExposure != 0 {
		t.Errorf("exposure = %v after refused fill", book.CurrentExposure)
	}

	titles, err := e.st.AlertTitles(ctx, "oms")
	if err != nil {
		t.Fatalf("AlertTitles: %v", err)
	}
	var sawAlert bool
	for _, title := range titles {
		if title == "Invalid Fill Price" {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Errorf("no invalid-fill alert, got %v", titles)
	}
}

func TestExecuteIntentMultiLegBasisPlan(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.md.UpdateQuote(ctx, "paperx", "BTC-USD", 49_990, 50_010, 0, 1e7, types.QualityRealtime, now)
	e.md.UpdateQuote(ctx, "paperx", "BTC-PERP", 50_190, 50_210, 0, 1e7, types.QualityRealtime, now)

	in := e.intent(t, "carry", 100)
	in.Metadata.Plan = &types.ExecutionPlan{
		ID:   uuid.New(),
		Mode: types.ModeLegged,
		Legs: []types.ExecutionLeg{
			{Venue: "paperx", Instrument: "BTC-USD", Side: types.BUY, OrderType: types.OrderTypeMarket, LegType: "spot"},
			{Venue: "paperx", Instrument: "BTC-PERP", Side: types.SELL, OrderType: types.OrderTypeMarket, LegType: "deriv"},
		},
		UnwindOnFail: true,
	}

	res, err := e.oms.ExecuteIntent(ctx, in)
	if err != nil {
		t.Fatalf("ExecuteIntent: %v", err)
	}
	if res.PlanState != planner.StatusCompleted || len(res.Orders) != 2 {
		t.Fatalf("result = %+v, want completed two-leg plan", res)
	}
	// Unsized legs inherit the computed order size.
	if res.Orders[0].Size <= 0 || res.Orders[0].Size != res.Orders[1].Size {
		t.Errorf("leg sizes = %v/%v", res.Orders[0].Size, res.Orders[1].Size)
	}

	status, err := e.st.MultiLegStatus(ctx, in.ID)
	if err != nil || status != planner.StatusCompleted {
		t.Errorf("persisted plan status = %q (%v)", status, err)
	}

	// Basis fills maintain the hedge view.
	row, err := e.st.GetStrategyPosition(ctx, in.StrategyID.String(), "BTC-USD")
	if err != nil {
		t.Fatalf("GetStrategyPosition: %v", err)
	}
	if row.SpotPosition <= 0 || row.DerivPosition >= 0 {
		t.Errorf("hedge view = spot %v deriv %v", row.SpotPosition, row.DerivPosition)
	}
	if row.HedgedRatio <= 0 {
		t.Errorf("hedged ratio = %v", row.HedgedRatio)
	}
}

func TestExecuteIntentPlanFailureUnwinds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.md.UpdateQuote(ctx, "paperx", "BTC-USD", 49_990, 50_010, 0, 1e7, types.QualityRealtime, now)

	in := e.intent(t, "carry", 100)
	in.Metadata.Plan = &types.ExecutionPlan{
		ID:   uuid.New(),
		Mode: types.ModeLegged,
		Legs: []types.ExecutionLeg{
			{Venue: "paperx", Instrument: "BTC-USD", Side: types.BUY, OrderType: types.OrderTypeMarket, LegType: "spot"},
			// No quote for the perp: the paper venue rejects the leg.
			{Venue: "paperx", Instrument: "BTC-PERP", Side: types.SELL, OrderType: types.OrderTypeMarket, LegType: "deriv"},
		},
		UnwindOnFail: true,
	}

	res, err := e.oms.ExecuteIntent(ctx, in)
	if !errors.Is(err, ErrIntentRejected) {
		t.Fatalf("err = %v, want ErrIntentRejected", err)
	}
	if res.PlanState != planner.StatusUnwound {
		t.Errorf("plan state = %q, want unwound", res.PlanState)
	}
	if status, _ := e.st.MultiLegStatus(ctx, in.ID); status != planner.StatusUnwound {
		t.Errorf("persisted plan status = %q", status)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.quoteBTC(t)

	// A limit far below the ask rests on the paper book.
	order := types.Order{
		ID:         uuid.New(),
		BookID:     e.book.ID,
		VenueID:    "paperx",
		Instrument: "BTC-USD",
		Side:       types.BUY,
		Size:       0.1,
		OrderType:  types.OrderTypeLimit,
		Price:      40_000,
		Status:     types.OrderOpen,
		CreatedAt:  time.Now().UTC(),
	}
	placed, err := e.paper.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if placed.Status != types.OrderOpen {
		t.Fatalf("limit order status = %v, want resting", placed.Status)
	}
	if err := e.st.UpsertOrder(ctx, placed); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	if err := e.oms.CancelOrder(ctx, placed.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	stored, _ := e.st.GetOrder(ctx, placed.ID)
	if stored.Status != types.OrderCancelled {
		t.Errorf("status = %v, want cancelled", stored.Status)
	}

	// A second cancel hits the terminal check.
	if err := e.oms.CancelOrder(ctx, placed.ID); !errors.Is(err, ErrInvalidOrderState) {
		t.Errorf("repeat cancel err = %v, want ErrInvalidOrderState", err)
	}
}

func TestSetReduceOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if err := e.oms.SetReduceOnly(ctx, e.book.ID, "hedge drift"); err != nil {
		t.Fatalf("SetReduceOnly: %v", err)
	}
	book, err := e.st.GetBook(ctx, e.book.ID)
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if book.Status != types.BookReduceOnly {
		t.Errorf("book status = %v", book.Status)
	}
}

func TestValidTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to types.OrderStatus }{
		{types.OrderOpen, types.OrderFilled},
		{types.OrderOpen, types.OrderPartial},
		{types.OrderOpen, types.OrderCancelled},
		{types.OrderOpen, types.OrderRejected},
		{types.OrderPartial, types.OrderFilled},
		{types.OrderPartial, types.OrderCancelled},
		{types.OrderFilled, types.OrderFilled}, // idempotent re-write
	}
	for _, tt := range allowed {
		if !validTransition(tt.from, tt.to) {
			t.Errorf("%s → %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to types.OrderStatus }{
		{types.OrderFilled, types.OrderOpen},
		{types.OrderFilled, types.OrderCancelled},
		{types.OrderCancelled, types.OrderFilled},
		{types.OrderRejected, types.OrderOpen},
	}
	for _, tt := range denied {
		if validTransition(tt.from, tt.to) {
			t.Errorf("%s → %s should be denied", tt.from, tt.to)
		}
	}
}
