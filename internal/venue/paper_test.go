package venue

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticQuote(bid, ask float64) QuoteFunc {
	return func(instrument string) (types.MarketSnapshot, bool) {
		return types.MarketSnapshot{
			Venue:       "paper",
			Instrument:  instrument,
			Bid:         bid,
			Ask:         ask,
			Mid:         (bid + ask) / 2,
			Last:        (bid + ask) / 2,
			EventTime:   time.Now().UTC(),
			DataQuality: types.QualitySimulated,
		}, true
	}
}

func marketOrder(side types.Side, size float64) types.Order {
	return types.Order{
		ID:         uuid.New(),
		Instrument: "BTC-USD",
		Side:       side,
		Size:       size,
		OrderType:  types.OrderTypeMarket,
		Status:     types.OrderOpen,
	}
}

func TestPaperMarketOrderFills(t *testing.T) {
	t.Parallel()
	p := NewPaperAdapter("paper", 1, 1_000_000, staticQuote(50_000, 50_100), discardLogger())
	ctx := context.Background()

	got, err := p.PlaceOrder(ctx, marketOrder(types.BUY, 0.5))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got.Status != types.OrderFilled && got.Status != types.OrderPartial {
		t.Fatalf("status = %q, want filled or partial", got.Status)
	}
	if got.VenueOrderID == "" {
		t.Error("no venue order ID assigned")
	}
	// Buys pay at or above the ask; slippage is 5-20 bps.
	if got.FilledPrice < 50_100 || got.FilledPrice > 50_100*1.0025 {
		t.Errorf("fill price %v outside slipped ask range", got.FilledPrice)
	}
	if got.FilledSize <= 0 || got.FilledSize > 0.5 {
		t.Errorf("fill size = %v", got.FilledSize)
	}
	if got.LatencyMs < 20 || got.LatencyMs > 100 {
		t.Errorf("latency = %dms, want 20-100", got.LatencyMs)
	}

	// The fill shows up in balances and positions.
	bal, _ := p.GetBalance(ctx)
	if bal["USD"] >= 1_000_000 {
		t.Errorf("buy did not debit cash: %v", bal["USD"])
	}
	positions, _ := p.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Side != types.BUY {
		t.Errorf("positions = %+v", positions)
	}
}

func TestPaperDeterministicWithSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	run := func() []types.Order {
		p := NewPaperAdapter("paper", 42, 1_000_000, staticQuote(50_000, 50_100), discardLogger())
		var fills []types.Order
		for i := 0; i < 20; i++ {
			o, err := p.PlaceOrder(ctx, marketOrder(types.BUY, 0.1))
			if err != nil {
				t.Fatalf("PlaceOrder: %v", err)
			}
			fills = append(fills, o)
		}
		return fills
	}

	a, b := run(), run()
	for i := range a {
		if a[i].FilledPrice != b[i].FilledPrice || a[i].FilledSize != b[i].FilledSize ||
			a[i].Status != b[i].Status {
			t.Fatalf("fill %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestPaperLimitOrderRestsAndCancels(t *testing.T) {
	t.Parallel()
	p := NewPaperAdapter("paper", 1, 1_000_000, staticQuote(50_000, 50_100), discardLogger())
	ctx := context.Background()

	o := marketOrder(types.BUY, 1)
	o.OrderType = types.OrderTypeLimit
	o.Price = 49_000 // below the ask: rests

	got, err := p.PlaceOrder(ctx, o)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got.Status != types.OrderOpen {
		t.Fatalf("status = %q, want open", got.Status)
	}

	open, _ := p.GetOpenOrders(ctx)
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	ok, err := p.CancelOrder(ctx, got.VenueOrderID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v", ok, err)
	}
	open, _ = p.GetOpenOrders(ctx)
	if len(open) != 0 {
		t.Error("cancelled order still resting")
	}

	// Cancelling again is a no-op, not an error.
	ok, err = p.CancelOrder(ctx, got.VenueOrderID)
	if err != nil || ok {
		t.Errorf("second cancel = %v, %v, want false, nil", ok, err)
	}
}

func TestPaperMarketableLimitFillsAtLimitOrBetter(t *testing.T) {
	t.Parallel()
	p := NewPaperAdapter("paper", 1, 1_000_000, staticQuote(50_000, 50_100), discardLogger())

	o := marketOrder(types.BUY, 0.5)
	o.OrderType = types.OrderTypeLimit
	o.Price = 50_200 // crosses the ask

	got, err := p.PlaceOrder(context.Background(), o)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if got.Status == types.OrderOpen {
		t.Fatal("marketable limit rested instead of filling")
	}
	// Fill can slip past the ask but never past the limit by more than the
	// slippage band applied to the limit itself.
	if got.FilledPrice > o.Price*1.0025 {
		t.Errorf("fill price %v blew through the limit", got.FilledPrice)
	}
}

func TestPaperRejectsWithoutMarketData(t *testing.T) {
	t.Parallel()
	noQuote := func(string) (types.MarketSnapshot, bool) { return types.MarketSnapshot{}, false }
	p := NewPaperAdapter("paper", 1, 1_000_000, noQuote, discardLogger())

	got, err := p.PlaceOrder(context.Background(), marketOrder(types.BUY, 1))
	if err == nil {
		t.Fatal("expected error without market data")
	}
	if got.Status != types.OrderRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
}

func TestPaperFailNextPlace(t *testing.T) {
	t.Parallel()
	p := NewPaperAdapter("paper", 1, 1_000_000, staticQuote(50_000, 50_100), discardLogger())
	ctx := context.Background()

	sentinel := errors.New("venue exploded")
	p.FailNextPlace(sentinel)

	if _, err := p.PlaceOrder(ctx, marketOrder(types.BUY, 1)); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	// The hook is one-shot.
	if _, err := p.PlaceOrder(ctx, marketOrder(types.BUY, 1)); err != nil {
		t.Fatalf("second place failed: %v", err)
	}
}

func TestPaperHealthTracksConnection(t *testing.T) {
	t.Parallel()
	p := NewPaperAdapter("paper", 1, 1_000_000, staticQuote(1, 2), discardLogger())
	ctx := context.Background()

	if h := p.HealthCheck(ctx); h.Status != types.VenueOffline {
		t.Errorf("status before connect = %q, want offline", h.Status)
	}
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h := p.HealthCheck(ctx); h.Status != types.VenueHealthy {
		t.Errorf("status after connect = %q, want healthy", h.Status)
	}
	if err := p.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if h := p.HealthCheck(ctx); h.Status != types.VenueOffline {
		t.Errorf("status after disconnect = %q, want offline", h.Status)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	p := NewPaperAdapter("paper", 1, 0, staticQuote(1, 2), discardLogger())
	r.Register(p)

	got, err := r.Get("paper")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "paper" {
		t.Errorf("name = %q", got.Name())
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown venue")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "paper" {
		t.Errorf("names = %v", names)
	}
}
