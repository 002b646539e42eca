package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

// QuoteFunc supplies the current market snapshot for an instrument. The
// supervisor wires this to the market-data service; tests supply a map.
type QuoteFunc func(instrument string) (types.MarketSnapshot, bool)

// PaperAdapter simulates a venue for dry runs and tests.
//
// Fills apply a random network latency (20–100 ms), uniform slippage
// (5–20 bps against the order), and a 10% chance of a partial fill in
// [0.5, 0.95] of the requested size. Limit orders rest until the market
// crosses the limit; stop orders trigger into market fills. The adapter
// tracks balances, positions, and resting orders so reconciliation can run
// against it. Seed the RNG for deterministic tests.
type PaperAdapter struct {
	name   string
	logger *slog.Logger
	quote  QuoteFunc

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	balances  map[string]float64
	positions map[string]*VenuePosition // by instrument
	resting   map[string]*VenueOrder    // by venue order ID
	failNext  error                     // test hook: next PlaceOrder fails with this
	zeroPrice bool                      // test hook: report fills with price 0
}

// NewPaperAdapter creates a simulator venue with the given starting cash.
func NewPaperAdapter(name string, seed int64, startingCash float64, quote QuoteFunc, logger *slog.Logger) *PaperAdapter {
	return &PaperAdapter{
		name:   name,
		logger: logger.With("component", "venue", "venue", name, "mode", "paper"),
		quote:  quote,
		rng:    rand.New(rand.NewSource(seed)),
		balances: map[string]float64{
			"USD": startingCash,
		},
		positions: make(map[string]*VenuePosition),
		resting:   make(map[string]*VenueOrder),
	}
}

// Name returns the venue name.
func (p *PaperAdapter) Name() string { return p.name }

// Connect marks the adapter ready.
func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("paper venue connected")
	return nil
}

// Disconnect marks the adapter offline.
func (p *PaperAdapter) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// FailNextPlace makes the next PlaceOrder return err. Test hook for
// unwind-path coverage.
func (p *PaperAdapter) FailNextPlace(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

// ReportZeroFillPrice makes simulated fills carry price 0. Test hook for
// the OMS fill-price validation path.
func (p *PaperAdapter) ReportZeroFillPrice(on bool) {
	p.mu.Lock()
	p.zeroPrice = on
	p.mu.Unlock()
}

// PlaceOrder simulates submission and fill of one order.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return order, err
	}

	latency := 20 + p.rng.Float64()*80 // ms
	order.LatencyMs = int64(latency)
	order.VenueOrderID = "paper-" + uuid.New().String()[:8]
	order.UpdatedAt = time.Now().UTC()

	snap, ok := p.quote(order.Instrument)
	if !ok || snap.DataQuality == types.QualityUnavailable {
		order.Status = types.OrderRejected
		return order, fmt.Errorf("no market data for %s", order.Instrument)
	}

	refPrice := p.referencePrice(order, snap)

	switch order.OrderType {
	case types.OrderTypeLimit:
		if !limitCrossed(order, snap) {
			// Rests on the book until the market crosses.
			order.Status = types.OrderOpen
			rest := &VenueOrder{
				VenueOrderID: order.VenueOrderID,
				Instrument:   order.Instrument,
				Side:         order.Side,
				Size:         order.Size,
				Price:        order.Price,
				Status:       "open",
			}
			p.resting[order.VenueOrderID] = rest
			return order, nil
		}
		// Marketable limit: fill at the better of limit and slipped market.
		if order.Side == types.BUY && order.Price < refPrice {
			refPrice = order.Price
		}
		if order.Side == types.SELL && order.Price > refPrice {
			refPrice = order.Price
		}
	case types.OrderTypeStop:
		if !stopTriggered(order, snap) {
			order.Status = types.OrderOpen
			p.resting[order.VenueOrderID] = &VenueOrder{
				VenueOrderID: order.VenueOrderID,
				Instrument:   order.Instrument,
				Side:         order.Side,
				Size:         order.Size,
				Price:        order.Price,
				Status:       "open",
			}
			return order, nil
		}
	}

	slippageBps := 5 + p.rng.Float64()*15
	fillPrice := refPrice * (1 + order.Side.Sign()*slippageBps/10000)

	fillSize := order.Size
	if p.rng.Float64() < 0.10 {
		fillSize = order.Size * (0.5 + p.rng.Float64()*0.45)
		order.Status = types.OrderPartial
	} else {
		order.Status = types.OrderFilled
	}

	order.FilledSize = fillSize
	order.FilledPrice = fillPrice
	order.SlippageBps = slippageBps
	if p.zeroPrice {
		order.FilledPrice = 0
	}

	p.applyFill(order)
	p.logger.Debug("paper fill",
		"instrument", order.Instrument, "side", order.Side,
		"size", fillSize, "price", order.FilledPrice, "status", order.Status)
	return order, nil
}

// referencePrice picks the adverse side of the book for a taker order.
func (p *PaperAdapter) referencePrice(order types.Order, snap types.MarketSnapshot) float64 {
	if order.Side == types.BUY {
		if snap.Ask > 0 {
			return snap.Ask
		}
	} else if snap.Bid > 0 {
		return snap.Bid
	}
	return snap.Mid
}

func limitCrossed(order types.Order, snap types.MarketSnapshot) bool {
	if order.Side == types.BUY {
		return snap.Ask > 0 && order.Price >= snap.Ask
	}
	return snap.Bid > 0 && order.Price <= snap.Bid
}

func stopTriggered(order types.Order, snap types.MarketSnapshot) bool {
	ref := snap.Last
	if ref == 0 {
		ref = snap.Mid
	}
	if order.Side == types.BUY {
		return ref >= order.Price
	}
	return ref <= order.Price
}

// applyFill updates simulated balances and positions. Held with p.mu.
func (p *PaperAdapter) applyFill(order types.Order) {
	notional := order.FilledSize * order.FilledPrice
	p.balances["USD"] -= order.Side.Sign() * notional

	pos, ok := p.positions[order.Instrument]
	if !ok {
		p.positions[order.Instrument] = &VenuePosition{
			Instrument: order.Instrument,
			Side:       order.Side,
			Size:       order.FilledSize,
			EntryPrice: order.FilledPrice,
			MarkPrice:  order.FilledPrice,
		}
		return
	}

	if pos.Side == order.Side {
		total := pos.Size + order.FilledSize
		if total > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Size + order.FilledPrice*order.FilledSize) / total
		}
		pos.Size = total
	} else {
		pos.Size -= order.FilledSize
		if pos.Size < 0 {
			pos.Side = order.Side
			pos.Size = -pos.Size
			pos.EntryPrice = order.FilledPrice
		}
	}
	pos.MarkPrice = order.FilledPrice
	if pos.Size == 0 {
		delete(p.positions, order.Instrument)
	}
}

// CancelOrder removes a resting order.
func (p *PaperAdapter) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resting[venueOrderID]; !ok {
		return false, nil
	}
	delete(p.resting, venueOrderID)
	return true, nil
}

// GetBalance returns the simulated balances.
func (p *PaperAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// SetBalance overrides one simulated balance. Test hook for inventory
// drift scenarios.
func (p *PaperAdapter) SetBalance(asset string, qty float64) {
	p.mu.Lock()
	p.balances[asset] = qty
	p.mu.Unlock()
}

// GetPositions returns the simulated open positions.
func (p *PaperAdapter) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]VenuePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetOpenOrders returns resting simulated orders.
func (p *PaperAdapter) GetOpenOrders(ctx context.Context) ([]VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]VenueOrder, 0, len(p.resting))
	for _, o := range p.resting {
		out = append(out, *o)
	}
	return out, nil
}

// GetTicker returns the current snapshot from the quote source, retagged
// as simulated.
func (p *PaperAdapter) GetTicker(ctx context.Context, instrument string) (types.MarketSnapshot, error) {
	snap, ok := p.quote(instrument)
	if !ok {
		return types.MarketSnapshot{}, fmt.Errorf("no market data for %s", instrument)
	}
	snap.Venue = p.name
	snap.DataQuality = types.QualitySimulated
	return snap, nil
}

// HealthCheck reports the simulated venue as healthy whenever connected.
func (p *PaperAdapter) HealthCheck(ctx context.Context) types.VenueHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := types.VenueHealthy
	if !p.connected {
		status = types.VenueOffline
	}
	return types.VenueHealth{
		VenueID:       p.name,
		Name:          p.name,
		Status:        status,
		LatencyMs:     50,
		LastHeartbeat: time.Now().UTC(),
		IsEnabled:     true,
	}
}
