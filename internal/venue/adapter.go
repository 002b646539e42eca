// Package venue implements the adapter layer between the engine and
// heterogeneous trading venues.
//
// An Adapter is a capability set, not a base class: paper and live
// implementations satisfy the same interface and register by name into a
// Registry. The live adapter speaks HMAC-authenticated REST plus a
// WebSocket market feed; the paper adapter simulates fills with seedable
// latency, slippage, and partial-fill behaviour for tests and dry runs.
package venue

import (
	"context"
	"fmt"
	"sync"

	"tradeforge/pkg/types"
)

// VenueOrder is a venue's view of one of our orders, as returned by
// GetOpenOrders. Status is the venue's raw status string; reconciliation
// normalises it.
type VenueOrder struct {
	VenueOrderID string
	Instrument   string
	Side         types.Side
	Size         float64
	Price        float64
	FilledSize   float64
	FilledPrice  float64
	Status       string
}

// VenuePosition is a venue's view of one open position.
type VenuePosition struct {
	Instrument string
	Side       types.Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
}

// Adapter is the capability set every venue integration provides.
//
// PlaceOrder returns the order with VenueOrderID, Status, FilledSize,
// FilledPrice, SlippageBps, and LatencyMs populated. It is never retried by
// the adapter: a transient failure surfaces to the OMS as a rejection and
// reconciliation catches up. Idempotent reads may retry internally.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	GetBalance(ctx context.Context) (map[string]float64, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	GetOpenOrders(ctx context.Context) ([]VenueOrder, error)
	GetTicker(ctx context.Context, instrument string) (types.MarketSnapshot, error)
	HealthCheck(ctx context.Context) types.VenueHealth
}

// Registry maps venue names to adapters. Registration happens at startup;
// lookups are read-mostly.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Re-registering a name
// replaces the previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a venue name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for venue %q", name)
	}
	return a, nil
}

// Names returns all registered venue names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}
