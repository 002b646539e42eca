package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

type orderRow struct {
	ID           string    `db:"id"`
	BookID       string    `db:"book_id"`
	StrategyID   string    `db:"strategy_id"`
	VenueID      string    `db:"venue_id"`
	Instrument   string    `db:"instrument"`
	Side         string    `db:"side"`
	Size         float64   `db:"size"`
	OrderType    string    `db:"order_type"`
	Price        float64   `db:"price"`
	Status       string    `db:"status"`
	FilledSize   float64   `db:"filled_size"`
	FilledPrice  float64   `db:"filled_price"`
	SlippageBps  float64   `db:"slippage_bps"`
	LatencyMs    int64     `db:"latency_ms"`
	VenueOrderID string    `db:"venue_order_id"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func orderToRow(o types.Order) orderRow {
	return orderRow{
		ID:           o.ID.String(),
		BookID:       o.BookID.String(),
		StrategyID:   o.StrategyID.String(),
		VenueID:      o.VenueID,
		Instrument:   o.Instrument,
		Side:         string(o.Side),
		Size:         o.Size,
		OrderType:    string(o.OrderType),
		Price:        o.Price,
		Status:       string(o.Status),
		FilledSize:   o.FilledSize,
		FilledPrice:  o.FilledPrice,
		SlippageBps:  o.SlippageBps,
		LatencyMs:    o.LatencyMs,
		VenueOrderID: o.VenueOrderID,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func (r orderRow) toOrder() (types.Order, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse order id: %w", err)
	}
	bookID, err := uuid.Parse(r.BookID)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse book id: %w", err)
	}
	strategyID, err := uuid.Parse(r.StrategyID)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse strategy id: %w", err)
	}
	return types.Order{
		ID:           id,
		BookID:       bookID,
		StrategyID:   strategyID,
		VenueID:      r.VenueID,
		Instrument:   r.Instrument,
		Side:         types.Side(r.Side),
		Size:         r.Size,
		OrderType:    types.OrderType(r.OrderType),
		Price:        r.Price,
		Status:       types.OrderStatus(r.Status),
		FilledSize:   r.FilledSize,
		FilledPrice:  r.FilledPrice,
		SlippageBps:  r.SlippageBps,
		LatencyMs:    r.LatencyMs,
		VenueOrderID: r.VenueOrderID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// UpsertOrder inserts or replaces the order row. Only the OMS calls this.
func (s *Store) UpsertOrder(ctx context.Context, o types.Order) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, book_id, strategy_id, venue_id, instrument, side, size,
			order_type, price, status, filled_size, filled_price, slippage_bps,
			latency_ms, venue_order_id, created_at, updated_at)
		VALUES (:id, :book_id, :strategy_id, :venue_id, :instrument, :side, :size,
			:order_type, :price, :status, :filled_size, :filled_price, :slippage_bps,
			:latency_ms, :venue_order_id, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			size = excluded.size,
			price = excluded.price,
			filled_size = excluded.filled_size,
			filled_price = excluded.filled_price,
			slippage_bps = excluded.slippage_bps,
			latency_ms = excluded.latency_ms,
			venue_order_id = excluded.venue_order_id,
			updated_at = excluded.updated_at`,
		orderToRow(o))
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// GetOrder fetches one order by ID.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (types.Order, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM orders WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, ErrNotFound
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("get order: %w", err)
	}
	return row.toOrder()
}

// OpenOrdersByVenue returns non-terminal orders created within the lookback
// window for one venue. Used by reconciliation.
func (s *Store) OpenOrdersByVenue(ctx context.Context, venueID string, since time.Time) ([]types.Order, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE venue_id = ? AND status IN ('open', 'partial') AND created_at >= ?
		ORDER BY created_at`,
		venueID, since)
	if err != nil {
		return nil, fmt.Errorf("open orders by venue: %w", err)
	}
	return rowsToOrders(rows)
}

// OrdersByStrategy returns all orders for a strategy since the given time,
// newest first. Used by the strategy metrics refresh.
func (s *Store) OrdersByStrategy(ctx context.Context, strategyID uuid.UUID, since time.Time) ([]types.Order, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE strategy_id = ? AND created_at >= ?
		ORDER BY created_at DESC`,
		strategyID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("orders by strategy: %w", err)
	}
	return rowsToOrders(rows)
}

func rowsToOrders(rows []orderRow) ([]types.Order, error) {
	orders := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type positionRow struct {
	ID            string  `db:"id"`
	BookID        string  `db:"book_id"`
	VenueID       string  `db:"venue_id"`
	Instrument    string  `db:"instrument"`
	Side          string  `db:"side"`
	Size          float64 `db:"size"`
	EntryPrice    float64 `db:"entry_price"`
	MarkPrice     float64 `db:"mark_price"`
	UnrealizedPnl float64 `db:"unrealized_pnl"`
	RealizedPnl   float64 `db:"realized_pnl"`
	IsOpen        bool    `db:"is_open"`
}

func (r positionRow) toPosition() (types.Position, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return types.Position{}, fmt.Errorf("parse position id: %w", err)
	}
	bookID, err := uuid.Parse(r.BookID)
	if err != nil {
		return types.Position{}, fmt.Errorf("parse book id: %w", err)
	}
	return types.Position{
		ID:            id,
		BookID:        bookID,
		VenueID:       r.VenueID,
		Instrument:    r.Instrument,
		Side:          types.Side(r.Side),
		Size:          r.Size,
		EntryPrice:    r.EntryPrice,
		MarkPrice:     r.MarkPrice,
		UnrealizedPnl: r.UnrealizedPnl,
		RealizedPnl:   r.RealizedPnl,
		IsOpen:        r.IsOpen,
	}, nil
}

// UpsertPosition inserts or replaces a position row.
func (s *Store) UpsertPosition(ctx context.Context, p types.Position) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, book_id, venue_id, instrument, side, size,
			entry_price, mark_price, unrealized_pnl, realized_pnl, is_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			mark_price = excluded.mark_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			is_open = excluded.is_open`,
		p.ID.String(), p.BookID.String(), p.VenueID, p.Instrument, string(p.Side),
		p.Size, p.EntryPrice, p.MarkPrice, p.UnrealizedPnl, p.RealizedPnl, p.IsOpen)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// OpenPositions returns open positions, optionally filtered by venue
// (empty venueID matches all).
func (s *Store) OpenPositions(ctx context.Context, venueID string) ([]types.Position, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `SELECT * FROM positions WHERE is_open = 1`
	args := []any{}
	if venueID != "" {
		query += ` AND venue_id = ?`
		args = append(args, venueID)
	}

	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	positions := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// OpenPositionFor returns the open position for (book, venue, instrument),
// or ErrNotFound.
func (s *Store) OpenPositionFor(ctx context.Context, bookID uuid.UUID, venueID, instrument string) (types.Position, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row positionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM positions
		WHERE book_id = ? AND venue_id = ? AND instrument = ? AND is_open = 1`,
		bookID.String(), venueID, instrument)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, ErrNotFound
	}
	if err != nil {
		return types.Position{}, fmt.Errorf("open position for: %w", err)
	}
	return row.toPosition()
}
