package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

type bookRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	Type             string    `db:"type"`
	CapitalAllocated float64   `db:"capital_allocated"`
	CurrentExposure  float64   `db:"current_exposure"`
	MaxExposure      float64   `db:"max_exposure"`
	MaxDrawdownLimit float64   `db:"max_drawdown_limit"`
	Status           string    `db:"status"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r bookRow) toBook() (types.Book, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return types.Book{}, fmt.Errorf("parse book id: %w", err)
	}
	return types.Book{
		ID:               id,
		Name:             r.Name,
		Type:             r.Type,
		CapitalAllocated: r.CapitalAllocated,
		CurrentExposure:  r.CurrentExposure,
		MaxExposure:      r.MaxExposure,
		MaxDrawdownLimit: r.MaxDrawdownLimit,
		Status:           types.BookStatus(r.Status),
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

// UpsertBook inserts or replaces a book row.
func (s *Store) UpsertBook(ctx context.Context, b types.Book) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, name, type, capital_allocated, current_exposure,
			max_exposure, max_drawdown_limit, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capital_allocated = excluded.capital_allocated,
			current_exposure = excluded.current_exposure,
			max_exposure = excluded.max_exposure,
			max_drawdown_limit = excluded.max_drawdown_limit,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		b.ID.String(), b.Name, b.Type, b.CapitalAllocated, b.CurrentExposure,
		b.MaxExposure, b.MaxDrawdownLimit, string(b.Status), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}
	return nil
}

// GetBook fetches one book by ID.
func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (types.Book, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row bookRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM books WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return types.Book{}, ErrNotFound
	}
	if err != nil {
		return types.Book{}, fmt.Errorf("get book: %w", err)
	}
	return row.toBook()
}

// ListBooks returns all books.
func (s *Store) ListBooks(ctx context.Context) ([]types.Book, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []bookRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM books ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	books := make([]types.Book, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBook()
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

// AdjustBookExposure atomically applies a signed exposure delta to one book.
// Exposure mutations are serialised per book by the single-writer OMS; this
// statement keeps the read-modify-write inside the database regardless.
func (s *Store) AdjustBookExposure(ctx context.Context, bookID uuid.UUID, delta float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE books SET current_exposure = current_exposure + ?, updated_at = ?
		WHERE id = ?`,
		delta, time.Now().UTC(), bookID.String())
	if err != nil {
		return fmt.Errorf("adjust book exposure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBookStatus flips a book's status flag. Callers are responsible for the
// accompanying audit record.
func (s *Store) SetBookStatus(ctx context.Context, bookID uuid.UUID, status types.BookStatus) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE books SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), bookID.String())
	if err != nil {
		return fmt.Errorf("set book status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Venues
// ————————————————————————————————————————————————————————————————————————

type venueRow struct {
	ID                   string       `db:"id"`
	Name                 string       `db:"name"`
	VenueType            string       `db:"venue_type"`
	Status               string       `db:"status"`
	LatencyMs            int64        `db:"latency_ms"`
	ErrorRate            float64      `db:"error_rate"`
	LastHeartbeat        sql.NullTime `db:"last_heartbeat"`
	IsEnabled            bool         `db:"is_enabled"`
	SupportedInstruments string       `db:"supported_instruments"`
}

// UpsertVenueHealth records the latest health reading for a venue.
func (s *Store) UpsertVenueHealth(ctx context.Context, h types.VenueHealth) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	instruments, err := json.Marshal(h.SupportedInstruments)
	if err != nil {
		return fmt.Errorf("marshal instruments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO venues (id, name, venue_type, status, latency_ms, error_rate,
			last_heartbeat, is_enabled, supported_instruments)
		VALUES (?, ?, 'spot', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			latency_ms = excluded.latency_ms,
			error_rate = excluded.error_rate,
			last_heartbeat = excluded.last_heartbeat,
			is_enabled = excluded.is_enabled,
			supported_instruments = excluded.supported_instruments`,
		h.VenueID, h.Name, string(h.Status), h.LatencyMs, h.ErrorRate,
		h.LastHeartbeat, h.IsEnabled, string(instruments))
	if err != nil {
		return fmt.Errorf("upsert venue health: %w", err)
	}
	return nil
}

// GetVenueHealth returns the stored health row for one venue.
func (s *Store) GetVenueHealth(ctx context.Context, venueID string) (types.VenueHealth, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row venueRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM venues WHERE id = ?`, venueID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.VenueHealth{}, ErrNotFound
	}
	if err != nil {
		return types.VenueHealth{}, fmt.Errorf("get venue health: %w", err)
	}

	var instruments []string
	if err := json.Unmarshal([]byte(row.SupportedInstruments), &instruments); err != nil {
		instruments = nil
	}
	h := types.VenueHealth{
		VenueID:              row.ID,
		Name:                 row.Name,
		Status:               types.VenueStatus(row.Status),
		LatencyMs:            row.LatencyMs,
		ErrorRate:            row.ErrorRate,
		IsEnabled:            row.IsEnabled,
		SupportedInstruments: instruments,
	}
	if row.LastHeartbeat.Valid {
		h.LastHeartbeat = row.LastHeartbeat.Time
	}
	return h, nil
}

// ————————————————————————————————————————————————————————————————————————
// Venue inventory
// ————————————————————————————————————————————————————————————————————————

// UpsertVenueInventory records internally-tracked inventory for a venue asset.
func (s *Store) UpsertVenueInventory(ctx context.Context, tenantID, venueID, instrument string, qty float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO venue_inventory (tenant_id, venue_id, instrument, available_qty)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, venue_id, instrument) DO UPDATE SET
			available_qty = excluded.available_qty`,
		tenantID, venueID, instrument, qty)
	if err != nil {
		return fmt.Errorf("upsert venue inventory: %w", err)
	}
	return nil
}

// VenueInventory returns instrument → recorded quantity for one venue.
func (s *Store) VenueInventory(ctx context.Context, tenantID, venueID string) (map[string]float64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []struct {
		Instrument   string  `db:"instrument"`
		AvailableQty float64 `db:"available_qty"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT instrument, available_qty FROM venue_inventory
		WHERE tenant_id = ? AND venue_id = ?`,
		tenantID, venueID)
	if err != nil {
		return nil, fmt.Errorf("venue inventory: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Instrument] = r.AvailableQty
	}
	return out, nil
}
