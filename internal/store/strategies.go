package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StrategyRow is the persisted strategy record read by the allocator.
type StrategyRow struct {
	ID               string         `db:"id"`
	TenantID         string         `db:"tenant_id"`
	Name             string         `db:"name"`
	StrategyType     string         `db:"strategy_type"`
	Enabled          bool           `db:"enabled"`
	MaxNotional      float64        `db:"max_notional"`
	MinNotional      float64        `db:"min_notional"`
	CapacityEstimate float64        `db:"capacity_estimate"`
	BookID           sql.NullString `db:"book_id"`
	Parameters       string         `db:"parameters"`
	CreatedAt        time.Time      `db:"created_at"`
}

// UpsertStrategy inserts or updates a strategy row.
func (s *Store) UpsertStrategy(ctx context.Context, row StrategyRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO strategies (id, tenant_id, name, strategy_type, enabled,
			max_notional, min_notional, capacity_estimate, book_id, parameters, created_at)
		VALUES (:id, :tenant_id, :name, :strategy_type, :enabled,
			:max_notional, :min_notional, :capacity_estimate, :book_id, :parameters, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			strategy_type = excluded.strategy_type,
			enabled = excluded.enabled,
			max_notional = excluded.max_notional,
			min_notional = excluded.min_notional,
			capacity_estimate = excluded.capacity_estimate,
			book_id = excluded.book_id,
			parameters = excluded.parameters`,
		row)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

// SetStrategyEnabled flips a strategy's enabled flag.
func (s *Store) SetStrategyEnabled(ctx context.Context, strategyID string, enabled bool) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET enabled = ? WHERE id = ?`, enabled, strategyID)
	if err != nil {
		return fmt.Errorf("set strategy enabled: %w", err)
	}
	return nil
}

// ListStrategies returns all strategy rows for a tenant.
func (s *Store) ListStrategies(ctx context.Context, tenantID string) ([]StrategyRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []StrategyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM strategies WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Allocations
// ————————————————————————————————————————————————————————————————————————

// AllocationRow mirrors strategy_allocations.
type AllocationRow struct {
	TenantID         string    `db:"tenant_id"`
	StrategyID       string    `db:"strategy_id"`
	AllocatedCapital float64   `db:"allocated_capital"`
	AllocationPct    float64   `db:"allocation_pct"`
	LeverageCap      float64   `db:"leverage_cap"`
	RiskMultiplier   float64   `db:"risk_multiplier"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// UpsertAllocation writes one strategy's allocation.
func (s *Store) UpsertAllocation(ctx context.Context, row AllocationRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	row.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO strategy_allocations (tenant_id, strategy_id, allocated_capital,
			allocation_pct, leverage_cap, risk_multiplier, updated_at)
		VALUES (:tenant_id, :strategy_id, :allocated_capital,
			:allocation_pct, :leverage_cap, :risk_multiplier, :updated_at)
		ON CONFLICT(tenant_id, strategy_id) DO UPDATE SET
			allocated_capital = excluded.allocated_capital,
			allocation_pct = excluded.allocation_pct,
			leverage_cap = excluded.leverage_cap,
			risk_multiplier = excluded.risk_multiplier,
			updated_at = excluded.updated_at`,
		row)
	if err != nil {
		return fmt.Errorf("upsert allocation: %w", err)
	}
	return nil
}

// ListAllocations returns all allocations for a tenant.
func (s *Store) ListAllocations(ctx context.Context, tenantID string) ([]AllocationRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []AllocationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM strategy_allocations WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return rows, nil
}

// InsertAllocatorDecision records one allocation run with its regime
// snapshot and rationale.
func (s *Store) InsertAllocatorDecision(ctx context.Context, tenantID, decisionID, regimeJSON, snapshotJSON, rationaleJSON string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocator_decisions (tenant_id, decision_id, regime_state,
			allocation_snapshot_json, rationale_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, decisionID, regimeJSON, snapshotJSON, rationaleJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert allocator decision: %w", err)
	}
	return nil
}

// LatestAllocatorDecision returns the most recent decision ID for a tenant,
// or "" when none exists.
func (s *Store) LatestAllocatorDecision(ctx context.Context, tenantID string) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT decision_id FROM allocator_decisions
		WHERE tenant_id = ? ORDER BY ts DESC LIMIT 1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest allocator decision: %w", err)
	}
	return id, nil
}

// ————————————————————————————————————————————————————————————————————————
// Performance and risk metrics
// ————————————————————————————————————————————————————————————————————————

// PerformanceRow mirrors strategy_performance.
type PerformanceRow struct {
	TenantID    string    `db:"tenant_id"`
	StrategyID  string    `db:"strategy_id"`
	Window      string    `db:"window"`
	Pnl         float64   `db:"pnl"`
	Sharpe      float64   `db:"sharpe"`
	Sortino     float64   `db:"sortino"`
	MaxDrawdown float64   `db:"max_drawdown"`
	WinRate     float64   `db:"win_rate"`
	Turnover    float64   `db:"turnover"`
	Ts          time.Time `db:"ts"`
}

// InsertPerformance appends a strategy performance sample.
func (s *Store) InsertPerformance(ctx context.Context, row PerformanceRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if row.Ts.IsZero() {
		row.Ts = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO strategy_performance (tenant_id, strategy_id, window, pnl,
			sharpe, sortino, max_drawdown, win_rate, turnover, ts)
		VALUES (:tenant_id, :strategy_id, :window, :pnl,
			:sharpe, :sortino, :max_drawdown, :win_rate, :turnover, :ts)`,
		row)
	if err != nil {
		return fmt.Errorf("insert performance: %w", err)
	}
	return nil
}

// LatestPerformance returns each strategy's most recent performance row.
func (s *Store) LatestPerformance(ctx context.Context, tenantID string) (map[string]PerformanceRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []PerformanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM strategy_performance WHERE tenant_id = ? ORDER BY ts DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("latest performance: %w", err)
	}
	out := make(map[string]PerformanceRow)
	for _, r := range rows {
		if _, seen := out[r.StrategyID]; !seen {
			out[r.StrategyID] = r
		}
	}
	return out, nil
}

// RiskMetricsRow mirrors strategy_risk_metrics.
type RiskMetricsRow struct {
	TenantID           string    `db:"tenant_id"`
	StrategyID         string    `db:"strategy_id"`
	GrossExposure      float64   `db:"gross_exposure"`
	NetExposure        float64   `db:"net_exposure"`
	VarEstimate        float64   `db:"var_estimate"`
	StressLossEstimate float64   `db:"stress_loss_estimate"`
	CorrelationCluster string    `db:"correlation_cluster"`
	Ts                 time.Time `db:"ts"`
}

// InsertRiskMetrics appends a strategy risk sample.
func (s *Store) InsertRiskMetrics(ctx context.Context, row RiskMetricsRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if row.Ts.IsZero() {
		row.Ts = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO strategy_risk_metrics (tenant_id, strategy_id, gross_exposure,
			net_exposure, var_estimate, stress_loss_estimate, correlation_cluster, ts)
		VALUES (:tenant_id, :strategy_id, :gross_exposure,
			:net_exposure, :var_estimate, :stress_loss_estimate, :correlation_cluster, :ts)`,
		row)
	if err != nil {
		return fmt.Errorf("insert risk metrics: %w", err)
	}
	return nil
}

// LatestRiskMetrics returns each strategy's most recent risk row.
func (s *Store) LatestRiskMetrics(ctx context.Context, tenantID string) (map[string]RiskMetricsRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []RiskMetricsRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM strategy_risk_metrics WHERE tenant_id = ? ORDER BY ts DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("latest risk metrics: %w", err)
	}
	out := make(map[string]RiskMetricsRow)
	for _, r := range rows {
		if _, seen := out[r.StrategyID]; !seen {
			out[r.StrategyID] = r
		}
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy positions (basis hedge view)
// ————————————————————————————————————————————————————————————————————————

// StrategyPositionRow mirrors strategy_positions: the spot/deriv hedge view
// maintained by the OMS for basis strategies.
type StrategyPositionRow struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	StrategyID    string    `db:"strategy_id"`
	Instrument    string    `db:"instrument"`
	SpotPosition  float64   `db:"spot_position"`
	DerivPosition float64   `db:"deriv_position"`
	HedgedRatio   float64   `db:"hedged_ratio"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// UpsertStrategyPosition writes the hedge view for (strategy, instrument).
func (s *Store) UpsertStrategyPosition(ctx context.Context, row StrategyPositionRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	row.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO strategy_positions (id, tenant_id, strategy_id, instrument,
			spot_position, deriv_position, hedged_ratio, updated_at)
		VALUES (:id, :tenant_id, :strategy_id, :instrument,
			:spot_position, :deriv_position, :hedged_ratio, :updated_at)
		ON CONFLICT(strategy_id, instrument) DO UPDATE SET
			spot_position = excluded.spot_position,
			deriv_position = excluded.deriv_position,
			hedged_ratio = excluded.hedged_ratio,
			updated_at = excluded.updated_at`,
		row)
	if err != nil {
		return fmt.Errorf("upsert strategy position: %w", err)
	}
	return nil
}

// GetStrategyPosition returns the hedge view for (strategy, instrument).
func (s *Store) GetStrategyPosition(ctx context.Context, strategyID, instrument string) (StrategyPositionRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var row StrategyPositionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM strategy_positions WHERE strategy_id = ? AND instrument = ?`,
		strategyID, instrument)
	if errors.Is(err, sql.ErrNoRows) {
		return StrategyPositionRow{}, ErrNotFound
	}
	if err != nil {
		return StrategyPositionRow{}, fmt.Errorf("get strategy position: %w", err)
	}
	return row, nil
}

// ListStrategyPositions returns all hedge views for a tenant.
func (s *Store) ListStrategyPositions(ctx context.Context, tenantID string) ([]StrategyPositionRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []StrategyPositionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM strategy_positions WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list strategy positions: %w", err)
	}
	return rows, nil
}
