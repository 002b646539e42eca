// Package store is the relational facade for all persisted engine state:
// orders, positions, books, strategies, allocations, reconciliation and
// execution telemetry, audit log, and alerts.
//
// Backed by SQLite through sqlx. The schema is created on open, so a fresh
// database file (or ":memory:" in tests) is immediately usable. The OMS is
// the only caller allowed to write order rows; everything else reads.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps the database handle. All methods take a context and apply
// the configured per-call timeout.
type Store struct {
	db      *sqlx.DB
	logger  *slog.Logger
	timeout time.Duration
}

// Open connects to the SQLite database at dsn (":memory:" for tests),
// applies the schema, and returns the facade.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; serialise access through a single conn to
	// avoid SQLITE_BUSY under concurrent loops.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		logger:  logger.With("component", "store"),
		timeout: 10 * time.Second,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		venue_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		order_type TEXT NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		filled_size REAL NOT NULL DEFAULT 0,
		filled_price REAL NOT NULL DEFAULT 0,
		slippage_bps REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		venue_order_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_venue_status ON orders(venue_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL,
		venue_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		mark_price REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		is_open INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_book ON positions(book_id, is_open)`,

	`CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		capital_allocated REAL NOT NULL,
		current_exposure REAL NOT NULL DEFAULT 0,
		max_exposure REAL NOT NULL DEFAULT 0,
		max_drawdown_limit REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS venues (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		venue_type TEXT NOT NULL DEFAULT 'spot',
		status TEXT NOT NULL DEFAULT 'healthy',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error_rate REAL NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMP,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		supported_instruments TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS instruments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		venue_id TEXT NOT NULL,
		venue_symbol TEXT NOT NULL,
		common_symbol TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		strategy_type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		max_notional REAL NOT NULL DEFAULT 0,
		min_notional REAL NOT NULL DEFAULT 0,
		capacity_estimate REAL NOT NULL DEFAULT 0,
		book_id TEXT,
		parameters TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_allocations (
		tenant_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL,
		allocated_capital REAL NOT NULL,
		allocation_pct REAL NOT NULL,
		leverage_cap REAL NOT NULL DEFAULT 1,
		risk_multiplier REAL NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, strategy_id)
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_performance (
		tenant_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL,
		window TEXT NOT NULL DEFAULT '30d',
		pnl REAL NOT NULL DEFAULT 0,
		sharpe REAL NOT NULL DEFAULT 0,
		sortino REAL NOT NULL DEFAULT 0,
		max_drawdown REAL NOT NULL DEFAULT 0,
		win_rate REAL NOT NULL DEFAULT 0,
		turnover REAL NOT NULL DEFAULT 0,
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_performance_ts ON strategy_performance(strategy_id, ts)`,

	`CREATE TABLE IF NOT EXISTS strategy_risk_metrics (
		tenant_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL,
		gross_exposure REAL NOT NULL DEFAULT 0,
		net_exposure REAL NOT NULL DEFAULT 0,
		var_estimate REAL NOT NULL DEFAULT 0,
		stress_loss_estimate REAL NOT NULL DEFAULT 0,
		correlation_cluster TEXT NOT NULL DEFAULT '',
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_risk_ts ON strategy_risk_metrics(strategy_id, ts)`,

	`CREATE TABLE IF NOT EXISTS strategy_positions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		spot_position REAL NOT NULL DEFAULT 0,
		deriv_position REAL NOT NULL DEFAULT 0,
		hedged_ratio REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategy_positions_key
		ON strategy_positions(strategy_id, instrument)`,

	`CREATE TABLE IF NOT EXISTS venue_inventory (
		tenant_id TEXT NOT NULL DEFAULT '',
		venue_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		available_qty REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, venue_id, instrument)
	)`,

	`CREATE TABLE IF NOT EXISTS multi_leg_intents (
		tenant_id TEXT NOT NULL DEFAULT '',
		intent_id TEXT PRIMARY KEY,
		legs_json TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		status TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS leg_events (
		tenant_id TEXT NOT NULL DEFAULT '',
		intent_id TEXT NOT NULL,
		leg_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leg_events_intent ON leg_events(intent_id, ts)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		book_id TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		before_state TEXT,
		after_state TEXT,
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, ts)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS kill_switches (
		scope TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS arb_spreads (
		id TEXT PRIMARY KEY,
		instrument TEXT NOT NULL,
		buy_venue TEXT NOT NULL,
		sell_venue TEXT NOT NULL,
		spread_bps REAL NOT NULL,
		liquidity_score REAL NOT NULL DEFAULT 0,
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_arb_spreads_ts ON arb_spreads(ts)`,

	`CREATE TABLE IF NOT EXISTS basis_quotes (
		id TEXT PRIMARY KEY,
		venue TEXT NOT NULL,
		spot_instrument TEXT NOT NULL,
		perp_instrument TEXT NOT NULL,
		basis_bps REAL NOT NULL,
		funding_rate_bps REAL NOT NULL DEFAULT 0,
		ts TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS spot_quotes (
		id TEXT PRIMARY KEY,
		venue TEXT NOT NULL,
		instrument TEXT NOT NULL,
		bid REAL NOT NULL,
		ask REAL NOT NULL,
		mid REAL NOT NULL,
		ts TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS funding_rates (
		id TEXT PRIMARY KEY,
		venue TEXT NOT NULL,
		instrument TEXT NOT NULL,
		rate_bps REAL NOT NULL,
		ts TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_regimes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		volatility TEXT NOT NULL,
		liquidity TEXT NOT NULL,
		risk_bias TEXT NOT NULL,
		regime_state TEXT NOT NULL DEFAULT '{}',
		ts TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS allocator_decisions (
		tenant_id TEXT NOT NULL DEFAULT '',
		decision_id TEXT PRIMARY KEY,
		regime_state TEXT NOT NULL DEFAULT '{}',
		allocation_snapshot_json TEXT NOT NULL DEFAULT '[]',
		rationale_json TEXT NOT NULL DEFAULT '[]',
		ts TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS backtests (
		id TEXT PRIMARY KEY,
		strategy_name TEXT NOT NULL,
		config_json TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS walk_forward_results (
		id TEXT PRIMARY KEY,
		strategy_name TEXT NOT NULL,
		config_json TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}
