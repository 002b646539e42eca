package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

// InsertMultiLegIntent records a multi-leg plan before execution begins.
func (s *Store) InsertMultiLegIntent(ctx context.Context, tenantID string, intentID uuid.UUID, plan types.ExecutionPlan, status string) error {
	legs, err := json.Marshal(plan.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO multi_leg_intents (tenant_id, intent_id, legs_json, execution_mode, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO UPDATE SET
			legs_json = excluded.legs_json,
			execution_mode = excluded.execution_mode,
			status = excluded.status`,
		tenantID, intentID.String(), string(legs), string(plan.Mode), status)
	if err != nil {
		return fmt.Errorf("insert multi-leg intent: %w", err)
	}
	return nil
}

// SetMultiLegStatus updates the terminal state of a multi-leg intent.
func (s *Store) SetMultiLegStatus(ctx context.Context, intentID uuid.UUID, status string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE multi_leg_intents SET status = ? WHERE intent_id = ?`,
		status, intentID.String())
	if err != nil {
		return fmt.Errorf("set multi-leg status: %w", err)
	}
	return nil
}

// MultiLegStatus returns the recorded status for an intent, or ErrNotFound.
func (s *Store) MultiLegStatus(ctx context.Context, intentID uuid.UUID) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var status string
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM multi_leg_intents WHERE intent_id = ?`, intentID.String())
	if err != nil {
		return "", ErrNotFound
	}
	return status, nil
}

// InsertLegEvent appends one execution-trail event for a leg. Failures are
// logged and swallowed: the trail must not block execution.
func (s *Store) InsertLegEvent(ctx context.Context, tenantID string, intentID uuid.UUID, legID, eventType string, payload any) {
	payloadJSON := "{}"
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			payloadJSON = string(data)
		}
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leg_events (tenant_id, intent_id, leg_id, event_type, payload_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, intentID.String(), legID, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		s.logger.Error("leg event write failed", "event", eventType, "error", err)
	}
}

// LegEventTypes returns the event types recorded for an intent, oldest first.
func (s *Store) LegEventTypes(ctx context.Context, intentID uuid.UUID) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var events []string
	err := s.db.SelectContext(ctx, &events, `
		SELECT event_type FROM leg_events WHERE intent_id = ? ORDER BY ts, rowid`,
		intentID.String())
	if err != nil {
		return nil, fmt.Errorf("leg event types: %w", err)
	}
	return events, nil
}

// ————————————————————————————————————————————————————————————————————————
// Scanner / allocator telemetry
// ————————————————————————————————————————————————————————————————————————

// InsertArbSpread records one observed cross-venue or basis spread.
func (s *Store) InsertArbSpread(ctx context.Context, instrument, buyVenue, sellVenue string, spreadBps, liquidityScore float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arb_spreads (id, instrument, buy_venue, sell_venue, spread_bps, liquidity_score, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), instrument, buyVenue, sellVenue, spreadBps, liquidityScore, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert arb spread: %w", err)
	}
	return nil
}

// RecentLiquidityScores returns the latest liquidity scores from arb_spreads,
// newest first, for the regime detector.
func (s *Store) RecentLiquidityScores(ctx context.Context, limit int) ([]float64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var scores []float64
	err := s.db.SelectContext(ctx, &scores, `
		SELECT liquidity_score FROM arb_spreads ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent liquidity scores: %w", err)
	}
	return scores, nil
}

// InsertBasisQuote records one basis observation.
func (s *Store) InsertBasisQuote(ctx context.Context, venue, spotInstrument, perpInstrument string, basisBps, fundingBps float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO basis_quotes (id, venue, spot_instrument, perp_instrument, basis_bps, funding_rate_bps, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), venue, spotInstrument, perpInstrument, basisBps, fundingBps, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert basis quote: %w", err)
	}
	return nil
}

// InsertSpotQuote records one spot quote observation.
func (s *Store) InsertSpotQuote(ctx context.Context, venue, instrument string, bid, ask, mid float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spot_quotes (id, venue, instrument, bid, ask, mid, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), venue, instrument, bid, ask, mid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert spot quote: %w", err)
	}
	return nil
}

// InsertFundingRate records one funding rate observation.
func (s *Store) InsertFundingRate(ctx context.Context, venue, instrument string, rateBps float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_rates (id, venue, instrument, rate_bps, ts)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), venue, instrument, rateBps, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert funding rate: %w", err)
	}
	return nil
}

// InsertMarketRegime records one regime classification.
func (s *Store) InsertMarketRegime(ctx context.Context, tenantID, direction, volatility, liquidity, riskBias, stateJSON string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_regimes (id, tenant_id, direction, volatility, liquidity, risk_bias, regime_state, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), tenantID, direction, volatility, liquidity, riskBias, stateJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert market regime: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Backtest persistence
// ————————————————————————————————————————————————————————————————————————

// SaveBacktest persists a completed backtest run.
func (s *Store) SaveBacktest(ctx context.Context, strategyName string, config, result any) error {
	return s.saveRun(ctx, "backtests", strategyName, config, result)
}

// SaveWalkForward persists a completed walk-forward run.
func (s *Store) SaveWalkForward(ctx context.Context, strategyName string, config, result any) error {
	return s.saveRun(ctx, "walk_forward_results", strategyName, config, result)
}

func (s *Store) saveRun(ctx context.Context, table, strategyName string, config, result any) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, strategy_name, config_json, result_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), strategyName, string(configJSON), string(resultJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save %s: %w", table, err)
	}
	return nil
}
