// metrics.go refreshes per-strategy performance and risk rows from filled
// orders. The allocator's scoring pipeline reads the latest rows rather
// than recomputing on every run.
package allocator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/perf"
	"tradeforge/internal/registry"
	"tradeforge/internal/store"
	"tradeforge/pkg/types"
)

const metricsLookback = 30 * 24 * time.Hour

// MetricsRefresher rebuilds strategy_performance and strategy_risk_metrics
// from the order history.
type MetricsRefresher struct {
	tenantID string
	store    *store.Store
	reg      *registry.Registry
	logger   *slog.Logger
}

// NewMetricsRefresher wires the refresher.
func NewMetricsRefresher(tenantID string, st *store.Store, reg *registry.Registry, logger *slog.Logger) *MetricsRefresher {
	return &MetricsRefresher{
		tenantID: tenantID,
		store:    st,
		reg:      reg,
		logger:   logger.With("component", "strategy_metrics"),
	}
}

// Refresh recomputes metrics for every known strategy. Failures for one
// strategy are logged and the rest continue.
func (m *MetricsRefresher) Refresh(ctx context.Context) {
	since := time.Now().UTC().Add(-metricsLookback)
	for _, def := range m.reg.All() {
		if err := m.refreshOne(ctx, def, since); err != nil {
			m.logger.Warn("strategy metrics refresh failed", "strategy", def.Name, "error", err)
		}
	}
}

func (m *MetricsRefresher) refreshOne(ctx context.Context, def registry.StrategyDefinition, since time.Time) error {
	strategyID, err := uuid.Parse(def.ID)
	if err != nil {
		return err
	}
	orders, err := m.store.OrdersByStrategy(ctx, strategyID, since)
	if err != nil {
		return err
	}

	trades := roundTrips(orders)
	curve := equityFromTrades(trades)
	metrics := perf.Compute(curve, trades, 0)

	var pnl, turnover float64
	for _, t := range trades {
		pnl += t.Pnl
		turnover += t.Size * t.EntryPrice
	}

	row := store.PerformanceRow{
		TenantID:    m.tenantID,
		StrategyID:  def.ID,
		Window:      "30d",
		Pnl:         pnl,
		Sharpe:      metrics.Sharpe,
		Sortino:     metrics.Sortino,
		MaxDrawdown: metrics.MaxDrawdown,
		WinRate:     metrics.WinRate,
		Turnover:    turnover,
	}
	if err := m.store.InsertPerformance(ctx, row); err != nil {
		return err
	}

	gross, net := exposures(orders)
	risk := store.RiskMetricsRow{
		TenantID:           m.tenantID,
		StrategyID:         def.ID,
		GrossExposure:      gross,
		NetExposure:        net,
		VarEstimate:        metrics.VaR95 * gross,
		StressLossEstimate: metrics.CVaR95 * gross,
		CorrelationCluster: clusterFor(def),
	}
	return m.store.InsertRiskMetrics(ctx, risk)
}

// roundTrips pairs filled orders per instrument FIFO into completed
// trades. An unmatched tail order stays open and is skipped.
func roundTrips(orders []types.Order) []types.TradeRecord {
	type openLot struct {
		order types.Order
	}
	open := make(map[string][]openLot)
	var trades []types.TradeRecord

	for _, o := range orders {
		if o.Status != types.OrderFilled && o.Status != types.OrderPartial {
			continue
		}
		if o.FilledSize <= 0 || o.FilledPrice <= 0 {
			continue
		}

		lots := open[o.Instrument]
		if len(lots) > 0 && lots[0].order.Side == o.Side.Opposite() {
			entry := lots[0].order
			open[o.Instrument] = lots[1:]

			size := min(entry.FilledSize, o.FilledSize)
			pnl := entry.Side.Sign() * (o.FilledPrice - entry.FilledPrice) * size
			trades = append(trades, types.TradeRecord{
				Instrument: o.Instrument,
				Side:       entry.Side,
				EntryTime:  entry.UpdatedAt,
				ExitTime:   o.UpdatedAt,
				EntryPrice: entry.FilledPrice,
				ExitPrice:  o.FilledPrice,
				Size:       size,
				Pnl:        pnl,
			})
			continue
		}
		open[o.Instrument] = append(lots, openLot{order: o})
	}
	return trades
}

// equityFromTrades builds a cumulative-PnL curve anchored at a nominal
// base so ratio math is well defined.
func equityFromTrades(trades []types.TradeRecord) []types.EquityPoint {
	const base = 100_000.0
	if len(trades) == 0 {
		return nil
	}
	curve := make([]types.EquityPoint, 0, len(trades)+1)
	curve = append(curve, types.EquityPoint{Time: trades[0].EntryTime, Equity: base})
	equity := base
	peak := base
	for _, t := range trades {
		equity += t.Pnl
		if equity > peak {
			peak = equity
		}
		var dd float64
		if peak > 0 {
			dd = (peak - equity) / peak
		}
		curve = append(curve, types.EquityPoint{Time: t.ExitTime, Equity: equity, Drawdown: dd})
	}
	return curve
}

func exposures(orders []types.Order) (gross, net float64) {
	for _, o := range orders {
		if o.Status != types.OrderFilled && o.Status != types.OrderPartial {
			continue
		}
		notional := o.FilledSize * o.FilledPrice
		gross += notional
		net += o.Side.Sign() * notional
	}
	return gross, net
}

// clusterFor maps a strategy to its correlation cluster. Arbitrage books
// are market-neutral; directional books cluster by type.
func clusterFor(def registry.StrategyDefinition) string {
	switch def.Type {
	case "arbitrage":
		return "neutral"
	case "futures":
		return "directional_deriv"
	default:
		return "directional_spot"
	}
}
