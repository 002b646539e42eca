// Package allocator divides total capital across strategies.
//
// Each run scores every strategy from its base type weight, recent
// performance, the current market regime, and cluster crowding, then
// normalises the scores into portfolio weights, clamps them, and persists
// the decision. A run refuses to emit allocations when data quality is
// degraded: any stale venue or a reconciliation mismatch streak.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"tradeforge/internal/config"
	"tradeforge/internal/registry"
	"tradeforge/internal/store"
	"tradeforge/pkg/types"
)

const clusterPenalty = 0.05

// Weights is the allocator policy document (weights file).
type Weights struct {
	BaseWeights       map[string]float64 `mapstructure:"base_weights"`       // by strategy type
	SharpeFloor       float64            `mapstructure:"sharpe_floor"`       // below this, performance throttle
	DrawdownThrottle  float64            `mapstructure:"drawdown_throttle"`  // above this maxDD, throttle
	MinStrategyWeight float64            `mapstructure:"min_strategy_weight"`
	MaxStrategyWeight float64            `mapstructure:"max_strategy_weight"`
	RegimeMultipliers map[string]float64 `mapstructure:"regime_multipliers"` // "vol|direction|type" → mult
	RiskBiasScalars   map[string]float64 `mapstructure:"risk_bias_scalars"`  // risk_on / neutral / risk_off
}

// LoadWeights reads the allocator policy document.
func LoadWeights(path string) (Weights, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Weights{}, fmt.Errorf("read weights file: %w", err)
	}
	var w Weights
	if err := v.Unmarshal(&w); err != nil {
		return Weights{}, fmt.Errorf("parse weights file: %w", err)
	}
	if w.SharpeFloor == 0 {
		w.SharpeFloor = 0.5
	}
	if w.DrawdownThrottle == 0 {
		w.DrawdownThrottle = 0.15
	}
	if w.MinStrategyWeight == 0 {
		w.MinStrategyWeight = 0.05
	}
	if w.MaxStrategyWeight == 0 {
		w.MaxStrategyWeight = 0.5
	}
	return w, nil
}

// Allocation is one strategy's share of capital for the current decision.
type Allocation struct {
	StrategyID     string
	Weight         float64
	Capital        float64
	RiskMultiplier float64
	DecisionID     string
}

// DataQualityFunc reports whether allocations may be emitted. The engine
// wires it to market-data staleness and reconciliation mismatch state.
type DataQualityFunc func(ctx context.Context) (ok bool, reason string)

// Allocator runs the periodic scoring job and serves the latest decision
// snapshot to the OMS.
type Allocator struct {
	cfg         config.AllocatorConfig
	weights     Weights
	clusterCaps map[string]float64
	tenantID    string

	store       *store.Store
	reg         *registry.Registry
	detector    *Detector
	dataQuality DataQualityFunc
	logger      *slog.Logger

	mu      sync.RWMutex
	current map[string]Allocation // by strategy ID
}

// New wires the allocator.
func New(cfg config.AllocatorConfig, weights Weights, clusterCaps map[string]float64, tenantID string,
	st *store.Store, reg *registry.Registry, detector *Detector, dq DataQualityFunc, logger *slog.Logger) *Allocator {
	return &Allocator{
		cfg:         cfg,
		weights:     weights,
		clusterCaps: clusterCaps,
		tenantID:    tenantID,
		store:       st,
		reg:         reg,
		detector:    detector,
		dataQuality: dq,
		logger:      logger.With("component", "allocator"),
		current:     make(map[string]Allocation),
	}
}

// Current returns the latest allocation for a strategy, if any.
func (a *Allocator) Current(strategyID string) (Allocation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	al, ok := a.current[strategyID]
	return al, ok
}

// Run executes one allocation pass. closes is the benchmark price series
// used for regime classification. Returns the emitted allocations, or an
// error when the pass refused to run.
func (a *Allocator) Run(ctx context.Context, closes []float64) (map[string]Allocation, error) {
	if a.dataQuality != nil {
		if ok, reason := a.dataQuality(ctx); !ok {
			a.logger.Warn("allocation refused", "reason", reason)
			return nil, fmt.Errorf("data quality degraded: %s", reason)
		}
	}

	regime := a.detector.Detect(ctx, closes)

	perfRows, err := a.store.LatestPerformance(ctx, a.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load performance: %w", err)
	}
	riskRows, err := a.store.LatestRiskMetrics(ctx, a.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load risk metrics: %w", err)
	}
	maxNotional := a.loadMaxNotionals(ctx)

	overweight := a.overweightClusters(riskRows)

	strategies := a.reg.Enabled()
	scores := make(map[string]float64, len(strategies))
	rationale := make(map[string]string, len(strategies))
	for _, def := range strategies {
		score, why := a.score(def, regime, perfRows[def.ID], riskRows[def.ID], overweight)
		scores[def.ID] = score
		rationale[def.ID] = why
	}

	weights := normalizeAndClamp(scores, a.weights.MinStrategyWeight, a.weights.MaxStrategyWeight)

	decisionID := uuid.New().String()
	riskMul := a.weights.RiskBiasScalars[regime.RiskBias]
	if riskMul == 0 {
		riskMul = 1
	}

	next := make(map[string]Allocation, len(weights))
	for id, w := range weights {
		al := Allocation{
			StrategyID:     id,
			Weight:         w,
			Capital:        w * a.cfg.TotalCapital,
			RiskMultiplier: riskMul,
			DecisionID:     decisionID,
		}
		if mn, ok := maxNotional[id]; ok && mn > 0 && al.Capital > mn {
			al.Capital = mn
		}
		next[id] = al

		if err := a.store.UpsertAllocation(ctx, store.AllocationRow{
			TenantID:         a.tenantID,
			StrategyID:       id,
			AllocatedCapital: al.Capital,
			AllocationPct:    w,
			RiskMultiplier:   riskMul,
		}); err != nil {
			a.logger.Warn("persist allocation failed", "strategy_id", id, "error", err)
		}
	}

	a.persistDecision(ctx, decisionID, regime, next, rationale)

	a.mu.Lock()
	a.current = next
	a.mu.Unlock()

	a.logger.Info("allocation pass complete",
		"decision_id", decisionID,
		"strategies", len(next),
		"risk_bias", regime.RiskBias,
	)
	return next, nil
}

// score runs the multiplier pipeline for one strategy.
func (a *Allocator) score(def registry.StrategyDefinition, regime Regime,
	perfRow store.PerformanceRow, riskRow store.RiskMetricsRow, overweight map[string]bool) (float64, string) {

	base := a.weights.BaseWeights[def.Type]
	if base == 0 {
		base = 0.1
	}

	perfMul := 1.0
	if perfRow.StrategyID != "" {
		if perfRow.Sharpe < a.weights.SharpeFloor {
			perfMul *= 0.7
		}
		if perfRow.MaxDrawdown > a.weights.DrawdownThrottle {
			perfMul *= 0.6
		}
	}

	regimeMul := a.weights.RegimeMultipliers[regimeKey(regime, def.Type)]
	if regimeMul == 0 {
		regimeMul = 1
	}

	biasMul := a.weights.RiskBiasScalars[regime.RiskBias]
	if biasMul == 0 {
		biasMul = 1
	}

	clusterMul := 1.0
	if riskRow.CorrelationCluster != "" && overweight[riskRow.CorrelationCluster] {
		clusterMul = 1 - clusterPenalty
	}

	score := base * perfMul * regimeMul * biasMul * clusterMul
	why := fmt.Sprintf("base=%.2f perf=%.2f regime=%.2f bias=%.2f cluster=%.2f",
		base, perfMul, regimeMul, biasMul, clusterMul)
	return score, why
}

func regimeKey(r Regime, strategyType string) string {
	return r.Volatility + "|" + r.Direction + "|" + strategyType
}

// overweightClusters flags clusters whose gross exposure exceeds their cap.
func (a *Allocator) overweightClusters(riskRows map[string]store.RiskMetricsRow) map[string]bool {
	gross := make(map[string]float64)
	for _, row := range riskRows {
		if row.CorrelationCluster != "" {
			gross[row.CorrelationCluster] += row.GrossExposure
		}
	}
	out := make(map[string]bool)
	for cluster, exp := range gross {
		if cap, ok := a.clusterCaps[cluster]; ok && cap > 0 && exp > cap {
			out[cluster] = true
		}
	}
	return out
}

// normalizeAndClamp maps raw scores onto the simplex, clamps each weight
// into [min, max], and zeroes anything below the minimum.
func normalizeAndClamp(scores map[string]float64, minW, maxW float64) map[string]float64 {
	var total float64
	for _, s := range scores {
		if s > 0 {
			total += s
		}
	}
	out := make(map[string]float64, len(scores))
	if total == 0 {
		return out
	}
	for id, s := range scores {
		if s <= 0 {
			continue
		}
		w := s / total
		if w > maxW {
			w = maxW
		}
		if w < minW {
			continue // dropped to zero
		}
		out[id] = w
	}
	return out
}

func (a *Allocator) loadMaxNotionals(ctx context.Context) map[string]float64 {
	out := make(map[string]float64)
	rows, err := a.store.ListStrategies(ctx, a.tenantID)
	if err != nil {
		a.logger.Debug("list strategies failed", "error", err)
		return out
	}
	for _, row := range rows {
		out[row.ID] = row.MaxNotional
	}
	return out
}

func (a *Allocator) persistDecision(ctx context.Context, decisionID string, regime Regime,
	allocations map[string]Allocation, rationale map[string]string) {

	regimeJSON, _ := json.Marshal(regime)
	snapJSON, _ := json.Marshal(allocations)
	whyJSON, _ := json.Marshal(rationale)
	if err := a.store.InsertAllocatorDecision(ctx, a.tenantID, decisionID,
		string(regimeJSON), string(snapJSON), string(whyJSON)); err != nil {
		a.logger.Warn("persist allocator decision failed", "error", err)
	}
	a.store.Audit(ctx, store.AuditEntry{
		Action:       "allocation_emitted",
		ResourceType: "allocator_decision",
		ResourceID:   decisionID,
		Severity:     types.SeverityInfo,
		AfterState:   allocations,
	})
}

// ApplyAllocations scales each intent by its strategy's allocated capital
// and risk multiplier. Intents without a current allocation pass through
// unscaled; intents for strategies allocated zero are dropped.
func (a *Allocator) ApplyAllocations(intents []types.TradeIntent) []types.TradeIntent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.TradeIntent, 0, len(intents))
	for _, intent := range intents {
		al, ok := a.current[intent.StrategyID.String()]
		if !ok {
			out = append(out, intent)
			continue
		}
		if al.Capital <= 0 || intent.TargetExposureUSD <= 0 {
			continue
		}

		scale := al.Capital * al.RiskMultiplier / intent.TargetExposureUSD
		if scale > 1 {
			scale = 1 // allocation never sizes an intent up
		}
		intent.TargetExposureUSD *= scale
		intent.MaxLossUSD *= scale
		intent.Metadata.AllocationPct = al.Weight
		intent.Metadata.RiskMultiplier = al.RiskMultiplier
		intent.Metadata.AllocatorDecision = al.DecisionID
		intent.Metadata.TenantID = a.tenantID
		out = append(out, intent)
	}
	return out
}
