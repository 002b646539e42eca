// Package risk gates trade intents against portfolio limits.
//
// Checks run in a fixed order and the first failure rejects:
//
//  1. Kill switch (global or per-book, queried from the store)
//  2. Book status (halted rejects; reduce-only admits reducing intents only)
//  3. Per-intent exposure cap
//  4. Book exposure cap
//  5. Venue health (offline rejects; degraded halves size)
//  6. Correlation cluster cap
//
// Sizing rounds the final order size down to the venue tick. Circuit
// breakers are process-wide flags; reconciliation and the OMS trip them,
// operators clear them.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"tradeforge/internal/config"
	"tradeforge/internal/store"
	"tradeforge/pkg/types"
)

// Check names reported in RiskCheckResult.ChecksFailed.
const (
	CheckKillSwitch  = "kill_switch"
	CheckBookStatus  = "book_status"
	CheckIntentCap   = "intent_exposure_cap"
	CheckBookCap     = "book_exposure_cap"
	CheckVenueHealth = "venue_health"
	CheckClusterCap  = "cluster_exposure_cap"
)

// RiskCheckResult is the outcome of the gate sequence. SizeFactor is 1 for
// a clean approval and 0.5 when the venue is degraded.
type RiskCheckResult struct {
	Approved     bool
	SizeFactor   float64
	Reasons      []string
	ChecksFailed []string
}

func approve(sizeFactor float64) RiskCheckResult {
	return RiskCheckResult{Approved: true, SizeFactor: sizeFactor}
}

func reject(check, reason string) RiskCheckResult {
	return RiskCheckResult{
		Reasons:      []string{reason},
		ChecksFailed: []string{check},
	}
}

// IntentContext carries the resolved state a risk check needs. The OMS
// assembles it once per intent so the gates stay pure.
type IntentContext struct {
	Book            types.Book
	MaxRiskPerTrade float64 // from the strategy definition
	VenueHealth     types.VenueHealth
	Cluster         string // correlation cluster, "" when unknown
}

// Engine applies the gate sequence. Cluster exposures are maintained by
// the metrics refresher via SetClusterExposure.
type Engine struct {
	cfg      config.RiskConfig
	store    *store.Store
	breakers *BreakerSet
	logger   *slog.Logger

	clusterMu       sync.RWMutex
	clusterExposure map[string]float64
}

// NewEngine creates the risk engine.
func NewEngine(cfg config.RiskConfig, st *store.Store, breakers *BreakerSet, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		store:           st,
		breakers:        breakers,
		logger:          logger.With("component", "risk"),
		clusterExposure: make(map[string]float64),
	}
}

// Breakers exposes the process-wide breaker set.
func (e *Engine) Breakers() *BreakerSet { return e.breakers }

// SetClusterExposure replaces one cluster's precomputed exposure.
func (e *Engine) SetClusterExposure(cluster string, exposure float64) {
	e.clusterMu.Lock()
	e.clusterExposure[cluster] = exposure
	e.clusterMu.Unlock()
}

// CheckIntent runs the gate sequence for one intent.
func (e *Engine) CheckIntent(ctx context.Context, intent types.TradeIntent, ic IntentContext) (RiskCheckResult, error) {
	// 1. Kill switch: global scope or the intent's book.
	killed, err := e.store.KillSwitchActive(ctx, ic.Book.ID.String())
	if err != nil {
		return RiskCheckResult{}, fmt.Errorf("kill switch lookup: %w", err)
	}
	if killed {
		return reject(CheckKillSwitch, "kill switch active"), nil
	}

	// 2. Book status.
	switch ic.Book.Status {
	case types.BookHalted:
		return reject(CheckBookStatus, fmt.Sprintf("book %s halted", ic.Book.Name)), nil
	case types.BookReduceOnly:
		reducing, err := e.isReducing(ctx, intent, ic.Book)
		if err != nil {
			return RiskCheckResult{}, err
		}
		if !reducing {
			return reject(CheckBookStatus, fmt.Sprintf("book %s reduce-only", ic.Book.Name)), nil
		}
	}

	// 3. Per-intent exposure cap.
	riskMul := intent.Metadata.RiskMultiplier
	if riskMul == 0 {
		riskMul = 1
	}
	intentCap := ic.Book.CapitalAllocated * ic.MaxRiskPerTrade * riskMul
	if intent.TargetExposureUSD > intentCap {
		return reject(CheckIntentCap, fmt.Sprintf(
			"intent exposure %.0f exceeds cap %.0f", intent.TargetExposureUSD, intentCap)), nil
	}

	// 4. Book exposure cap.
	if ic.Book.CurrentExposure+intent.TargetExposureUSD > ic.Book.MaxExposure {
		return reject(CheckBookCap, fmt.Sprintf(
			"book exposure %.0f + %.0f exceeds max %.0f",
			ic.Book.CurrentExposure, intent.TargetExposureUSD, ic.Book.MaxExposure)), nil
	}

	// 5. Venue health.
	sizeFactor := 1.0
	switch ic.VenueHealth.Status {
	case types.VenueOffline:
		return reject(CheckVenueHealth, fmt.Sprintf("venue %s offline", intent.Venue)), nil
	case types.VenueDegraded:
		sizeFactor = e.cfg.DegradedSizeFactor
	}

	// 6. Correlation cluster cap.
	if ic.Cluster != "" {
		cap := e.cfg.ClusterCaps[ic.Cluster]
		if cap == 0 {
			cap = e.cfg.MaxClusterExposure
		}
		if cap > 0 {
			e.clusterMu.RLock()
			current := e.clusterExposure[ic.Cluster]
			e.clusterMu.RUnlock()
			if current+intent.TargetExposureUSD > cap {
				return reject(CheckClusterCap, fmt.Sprintf(
					"cluster %s exposure %.0f + %.0f exceeds cap %.0f",
					ic.Cluster, current, intent.TargetExposureUSD, cap)), nil
			}
		}
	}

	return approve(sizeFactor), nil
}

// isReducing reports whether the intent shrinks an existing position on
// the same (book, venue, instrument).
func (e *Engine) isReducing(ctx context.Context, intent types.TradeIntent, book types.Book) (bool, error) {
	pos, err := e.store.OpenPositionFor(ctx, book.ID, intent.Venue, intent.Instrument)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("position lookup: %w", err)
	}
	return pos.Side == intent.Direction.Opposite() && pos.Size > 0, nil
}

// SizePosition converts approved exposure into an order size rounded down
// to the venue tick. Returns 0 when the entry price is unusable.
func SizePosition(targetExposureUSD, expectedEntryPrice, tickSize float64) float64 {
	if expectedEntryPrice <= 0 || targetExposureUSD <= 0 {
		return 0
	}
	raw := targetExposureUSD / expectedEntryPrice
	if tickSize <= 0 {
		return raw
	}
	d := decimal.NewFromFloat(raw)
	tick := decimal.NewFromFloat(tickSize)
	size, _ := d.Div(tick).Floor().Mul(tick).Float64()
	return size
}
