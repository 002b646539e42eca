// regime.go classifies the current market regime from a benchmark price
// series and recent arbitrage liquidity telemetry. The allocator uses the
// regime to tilt capital between strategy types.
package allocator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"tradeforge/internal/store"
)

// Regime labels. Direction and volatility come from the benchmark series;
// liquidity from recorded arb spreads; risk bias from the combination.
const (
	DirectionBullish  = "bullish"
	DirectionBearish  = "bearish"
	DirectionSideways = "sideways"

	VolatilityHigh   = "high"
	VolatilityNormal = "normal"
	VolatilityLow    = "low"

	LiquidityGood   = "good"
	LiquidityNormal = "normal"
	LiquidityPoor   = "poor"

	RiskOn      = "risk_on"
	RiskOff     = "risk_off"
	RiskNeutral = "neutral"
)

const (
	directionThreshold = 0.02  // ±2% over the window
	volHighThreshold   = 0.02  // RMS returns above this is high vol
	volLowThreshold    = 0.005 // below this is low vol
	liqGoodThreshold   = 10.0
	liqPoorThreshold   = 1.0
	liquiditySamples   = 50
)

// Regime is one classification snapshot.
type Regime struct {
	Direction  string `json:"direction"`
	Volatility string `json:"volatility"`
	Liquidity  string `json:"liquidity"`
	RiskBias   string `json:"risk_bias"`
}

// Detector classifies regimes and persists each classification.
type Detector struct {
	tenantID string
	store    *store.Store
	logger   *slog.Logger
}

// NewDetector creates a regime detector. store may be nil in tests.
func NewDetector(tenantID string, st *store.Store, logger *slog.Logger) *Detector {
	return &Detector{
		tenantID: tenantID,
		store:    st,
		logger:   logger.With("component", "regime"),
	}
}

// Detect classifies the regime from the benchmark closes (oldest first)
// and persists the result. Too little history yields a neutral regime.
func (d *Detector) Detect(ctx context.Context, closes []float64) Regime {
	r := Regime{
		Direction:  DirectionSideways,
		Volatility: VolatilityNormal,
		Liquidity:  LiquidityNormal,
		RiskBias:   RiskNeutral,
	}

	if len(closes) >= 2 && closes[0] > 0 {
		change := (closes[len(closes)-1] - closes[0]) / closes[0]
		switch {
		case change > directionThreshold:
			r.Direction = DirectionBullish
		case change < -directionThreshold:
			r.Direction = DirectionBearish
		}

		vol := rmsReturns(closes)
		switch {
		case vol > volHighThreshold:
			r.Volatility = VolatilityHigh
		case vol < volLowThreshold:
			r.Volatility = VolatilityLow
		}
	}

	r.Liquidity = d.classifyLiquidity(ctx)
	r.RiskBias = riskBias(r)

	d.persist(ctx, r)
	d.logger.Debug("regime classified",
		"direction", r.Direction, "volatility", r.Volatility,
		"liquidity", r.Liquidity, "risk_bias", r.RiskBias)
	return r
}

func (d *Detector) classifyLiquidity(ctx context.Context) string {
	if d.store == nil {
		return LiquidityNormal
	}
	scores, err := d.store.RecentLiquidityScores(ctx, liquiditySamples)
	if err != nil || len(scores) == 0 {
		return LiquidityNormal
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))
	switch {
	case avg > liqGoodThreshold:
		return LiquidityGood
	case avg < liqPoorThreshold:
		return LiquidityPoor
	}
	return LiquidityNormal
}

// riskBias combines the axes: high volatility or poor liquidity forces
// risk-off; low volatility in a bullish tape is risk-on.
func riskBias(r Regime) string {
	if r.Volatility == VolatilityHigh || r.Liquidity == LiquidityPoor {
		return RiskOff
	}
	if r.Volatility == VolatilityLow && r.Direction == DirectionBullish {
		return RiskOn
	}
	return RiskNeutral
}

func rmsReturns(closes []float64) float64 {
	var sumSq float64
	var n int
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		ret := closes[i]/closes[i-1] - 1
		sumSq += ret * ret
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

func (d *Detector) persist(ctx context.Context, r Regime) {
	if d.store == nil {
		return
	}
	state, err := json.Marshal(r)
	if err != nil {
		state = []byte("{}")
	}
	if err := d.store.InsertMarketRegime(ctx, d.tenantID, r.Direction, r.Volatility, r.Liquidity, r.RiskBias, string(state)); err != nil {
		d.logger.Warn("persist regime failed", "error", err)
	}
}
