// Package edge estimates whether an intent's expected edge survives its
// all-in execution cost. The model is deliberately coarse: spread, impact,
// volatility, latency, funding, and basis terms summed in basis points,
// compared against the expected edge plus a safety buffer.
package edge

import (
	"fmt"
	"math"

	"tradeforge/pkg/types"
)

// FeeTable carries a venue's maker/taker fee schedule in basis points.
type FeeTable struct {
	MakerBps float64
	TakerBps float64
}

// Breakdown is the full cost decomposition for one intent. The OMS records
// it in the audit trail so rejected intents can be explained after the fact.
type Breakdown struct {
	ExpectedEdgeBps float64 `json:"expected_edge_bps"`
	FeeBps          float64 `json:"fee_bps"`
	SpreadBps       float64 `json:"spread_bps"`
	SlippageBps     float64 `json:"slippage_bps"`
	LatencyBps      float64 `json:"latency_bps"`
	FundingBps      float64 `json:"funding_bps"`
	BasisBps        float64 `json:"basis_bps"`
	TotalCostBps    float64 `json:"total_cost_bps"`
	MinEdgeBps      float64 `json:"min_edge_bps"`
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
}

// Model computes cost breakdowns. Zero value is unusable; use NewModel.
type Model struct {
	minEdgeBufferBps float64
}

// NewModel creates a cost model with the given safety buffer in bps.
func NewModel(minEdgeBufferBps float64) *Model {
	if minEdgeBufferBps <= 0 {
		minEdgeBufferBps = 10
	}
	return &Model{minEdgeBufferBps: minEdgeBufferBps}
}

// Evaluate decides whether the intent's edge clears its estimated cost.
// Intents against unavailable market data are rejected outright.
func (m *Model) Evaluate(intent types.TradeIntent, snap types.MarketSnapshot, fees FeeTable, latencyMs int64) (Breakdown, error) {
	if snap.DataQuality == types.QualityUnavailable {
		return Breakdown{
			Allowed: false,
			Reason:  "market data unavailable",
		}, fmt.Errorf("market data unavailable for %s on %s", intent.Instrument, intent.Venue)
	}

	b := Breakdown{
		ExpectedEdgeBps: intent.Metadata.ExpectedEdgeBps,
		SpreadBps:       snap.SpreadBps,
		FundingBps:      intent.Metadata.FundingRateBps,
		BasisBps:        intent.Metadata.BasisRiskBps,
	}
	if !intent.Metadata.HasEdge() {
		b.ExpectedEdgeBps = intent.Confidence * 100
	}

	b.FeeBps = intent.Metadata.FeeBps
	if b.FeeBps == 0 {
		if intent.Metadata.OrderStyle == "maker" {
			b.FeeBps = fees.MakerBps
		} else {
			b.FeeBps = fees.TakerBps
		}
	}

	b.SlippageBps = slippage(intent.TargetExposureUSD, snap)
	b.LatencyBps = latencyPenalty(latencyMs)

	b.TotalCostBps = b.FeeBps + b.SpreadBps + b.SlippageBps + b.LatencyBps + b.FundingBps + b.BasisBps
	b.MinEdgeBps = b.TotalCostBps + m.minEdgeBufferBps
	b.Allowed = b.ExpectedEdgeBps >= b.MinEdgeBps
	if !b.Allowed {
		b.Reason = fmt.Sprintf("edge %.1f bps below minimum %.1f bps", b.ExpectedEdgeBps, b.MinEdgeBps)
	}
	return b, nil
}

// slippage estimates fill cost from spread, volatility, and market impact.
// Impact scales with order size relative to 24h volume and saturates at
// 30 bps; the total is capped at 50 bps.
func slippage(sizeUSD float64, snap types.MarketSnapshot) float64 {
	var impactBps float64
	if snap.Volume24h > 0 {
		impactBps = math.Min(30, sizeUSD/snap.Volume24h*10000)
	}
	s := snap.SpreadBps*0.5 + snap.VolatilityBps*0.25 + impactBps
	return math.Min(50, s)
}

// latencyPenalty charges nothing under 200 ms, then 1 bp per 100 ms over,
// capped at 10 bps.
func latencyPenalty(latencyMs int64) float64 {
	if latencyMs <= 200 {
		return 0
	}
	return math.Min(10, float64(latencyMs-200)/100)
}
