// Package perf computes performance metrics from an equity curve and a
// trade list. All ratios assume 252 trading days and every output is
// finite: NaN or infinite intermediates become zero.
package perf

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tradeforge/pkg/types"
)

const tradingDaysPerYear = 252

// Compute derives the full metric set. riskFreeRate is annual (e.g. 0.02).
func Compute(curve []types.EquityPoint, trades []types.TradeRecord, riskFreeRate float64) types.PerformanceMetrics {
	var m types.PerformanceMetrics
	if len(curve) >= 2 {
		computeReturns(&m, curve, riskFreeRate)
		computeDrawdown(&m, curve)
	}
	computeTradeStats(&m, trades)
	sanitize(&m)
	return m
}

func computeReturns(m *types.PerformanceMetrics, curve []types.EquityPoint, riskFreeRate float64) {
	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	if initial > 0 {
		m.TotalReturn = final/initial - 1
	}

	days := curve[len(curve)-1].Time.Sub(curve[0].Time).Hours() / 24
	if days > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, tradingDaysPerYear/days) - 1
	}

	returns := periodReturns(curve)
	if len(returns) == 0 {
		return
	}

	excess := make([]float64, len(returns))
	daily := riskFreeRate / tradingDaysPerYear
	for i, r := range returns {
		excess[i] = r - daily
	}

	mean, std := stat.MeanStdDev(excess, nil)
	m.Volatility = std * math.Sqrt(tradingDaysPerYear)
	if std > 0 && !math.IsNaN(std) {
		m.Sharpe = mean / std * math.Sqrt(tradingDaysPerYear)
	}

	// Sortino penalises downside only: denominator is the RMS of the
	// negative excess returns over the full sample.
	var sumSq float64
	for _, e := range excess {
		if e < 0 {
			sumSq += e * e
		}
	}
	downside := math.Sqrt(sumSq / float64(len(excess)))
	m.DownsideVolatility = downside * math.Sqrt(tradingDaysPerYear)
	if downside > 0 {
		m.Sortino = mean / downside * math.Sqrt(tradingDaysPerYear)
	}

	m.VaR95, m.CVaR95 = tailRisk(returns, 0.95)
}

func computeDrawdown(m *types.PerformanceMetrics, curve []types.EquityPoint) {
	peak := curve[0].Equity
	peakTime := curve[0].Time
	var maxDD float64
	var maxDDDays float64
	var runStart = curve[0].Time
	inRun := false

	for _, pt := range curve {
		if pt.Equity >= peak {
			peak = pt.Equity
			peakTime = pt.Time
			inRun = false
			continue
		}
		if !inRun {
			inRun = true
			runStart = peakTime
		}
		if peak > 0 {
			dd := (peak - pt.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
		if run := pt.Time.Sub(runStart).Hours() / 24; run > maxDDDays {
			maxDDDays = run
		}
	}

	m.MaxDrawdown = maxDD
	m.MaxDrawdownDays = maxDDDays
	if maxDD > 0 {
		m.Calmar = m.AnnualizedReturn / maxDD
	}
}

func computeTradeStats(m *types.PerformanceMetrics, trades []types.TradeRecord) {
	var durations float64
	for _, t := range trades {
		if t.ExitTime.IsZero() {
			continue // still open
		}
		m.TotalTrades++
		durations += t.DurationHours()
		switch {
		case t.Pnl > 0:
			m.WinningTrades++
			m.GrossProfit += t.Pnl
			if t.Pnl > m.LargestWin {
				m.LargestWin = t.Pnl
			}
		case t.Pnl < 0:
			m.LosingTrades++
			m.GrossLoss += -t.Pnl
			if -t.Pnl > m.LargestLoss {
				m.LargestLoss = -t.Pnl
			}
		}
		// Scratch trades (pnl exactly zero) count toward totals but are
		// neither wins nor losses.
	}

	if m.TotalTrades == 0 {
		return
	}
	if decided := m.WinningTrades + m.LosingTrades; decided > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(decided)
	}
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}
	if m.WinningTrades > 0 {
		m.AvgWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.LosingTrades)
	}
	m.AvgDurationHours = durations / float64(m.TotalTrades)
}

// periodReturns converts the equity curve into simple per-period returns.
func periodReturns(curve []types.EquityPoint) []float64 {
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

// tailRisk returns VaR and CVaR at the given confidence as positive
// magnitudes. CVaR averages the returns at or below the VaR percentile.
func tailRisk(returns []float64, confidence float64) (varOut, cvarOut float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	p := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	varOut = math.Abs(p)

	var sum float64
	var n int
	for _, r := range sorted {
		if r <= p {
			sum += r
			n++
		}
	}
	if n > 0 {
		cvarOut = math.Abs(sum / float64(n))
	}
	return varOut, cvarOut
}

// sanitize replaces any non-finite field with zero.
func sanitize(m *types.PerformanceMetrics) {
	fix := func(f *float64) {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	fix(&m.TotalReturn)
	fix(&m.AnnualizedReturn)
	fix(&m.Sharpe)
	fix(&m.Sortino)
	fix(&m.Calmar)
	fix(&m.MaxDrawdown)
	fix(&m.MaxDrawdownDays)
	fix(&m.Volatility)
	fix(&m.DownsideVolatility)
	fix(&m.VaR95)
	fix(&m.CVaR95)
	fix(&m.WinRate)
	fix(&m.GrossProfit)
	fix(&m.GrossLoss)
	fix(&m.ProfitFactor)
	fix(&m.AvgWin)
	fix(&m.AvgLoss)
	fix(&m.LargestWin)
	fix(&m.LargestLoss)
	fix(&m.AvgDurationHours)
}
