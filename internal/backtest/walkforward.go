package backtest

import (
	"fmt"

	"tradeforge/internal/perf"
	"tradeforge/pkg/types"
)

// WalkForwardConfig slides a train+test window across the history.
// Windows and stride are in bars.
type WalkForwardConfig struct {
	Backtest    Config
	TrainWindow int
	TestWindow  int
	StepSize    int
}

// WindowResult is one walk-forward window's backtest.
type WindowResult struct {
	Index    int
	StartBar int
	EndBar   int
	Result   Result
}

// WalkForwardResult aggregates metrics over the concatenated window
// equity curves.
type WalkForwardResult struct {
	Windows     []WindowResult
	EquityCurve []types.EquityPoint
	Trades      []types.TradeRecord
	Metrics     types.PerformanceMetrics
}

// WalkForward runs the backtester over sliding windows. Each window
// reuses the split machinery with trainRatio = train/(train+test) and no
// validation split.
func WalkForward(cfg WalkForwardConfig, frames map[string]Frame, strat Strategy) (WalkForwardResult, error) {
	if cfg.TrainWindow <= 0 || cfg.TestWindow <= 0 {
		return WalkForwardResult{}, fmt.Errorf("train and test windows must be positive")
	}
	if cfg.StepSize <= 0 {
		cfg.StepSize = cfg.TestWindow
	}

	total := 0
	for _, f := range frames {
		if len(f.Bars) > total {
			total = len(f.Bars)
		}
	}
	windowLen := cfg.TrainWindow + cfg.TestWindow
	if total < windowLen {
		return WalkForwardResult{}, fmt.Errorf("history of %d bars shorter than window %d", total, windowLen)
	}

	var out WalkForwardResult
	for start, idx := 0, 0; start+windowLen <= total; start, idx = start+cfg.StepSize, idx+1 {
		end := start + windowLen

		sub := make(map[string]Frame, len(frames))
		for inst, f := range frames {
			if end > len(f.Bars) {
				continue
			}
			sub[inst] = Frame{Instrument: inst, Bars: f.Bars[start:end]}
		}
		if len(sub) == 0 {
			continue
		}

		first := sub[sortedInstruments(sub)[0]]
		wcfg := cfg.Backtest
		wcfg.TrainRatio = float64(cfg.TrainWindow) / float64(windowLen)
		wcfg.ValidateRatio = 0
		wcfg.TestRatio = 1 - wcfg.TrainRatio
		wcfg.StartDate = first.Bars[0].Date
		wcfg.EndDate = first.Bars[windowLen-1].Date

		res, err := Run(wcfg, sub, strat)
		if err != nil {
			return WalkForwardResult{}, fmt.Errorf("window %d: %w", idx, err)
		}

		out.Windows = append(out.Windows, WindowResult{
			Index:    idx,
			StartBar: start,
			EndBar:   end,
			Result:   res,
		})
		// Out-of-sample slices carry the honest signal; concatenate those.
		out.EquityCurve = append(out.EquityCurve, res.OutSample.EquityCurve...)
		out.Trades = append(out.Trades, res.OutSample.Trades...)
	}

	if len(out.Windows) == 0 {
		return WalkForwardResult{}, fmt.Errorf("no walk-forward windows produced")
	}
	out.Metrics = perf.Compute(out.EquityCurve, out.Trades, 0)
	return out, nil
}

