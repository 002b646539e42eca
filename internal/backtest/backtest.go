// Package backtest runs deterministic strategy simulations over OHLCV
// history with train/validate/test splits, and a walk-forward harness on
// top of the split backtester.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"tradeforge/internal/perf"
	"tradeforge/pkg/types"
)

// Frame is an ordered OHLCV series for one instrument.
type Frame struct {
	Instrument string
	Bars       []types.OHLCVBar
}

// Signals are the per-bar entry/exit decisions produced by a strategy.
// Index i corresponds to Bars[i]. A nil slice means the strategy never
// signals that side.
type Signals struct {
	EnterLong  []bool
	EnterShort []bool
	ExitLong   []bool
	ExitShort  []bool
}

// Strategy is the handle a backtest drives. Indicators are computed once
// per frame; entry and exit trends are derived from them.
type Strategy interface {
	Name() string
	PopulateIndicators(frame Frame) Frame
	PopulateEntryTrend(frame Frame) Signals
	PopulateExitTrend(frame Frame, signals Signals) Signals
}

// Config parameterises one backtest run.
type Config struct {
	StrategyName   string
	Instruments    []string
	StartDate      time.Time
	EndDate        time.Time
	InitialCapital float64
	Timeframe      string
	SlippageBps    float64
	CommissionBps  float64
	TrainRatio     float64
	ValidateRatio  float64
	TestRatio      float64
	MaxPositionPct float64
}

// Validate rejects configurations the simulator cannot run honestly.
func (c Config) Validate() error {
	sum := c.TrainRatio + c.ValidateRatio + c.TestRatio
	if math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("split ratios sum to %.3f, want 1", sum)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive")
	}
	if !c.StartDate.Before(c.EndDate) {
		return fmt.Errorf("start date %s not before end date %s", c.StartDate, c.EndDate)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("max position pct %.3f out of (0,1]", c.MaxPositionPct)
	}
	return nil
}

// SplitResult is one split's independent pass.
type SplitResult struct {
	Name        string
	EquityCurve []types.EquityPoint
	Trades      []types.TradeRecord
	Metrics     types.PerformanceMetrics
}

// Result is the full backtest outcome: per-split results plus combined
// metrics over the concatenated curves and trade lists.
type Result struct {
	Config      Config
	InSample    SplitResult
	Validation  SplitResult
	OutSample   SplitResult
	EquityCurve []types.EquityPoint
	Trades      []types.TradeRecord
	Metrics     types.PerformanceMetrics
}

// position is one open simulated position.
type position struct {
	side       types.Side
	size       float64
	entryPrice float64
	entryTime  time.Time
	entryFee   float64
}

// Run executes the backtest: validate, split, simulate each split
// independently, and aggregate.
func Run(cfg Config, frames map[string]Frame, strat Strategy) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if len(frames) == 0 {
		return Result{}, fmt.Errorf("no frames supplied")
	}
	for inst, f := range frames {
		if len(f.Bars) == 0 {
			return Result{}, fmt.Errorf("empty frame for %s", inst)
		}
	}

	res := Result{Config: cfg}
	splits := []struct {
		name string
		from float64
		to   float64
	}{
		{"in_sample", 0, cfg.TrainRatio},
		{"validation", cfg.TrainRatio, cfg.TrainRatio + cfg.ValidateRatio},
		{"out_sample", cfg.TrainRatio + cfg.ValidateRatio, 1},
	}

	results := make([]SplitResult, len(splits))
	for i, sp := range splits {
		sub := sliceFrames(frames, sp.from, sp.to)
		if framesEmpty(sub) {
			results[i] = SplitResult{Name: sp.name}
			continue
		}
		sr := runSplit(cfg, sub, strat)
		sr.Name = sp.name
		results[i] = sr
	}
	res.InSample, res.Validation, res.OutSample = results[0], results[1], results[2]

	for _, sr := range results {
		res.EquityCurve = append(res.EquityCurve, sr.EquityCurve...)
		res.Trades = append(res.Trades, sr.Trades...)
	}
	res.Metrics = perf.Compute(res.EquityCurve, res.Trades, 0)
	return res, nil
}

func sliceFrames(frames map[string]Frame, from, to float64) map[string]Frame {
	out := make(map[string]Frame, len(frames))
	for inst, f := range frames {
		n := len(f.Bars)
		lo := int(from * float64(n))
		hi := int(to * float64(n))
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		out[inst] = Frame{Instrument: inst, Bars: f.Bars[lo:hi]}
	}
	return out
}

func framesEmpty(frames map[string]Frame) bool {
	for _, f := range frames {
		if len(f.Bars) >= 2 {
			return false
		}
	}
	return true
}

// runSplit simulates one split with fresh cash, positions, and peak.
// Bar i-1's signals decide action at bar i; exits run before entries.
// Instruments are processed in name order so identical inputs always
// produce identical equity and trade sequences.
func runSplit(cfg Config, frames map[string]Frame, strat Strategy) SplitResult {
	insts := sortedInstruments(frames)

	signals := make(map[string]Signals, len(frames))
	for _, inst := range insts {
		withInd := strat.PopulateIndicators(frames[inst])
		entry := strat.PopulateEntryTrend(withInd)
		signals[inst] = strat.PopulateExitTrend(withInd, entry)
	}

	cash := cfg.InitialCapital
	positions := make(map[string]*position)
	var curve []types.EquityPoint
	var trades []types.TradeRecord
	peak := cfg.InitialCapital

	slip := cfg.SlippageBps / 10000
	halfFee := cfg.CommissionBps / 10000 / 2

	// All frames in a split share bar count in practice; iterate by the
	// longest so shorter frames simply stop contributing.
	maxBars := 0
	for _, f := range frames {
		if len(f.Bars) > maxBars {
			maxBars = len(f.Bars)
		}
	}

	for i := 1; i < maxBars; i++ {
		// Exits first.
		for _, inst := range insts {
			f := frames[inst]
			if i >= len(f.Bars) {
				continue
			}
			pos, open := positions[inst]
			if !open {
				continue
			}
			sig := signals[inst]
			exit := signalAt(sig.ExitLong, i-1)
			if pos.side == types.SELL {
				exit = signalAt(sig.ExitShort, i-1)
			}
			if !exit {
				continue
			}
			trades = append(trades, closePosition(pos, inst, f.Bars[i], slip, halfFee, &cash))
			delete(positions, inst)
		}

		// Then entries. Long wins when both sides signal the same bar.
		for _, inst := range insts {
			f := frames[inst]
			if i >= len(f.Bars) {
				continue
			}
			if _, open := positions[inst]; open {
				continue
			}
			sig := signals[inst]
			var side types.Side
			switch {
			case signalAt(sig.EnterLong, i-1):
				side = types.BUY
			case signalAt(sig.EnterShort, i-1):
				side = types.SELL
			default:
				continue
			}
			bar := f.Bars[i]
			entryPrice := bar.Open * (1 + slip*side.Sign()) // adverse either way
			if entryPrice <= 0 {
				continue
			}
			notional := cash * cfg.MaxPositionPct
			fee := notional * halfFee
			notional -= fee
			if notional <= 0 {
				continue
			}
			size := notional / entryPrice
			cash -= notional + fee
			positions[inst] = &position{
				side:       side,
				size:       size,
				entryPrice: entryPrice,
				entryTime:  bar.Date,
				entryFee:   fee,
			}
		}

		// Equity point.
		equity := cash
		for _, inst := range insts {
			pos, open := positions[inst]
			if !open {
				continue
			}
			f := frames[inst]
			idx := i
			if idx >= len(f.Bars) {
				idx = len(f.Bars) - 1
			}
			equity += positionValue(pos, f.Bars[idx].Close)
		}
		if equity > peak {
			peak = equity
		}
		var dd float64
		if peak > 0 {
			dd = math.Max(0, (peak-equity)/peak)
		}
		ts := barTime(insts, frames, i)
		curve = append(curve, types.EquityPoint{Time: ts, Equity: equity, Drawdown: dd})
	}

	// Close whatever is left at the last bar of its frame.
	for _, inst := range insts {
		pos, open := positions[inst]
		if !open {
			continue
		}
		f := frames[inst]
		trades = append(trades, closePosition(pos, inst, f.Bars[len(f.Bars)-1], slip, halfFee, &cash))
	}

	return SplitResult{
		EquityCurve: curve,
		Trades:      trades,
		Metrics:     perf.Compute(curve, trades, 0),
	}
}

func closePosition(pos *position, inst string, bar types.OHLCVBar, slip, halfFee float64, cash *float64) types.TradeRecord {
	exitPrice := bar.Open * (1 - slip*pos.side.Sign())
	exitFee := pos.size * exitPrice * halfFee
	pnl := pos.side.Sign()*(exitPrice-pos.entryPrice)*pos.size - exitFee - pos.entryFee
	*cash += positionValue(pos, exitPrice) - exitFee

	return types.TradeRecord{
		Instrument:  inst,
		Side:        pos.side,
		EntryTime:   pos.entryTime,
		ExitTime:    bar.Date,
		EntryPrice:  pos.entryPrice,
		ExitPrice:   exitPrice,
		Size:        pos.size,
		Pnl:         pnl,
		Fees:        pos.entryFee + exitFee,
		SlippageBps: 2 * slip * 10000,
	}
}

// positionValue marks a position: longs at price, shorts mirrored around
// entry so gains accrue as price falls.
func positionValue(pos *position, price float64) float64 {
	if pos.side == types.SELL {
		return pos.size * (2*pos.entryPrice - price)
	}
	return pos.size * price
}

func barTime(insts []string, frames map[string]Frame, i int) time.Time {
	for _, inst := range insts {
		if f := frames[inst]; i < len(f.Bars) {
			return f.Bars[i].Date
		}
	}
	return time.Time{}
}

func signalAt(sig []bool, i int) bool {
	return i >= 0 && i < len(sig) && sig[i]
}

func sortedInstruments(frames map[string]Frame) []string {
	out := make([]string, 0, len(frames))
	for inst := range frames {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}
