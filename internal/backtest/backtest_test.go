package backtest

import (
	"math"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// flatBars builds n daily bars at a constant price.
func flatBars(n int, price float64) []types.OHLCVBar {
	bars := make([]types.OHLCVBar, n)
	for i := range bars {
		bars[i] = types.OHLCVBar{
			Date: t0.AddDate(0, 0, i),
			Open: price, High: price, Low: price, Close: price,
			Volume: 1000,
		}
	}
	return bars
}

// barsFromOpens builds daily bars where each bar opens and closes at the
// given price.
func barsFromOpens(opens ...float64) []types.OHLCVBar {
	bars := make([]types.OHLCVBar, len(opens))
	for i, p := range opens {
		bars[i] = types.OHLCVBar{
			Date: t0.AddDate(0, 0, i),
			Open: p, High: p, Low: p, Close: p,
			Volume: 1000,
		}
	}
	return bars
}

// scriptStrategy plays back fixed per-bar signals.
type scriptStrategy struct {
	enter      map[int]bool
	exit       map[int]bool
	enterShort map[int]bool
	exitShort  map[int]bool
}

func (s *scriptStrategy) Name() string                     { return "script" }
func (s *scriptStrategy) PopulateIndicators(f Frame) Frame { return f }

func (s *scriptStrategy) PopulateEntryTrend(f Frame) Signals {
	n := len(f.Bars)
	sig := Signals{
		EnterLong:  make([]bool, n),
		EnterShort: make([]bool, n),
		ExitLong:   make([]bool, n),
		ExitShort:  make([]bool, n),
	}
	for i := range sig.EnterLong {
		sig.EnterLong[i] = s.enter[i]
		sig.EnterShort[i] = s.enterShort[i]
	}
	return sig
}
func (s *scriptStrategy) PopulateExitTrend(f Frame, sig Signals) Signals {
	for i := range sig.ExitLong {
		sig.ExitLong[i] = s.exit[i]
		sig.ExitShort[i] = s.exitShort[i]
	}
	return sig
}

func singleSplitConfig(bars []types.OHLCVBar) Config {
	return Config{
		StrategyName:   "script",
		Instruments:    []string{"BTC-USD"},
		StartDate:      bars[0].Date,
		EndDate:        bars[len(bars)-1].Date,
		InitialCapital: 10_000,
		TrainRatio:     1,
		MaxPositionPct: 0.5,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	good := Config{
		StartDate:      t0,
		EndDate:        t0.AddDate(0, 0, 10),
		InitialCapital: 1000,
		TrainRatio:     0.6,
		ValidateRatio:  0.2,
		TestRatio:      0.2,
		MaxPositionPct: 0.1,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ratios don't sum to one", func(c *Config) { c.TestRatio = 0.5 }},
		{"zero capital", func(c *Config) { c.InitialCapital = 0 }},
		{"start after end", func(c *Config) { c.StartDate = c.EndDate.AddDate(0, 0, 1) }},
		{"position pct too large", func(c *Config) { c.MaxPositionPct = 1.5 }},
		{"position pct zero", func(c *Config) { c.MaxPositionPct = 0 }},
	}
	for _, tc := range cases {
		cfg := good
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRunSplitsHistoryByRatio(t *testing.T) {
	t.Parallel()

	bars := flatBars(100, 50)
	cfg := singleSplitConfig(bars)
	cfg.TrainRatio, cfg.ValidateRatio, cfg.TestRatio = 0.6, 0.2, 0.2

	res, err := Run(cfg, map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, &scriptStrategy{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Each split simulates from its second bar: 60, 20, 20 bars.
	if got := len(res.InSample.EquityCurve); got != 59 {
		t.Errorf("in-sample curve = %d points, want 59", got)
	}
	if got := len(res.Validation.EquityCurve); got != 19 {
		t.Errorf("validation curve = %d points, want 19", got)
	}
	if got := len(res.OutSample.EquityCurve); got != 19 {
		t.Errorf("out-sample curve = %d points, want 19", got)
	}
	if got := len(res.EquityCurve); got != 59+19+19 {
		t.Errorf("combined curve = %d points", got)
	}
}

func TestRunRejectsEmptyFrames(t *testing.T) {
	t.Parallel()

	cfg := singleSplitConfig(flatBars(10, 50))
	if _, err := Run(cfg, nil, &scriptStrategy{}); err == nil {
		t.Error("expected error for no frames")
	}
	frames := map[string]Frame{"BTC-USD": {Instrument: "BTC-USD"}}
	if _, err := Run(cfg, frames, &scriptStrategy{}); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestSignalsActOnNextBarOpen(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 100, 100, 105, 110, 120, 120, 120)
	strat := &scriptStrategy{
		enter: map[int]bool{2: true}, // acts at bar 3
		exit:  map[int]bool{4: true}, // acts at bar 5
	}
	cfg := singleSplitConfig(bars)

	res, err := Run(cfg, map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, strat)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.EntryTime.Equal(bars[3].Date) {
		t.Errorf("entry time = %v, want bar 3", tr.EntryTime)
	}
	if !tr.ExitTime.Equal(bars[5].Date) {
		t.Errorf("exit time = %v, want bar 5", tr.ExitTime)
	}
	// No slippage configured: fills at the raw opens.
	if tr.EntryPrice != 105 || tr.ExitPrice != 120 {
		t.Errorf("fill prices = %v/%v, want 105/120", tr.EntryPrice, tr.ExitPrice)
	}
}

func TestExitRunsBeforeEntrySameBar(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 100, 100, 100, 100, 100, 100, 100)
	strat := &scriptStrategy{
		// Enter at bar 2; at bar 4 the exit closes the first position and the
		// simultaneous entry opens a second one.
		enter: map[int]bool{1: true, 3: true},
		exit:  map[int]bool{3: true},
	}
	cfg := singleSplitConfig(bars)

	res, err := Run(cfg, map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, strat)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2 (flip at bar 4)", len(res.Trades))
	}
	first, second := res.Trades[0], res.Trades[1]
	if !first.ExitTime.Equal(bars[4].Date) {
		t.Errorf("first exit = %v, want bar 4", first.ExitTime)
	}
	if !second.EntryTime.Equal(bars[4].Date) {
		t.Errorf("second entry = %v, want bar 4", second.EntryTime)
	}
	// The leftover position is force-closed at the last bar.
	if !second.ExitTime.Equal(bars[len(bars)-1].Date) {
		t.Errorf("second exit = %v, want last bar", second.ExitTime)
	}
}

func TestPnlWithCommission(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 100, 100, 110, 110, 110)
	strat := &scriptStrategy{
		enter: map[int]bool{1: true}, // entry at bar 2 open = 100
		exit:  map[int]bool{2: true}, // exit at bar 3 open = 110
	}
	cfg := singleSplitConfig(bars)
	cfg.CommissionBps = 20 // 10 bps per side

	res, err := Run(cfg, map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, strat)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]

	// Entry: budget 5000, fee 5, size (5000-5)/100 = 49.95.
	// Exit: proceeds 49.95*110 = 5494.5, fee 5.4945.
	// PnL = 10*49.95 - 5 - 5.4945 = 489.0055... but recomputed exactly:
	wantPnl := 10*49.95 - 5 - 5.4945
	if math.Abs(tr.Pnl-wantPnl) > 1e-9 {
		t.Errorf("pnl = %v, want %v", tr.Pnl, wantPnl)
	}
	if math.Abs(tr.Fees-(5+5.4945)) > 1e-9 {
		t.Errorf("fees = %v, want 10.4945", tr.Fees)
	}
}

func TestShortPositionMarking(t *testing.T) {
	t.Parallel()

	short := &position{side: types.SELL, size: 2, entryPrice: 100}
	// Shorts gain as price falls: 2 * (200 - 90) = 220.
	if got := positionValue(short, 90); got != 220 {
		t.Errorf("short value at 90 = %v, want 220", got)
	}
	if got := positionValue(short, 110); got != 180 {
		t.Errorf("short value at 110 = %v, want 180", got)
	}

	long := &position{side: types.BUY, size: 2, entryPrice: 100}
	if got := positionValue(long, 110); got != 220 {
		t.Errorf("long value at 110 = %v, want 220", got)
	}
}

func TestShortSignalsOpenAndCloseShortTrade(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 100, 110, 90, 90)
	strat := &scriptStrategy{enterShort: map[int]bool{1: true}, exitShort: map[int]bool{3: true}}

	res, err := Run(singleSplitConfig(bars), map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, strat)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Side != types.SELL {
		t.Fatalf("side = %v, want SELL", tr.Side)
	}
	if tr.EntryPrice != 110 || tr.ExitPrice != 90 {
		t.Errorf("entry/exit = %v/%v, want 110/90", tr.EntryPrice, tr.ExitPrice)
	}
	// Size 5000/110; the 20-point drop is all profit with no fees.
	wantPnl := 20 * 5000.0 / 110
	if math.Abs(tr.Pnl-wantPnl) > 1e-9 {
		t.Errorf("pnl = %v, want %v", tr.Pnl, wantPnl)
	}

	// Cash receives margin plus gross pnl when the short closes.
	final := res.EquityCurve[len(res.EquityCurve)-1].Equity
	if math.Abs(final-(10_000+wantPnl)) > 1e-9 {
		t.Errorf("final equity = %v, want %v", final, 10_000+wantPnl)
	}
}

func TestMultiInstrumentRunsAreDeterministic(t *testing.T) {
	t.Parallel()

	frames := map[string]Frame{
		"AAA-USD": {Instrument: "AAA-USD", Bars: barsFromOpens(100, 100, 100, 100, 120)},
		"BBB-USD": {Instrument: "BBB-USD", Bars: barsFromOpens(200, 200, 200, 200, 210)},
	}
	strat := &scriptStrategy{enter: map[int]bool{1: true}, exit: map[int]bool{3: true}}
	cfg := singleSplitConfig(frames["AAA-USD"].Bars)
	cfg.Instruments = []string{"AAA-USD", "BBB-USD"}

	// AAA sizes first off the full cash budget (5000), BBB off the
	// remainder (2500); exits run in the same order. Final equity:
	// 2500 + 50*120 + 12.5*210 = 11125.
	for run := 0; run < 20; run++ {
		res, err := Run(cfg, frames, strat)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(res.Trades) != 2 {
			t.Fatalf("run %d: trades = %d, want 2", run, len(res.Trades))
		}
		if res.Trades[0].Instrument != "AAA-USD" || res.Trades[1].Instrument != "BBB-USD" {
			t.Fatalf("run %d: trade order = %s, %s", run, res.Trades[0].Instrument, res.Trades[1].Instrument)
		}
		final := res.EquityCurve[len(res.EquityCurve)-1].Equity
		if math.Abs(final-11_125) > 1e-9 {
			t.Fatalf("run %d: final equity = %v, want 11125", run, final)
		}
	}
}

func TestDrawdownTrackedOnCurve(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 100, 100, 120, 90, 90)
	strat := &scriptStrategy{enter: map[int]bool{1: true}}
	cfg := singleSplitConfig(bars)
	cfg.MaxPositionPct = 1

	res, err := Run(cfg, map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}, strat)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawDrawdown bool
	for _, pt := range res.EquityCurve {
		if pt.Drawdown < 0 {
			t.Errorf("negative drawdown %v at %v", pt.Drawdown, pt.Time)
		}
		if pt.Drawdown > 0 {
			sawDrawdown = true
		}
	}
	if !sawDrawdown {
		t.Error("peak-to-trough move produced no drawdown points")
	}
}

func TestWalkForwardWindowCount(t *testing.T) {
	t.Parallel()

	bars := flatBars(100, 50)
	frames := map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}
	cfg := WalkForwardConfig{
		Backtest:    singleSplitConfig(bars),
		TrainWindow: 30,
		TestWindow:  10,
	}

	res, err := WalkForward(cfg, frames, &scriptStrategy{})
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}
	// Default step = test window: starts 0,10,...,60.
	if len(res.Windows) != 7 {
		t.Fatalf("windows = %d, want 7", len(res.Windows))
	}
	for i, w := range res.Windows {
		if w.StartBar != i*10 || w.EndBar != i*10+40 {
			t.Errorf("window %d spans %d..%d", i, w.StartBar, w.EndBar)
		}
	}

	// Explicit step.
	cfg.StepSize = 20
	res, err = WalkForward(cfg, frames, &scriptStrategy{})
	if err != nil {
		t.Fatalf("WalkForward with step: %v", err)
	}
	if len(res.Windows) != 4 {
		t.Errorf("windows with step 20 = %d, want 4", len(res.Windows))
	}
}

func TestWalkForwardRejectsShortHistory(t *testing.T) {
	t.Parallel()

	bars := flatBars(30, 50)
	frames := map[string]Frame{"BTC-USD": {Instrument: "BTC-USD", Bars: bars}}
	cfg := WalkForwardConfig{Backtest: singleSplitConfig(bars), TrainWindow: 30, TestWindow: 10}

	if _, err := WalkForward(cfg, frames, &scriptStrategy{}); err == nil {
		t.Error("expected error for short history")
	}
	cfg.TrainWindow = 0
	if _, err := WalkForward(cfg, frames, &scriptStrategy{}); err == nil {
		t.Error("expected error for zero train window")
	}
}

func TestSMACrossSignals(t *testing.T) {
	t.Parallel()

	// 40 declining bars then 30 sharply rising: the fast average crosses
	// above the slow one somewhere in the rally.
	var opens []float64
	for i := 0; i < 40; i++ {
		opens = append(opens, 100-float64(i)*0.5)
	}
	for i := 0; i < 30; i++ {
		opens = append(opens, 80+float64(i)*2)
	}
	frame := LoadBars("BTC-USD", barsFromOpens(opens...))

	strat := NewSMACrossStrategy()
	frame = strat.PopulateIndicators(frame)
	sig := strat.PopulateExitTrend(frame, strat.PopulateEntryTrend(frame))

	crossUp := -1
	for i, e := range sig.EnterLong {
		if e {
			crossUp = i
			break
		}
	}
	if crossUp < 40 {
		t.Fatalf("cross-up at bar %d, want during the rally", crossUp)
	}
	// No exit before the entry.
	for i := 0; i < crossUp; i++ {
		if sig.ExitLong[i] && i >= strat.SlowPeriod {
			// A cross-down during the decline is legitimate only if the fast
			// average was ever above; with a monotone decline it never is.
			t.Errorf("unexpected exit signal at bar %d", i)
		}
	}
}

func TestLoadBarsDropsBadRows(t *testing.T) {
	t.Parallel()

	bars := barsFromOpens(100, 0, 100, -5, 100)
	frame := LoadBars("BTC-USD", bars)
	if len(frame.Bars) != 3 {
		t.Errorf("kept %d bars, want 3", len(frame.Bars))
	}
}
