package backtest

import (
	"github.com/markcheno/go-talib"

	"tradeforge/pkg/types"
)

// SMACrossStrategy is the stock trend follower used by the CLI: enter
// long when the fast SMA crosses above the slow SMA, exit on the reverse
// cross.
type SMACrossStrategy struct {
	FastPeriod int
	SlowPeriod int

	fast []float64
	slow []float64
}

// NewSMACrossStrategy creates the default 10/30 crossover.
func NewSMACrossStrategy() *SMACrossStrategy {
	return &SMACrossStrategy{FastPeriod: 10, SlowPeriod: 30}
}

// Name identifies the strategy in results and persisted runs.
func (s *SMACrossStrategy) Name() string { return "sma_cross" }

// PopulateIndicators computes the two moving averages for the frame.
func (s *SMACrossStrategy) PopulateIndicators(frame Frame) Frame {
	closes := make([]float64, len(frame.Bars))
	for i, b := range frame.Bars {
		closes[i] = b.Close
	}
	s.fast = talib.Sma(closes, s.FastPeriod)
	s.slow = talib.Sma(closes, s.SlowPeriod)
	return frame
}

// PopulateEntryTrend marks bars where the fast average crosses above the
// slow one.
func (s *SMACrossStrategy) PopulateEntryTrend(frame Frame) Signals {
	n := len(frame.Bars)
	sig := Signals{EnterLong: make([]bool, n), ExitLong: make([]bool, n)}
	for i := s.SlowPeriod; i < n; i++ {
		sig.EnterLong[i] = s.fast[i] > s.slow[i] && s.fast[i-1] <= s.slow[i-1]
	}
	return sig
}

// PopulateExitTrend marks bars where the fast average crosses back below.
func (s *SMACrossStrategy) PopulateExitTrend(frame Frame, sig Signals) Signals {
	n := len(frame.Bars)
	for i := s.SlowPeriod; i < n; i++ {
		sig.ExitLong[i] = s.fast[i] < s.slow[i] && s.fast[i-1] >= s.slow[i-1]
	}
	return sig
}

// LoadBars converts raw column slices into a frame, dropping rows with
// non-positive closes.
func LoadBars(instrument string, bars []types.OHLCVBar) Frame {
	clean := make([]types.OHLCVBar, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			clean = append(clean, b)
		}
	}
	return Frame{Instrument: instrument, Bars: clean}
}
