package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeforge/pkg/types"
)

// maxBarsPerSeries bounds memory per (venue, instrument, timeframe).
const maxBarsPerSeries = 500

// BarRecorder aggregates market snapshots into OHLCV bars per timeframe.
// It implements the scanner's candle source in live and paper runs, where
// no historical candle endpoint is guaranteed to exist.
type BarRecorder struct {
	timeframes map[string]time.Duration

	mu     sync.RWMutex
	series map[string][]types.OHLCVBar // "venue:instrument:timeframe"
	open   map[string]*types.OHLCVBar
}

// NewBarRecorder creates a recorder for the given timeframe labels
// ("1m", "5m", "1h", ...). Unparseable labels are skipped.
func NewBarRecorder(timeframes []string) *BarRecorder {
	tf := make(map[string]time.Duration, len(timeframes))
	for _, label := range timeframes {
		if d, err := parseTimeframe(label); err == nil {
			tf[label] = d
		}
	}
	return &BarRecorder{
		timeframes: tf,
		series:     make(map[string][]types.OHLCVBar),
		open:       make(map[string]*types.OHLCVBar),
	}
}

// Record folds one snapshot into every timeframe's open bar.
func (b *BarRecorder) Record(snap types.MarketSnapshot) {
	price := snap.Mid
	if price <= 0 {
		price = snap.Last
	}
	if price <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for label, d := range b.timeframes {
		key := seriesKey(snap.Venue, snap.Instrument, label)
		bucket := snap.EventTime.Truncate(d)

		bar := b.open[key]
		if bar == nil || !bar.Date.Equal(bucket) {
			if bar != nil {
				b.appendLocked(key, *bar)
			}
			b.open[key] = &types.OHLCVBar{
				Date: bucket, Open: price, High: price, Low: price, Close: price,
			}
			bar = b.open[key]
		}
		if price > bar.High {
			bar.High = price
		}
		if price < bar.Low {
			bar.Low = price
		}
		bar.Close = price
		bar.Volume += snap.BidSize + snap.AskSize
	}
}

func (b *BarRecorder) appendLocked(key string, bar types.OHLCVBar) {
	s := append(b.series[key], bar)
	if len(s) > maxBarsPerSeries {
		s = s[len(s)-maxBarsPerSeries:]
	}
	b.series[key] = s
}

// Candles returns the most recent closed bars plus the open bar, oldest
// first, capped at limit.
func (b *BarRecorder) Candles(ctx context.Context, venue, instrument, timeframe string, limit int) ([]types.OHLCVBar, error) {
	if _, ok := b.timeframes[timeframe]; !ok {
		return nil, fmt.Errorf("unknown timeframe %s", timeframe)
	}
	key := seriesKey(venue, instrument, timeframe)

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.OHLCVBar, 0, limit)
	out = append(out, b.series[key]...)
	if bar := b.open[key]; bar != nil {
		out = append(out, *bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	if len(out) > limit && limit > 0 {
		out = out[len(out)-limit:]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no bars for %s %s %s", venue, instrument, timeframe)
	}
	return out, nil
}

// Closes returns the close series for the benchmark used in regime
// classification.
func (b *BarRecorder) Closes(venue, instrument, timeframe string) []float64 {
	bars, err := b.Candles(context.Background(), venue, instrument, timeframe, maxBarsPerSeries)
	if err != nil {
		return nil
	}
	out := make([]float64, len(bars))
	for i, bar := range bars {
		out[i] = bar.Close
	}
	return out
}

func seriesKey(venue, instrument, timeframe string) string {
	return venue + ":" + instrument + ":" + timeframe
}

// parseTimeframe reads labels like "1m", "15m", "4h", "1d".
func parseTimeframe(label string) (time.Duration, error) {
	if label == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	unit := label[len(label)-1]
	var n int
	if _, err := fmt.Sscanf(label[:len(label)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", label)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad timeframe unit %q", label)
}
