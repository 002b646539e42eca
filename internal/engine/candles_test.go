package engine

import (
	"context"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

func snapAt(ts time.Time, mid float64) types.MarketSnapshot {
	return types.MarketSnapshot{
		Venue:      "venuea",
		Instrument: "BTC-USD",
		Mid:        mid,
		BidSize:    1,
		AskSize:    1,
		EventTime:  ts,
	}
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	good := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for label, want := range good {
		got, err := parseTimeframe(label)
		if err != nil || got != want {
			t.Errorf("parseTimeframe(%q) = %v, %v", label, got, err)
		}
	}

	for _, label := range []string{"", "m", "0m", "-1h", "5x", "abc"} {
		if _, err := parseTimeframe(label); err == nil {
			t.Errorf("parseTimeframe(%q) accepted", label)
		}
	}
}

func TestRecordBucketsByTimeframe(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Three ticks in the first minute, one in the second.
	rec.Record(snapAt(base.Add(5*time.Second), 100))
	rec.Record(snapAt(base.Add(20*time.Second), 104))
	rec.Record(snapAt(base.Add(40*time.Second), 98))
	rec.Record(snapAt(base.Add(65*time.Second), 101))

	bars, err := rec.Candles(context.Background(), "venuea", "BTC-USD", "1m", 10)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2 (one closed, one open)", len(bars))
	}

	first := bars[0]
	if !first.Date.Equal(base) {
		t.Errorf("first bucket = %v, want %v", first.Date, base)
	}
	if first.Open != 100 || first.High != 104 || first.Low != 98 || first.Close != 98 {
		t.Errorf("OHLC = %v/%v/%v/%v", first.Open, first.High, first.Low, first.Close)
	}
	if first.Volume != 6 { // three ticks, bid+ask size 1 each
		t.Errorf("volume = %v, want 6", first.Volume)
	}
	if bars[1].Open != 101 || !bars[1].Date.Equal(base.Add(time.Minute)) {
		t.Errorf("open bar = %+v", bars[1])
	}
}

func TestRecordSkipsUnpricedSnapshots(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	rec.Record(snapAt(time.Now().UTC(), 0))

	if _, err := rec.Candles(context.Background(), "venuea", "BTC-USD", "1m", 10); err == nil {
		t.Error("zero-price snapshot produced a bar")
	}
}

func TestRecordFallsBackToLast(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	snap := snapAt(time.Now().UTC(), 0)
	snap.Last = 42
	rec.Record(snap)

	bars, err := rec.Candles(context.Background(), "venuea", "BTC-USD", "1m", 10)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if bars[0].Close != 42 {
		t.Errorf("close = %v, want last price", bars[0].Close)
	}
}

func TestCandlesLimitAndOrder(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		rec.Record(snapAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}

	bars, err := rec.Candles(context.Background(), "venuea", "BTC-USD", "1m", 3)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want limit 3", len(bars))
	}
	// Most recent three, oldest first.
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Date.Before(bars[i].Date) {
			t.Errorf("bars out of order: %v then %v", bars[i-1].Date, bars[i].Date)
		}
	}
	if bars[2].Close != 109 {
		t.Errorf("newest close = %v, want 109", bars[2].Close)
	}
}

func TestCandlesUnknownTimeframe(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	if _, err := rec.Candles(context.Background(), "venuea", "BTC-USD", "5m", 10); err == nil {
		t.Error("unknown timeframe accepted")
	}
}

func TestCloses(t *testing.T) {
	t.Parallel()

	rec := NewBarRecorder([]string{"1m"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.Record(snapAt(base, 100))
	rec.Record(snapAt(base.Add(time.Minute), 110))

	closes := rec.Closes("venuea", "BTC-USD", "1m")
	if len(closes) != 2 || closes[0] != 100 || closes[1] != 110 {
		t.Errorf("closes = %v", closes)
	}
	if got := rec.Closes("venuea", "ETH-USD", "1m"); got != nil {
		t.Errorf("unknown instrument closes = %v", got)
	}
}
