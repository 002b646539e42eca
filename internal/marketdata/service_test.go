package marketdata

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tradeforge/pkg/types"
)

func newTestService(stale time.Duration) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, nil, stale)
}

func TestUpdateQuoteDerivedFields(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Minute)

	s.UpdateQuote(context.Background(), "testex", "BTC-USD",
		50_000, 50_100, 0, 1e6, types.QualityRealtime, time.Now().UTC())
	s.Flush()

	snap, ok := s.GetPrice("testex", "BTC-USD")
	if !ok {
		t.Fatal("snapshot not stored")
	}
	if snap.Mid != 50_050 {
		t.Errorf("mid = %v, want 50050", snap.Mid)
	}
	if snap.Spread != 100 {
		t.Errorf("spread = %v, want 100", snap.Spread)
	}
	wantBps := 100.0 / 50_050 * 10_000
	if diff := snap.SpreadBps - wantBps; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("spreadBps = %v, want %v", snap.SpreadBps, wantBps)
	}
	// Last falls back to mid when the feed carries no trade price.
	if snap.Last != snap.Mid {
		t.Errorf("last = %v, want mid fallback", snap.Last)
	}
}

func TestLastWriterWinsOnEventTime(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	s.UpdateQuote(ctx, "testex", "BTC-USD", 50_000, 50_100, 0, 0, types.QualityRealtime, now)
	// An older event must not clobber the newer snapshot.
	s.UpdateQuote(ctx, "testex", "BTC-USD", 40_000, 40_100, 0, 0, types.QualityRealtime, now.Add(-time.Second))
	s.Flush()

	snap, _ := s.GetPrice("testex", "BTC-USD")
	if snap.Bid != 50_000 {
		t.Errorf("bid = %v, stale event overwrote newer snapshot", snap.Bid)
	}

	// A newer event replaces it.
	s.UpdateQuote(ctx, "testex", "BTC-USD", 51_000, 51_100, 0, 0, types.QualityRealtime, now.Add(time.Second))
	s.Flush()
	snap, _ = s.GetPrice("testex", "BTC-USD")
	if snap.Bid != 51_000 {
		t.Errorf("bid = %v, want 51000", snap.Bid)
	}
}

func TestUpdateOrderBookTopOfBook(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Minute)

	book := types.OrderBook{
		Bids: []types.PriceLevel{{Price: 3000, Size: 5}, {Price: 2999, Size: 10}},
		Asks: []types.PriceLevel{{Price: 3001, Size: 4}},
	}
	s.UpdateOrderBook(context.Background(), "testex", "ETH-USD", book,
		types.QualityRealtime, time.Now().UTC())
	s.Flush()

	snap, _ := s.GetPrice("testex", "ETH-USD")
	if snap.Bid != 3000 || snap.Ask != 3001 {
		t.Errorf("top of book = %v/%v, want 3000/3001", snap.Bid, snap.Ask)
	}
	if snap.BidSize != 5 || snap.AskSize != 4 {
		t.Errorf("sizes = %v/%v, want 5/4", snap.BidSize, snap.AskSize)
	}
	if snap.L2 == nil || len(snap.L2.Bids) != 2 {
		t.Error("L2 book not carried on snapshot")
	}
}

func TestSubscribeFiltering(t *testing.T) {
	t.Parallel()
	s := newTestService(time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) SubscriberFunc {
		return func(snap types.MarketSnapshot) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}

	s.Subscribe("venueA", nil, record("venueA-all"))
	s.Subscribe("venueA", []string{"BTC-USD"}, record("venueA-btc"))
	s.Subscribe("", nil, record("everything"))

	now := time.Now().UTC()
	s.UpdateQuote(ctx, "venueA", "BTC-USD", 1, 2, 0, 0, types.QualityRealtime, now)
	s.UpdateQuote(ctx, "venueA", "ETH-USD", 1, 2, 0, 0, types.QualityRealtime, now)
	s.UpdateQuote(ctx, "venueB", "BTC-USD", 1, 2, 0, 0, types.QualityRealtime, now)
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	if counts["venueA-all"] != 2 {
		t.Errorf("venueA-all = %d, want 2", counts["venueA-all"])
	}
	if counts["venueA-btc"] != 1 {
		t.Errorf("venueA-btc = %d, want 1", counts["venueA-btc"])
	}
	if counts["everything"] != 3 {
		t.Errorf("everything = %d, want 3", counts["everything"])
	}
}

func TestCheckDataQuality(t *testing.T) {
	t.Parallel()
	s := newTestService(50 * time.Millisecond)
	ctx := context.Background()

	if q := s.CheckDataQuality("never-seen"); !q.Stale {
		t.Error("venue with no heartbeat should be stale")
	}

	s.UpdateQuote(ctx, "testex", "BTC-USD", 1, 2, 0, 0, types.QualityRealtime, time.Now().UTC())
	s.Flush()
	if q := s.CheckDataQuality("testex"); q.Stale {
		t.Error("fresh heartbeat reported stale")
	}

	time.Sleep(60 * time.Millisecond)
	if q := s.CheckDataQuality("testex"); !q.Stale {
		t.Error("expired heartbeat not reported stale")
	}
}

func TestSnapshotDowngradesStaleVenue(t *testing.T) {
	t.Parallel()
	s := newTestService(50 * time.Millisecond)

	snap := s.Snapshot("testex", "BTC-USD")
	if snap.DataQuality != types.QualityUnavailable {
		t.Errorf("unknown instrument quality = %q, want unavailable", snap.DataQuality)
	}

	s.UpdateQuote(context.Background(), "testex", "BTC-USD", 1, 2, 0, 0,
		types.QualityRealtime, time.Now().UTC())
	s.Flush()
	if snap = s.Snapshot("testex", "BTC-USD"); snap.DataQuality != types.QualityRealtime {
		t.Errorf("fresh quality = %q, want realtime", snap.DataQuality)
	}

	time.Sleep(60 * time.Millisecond)
	if snap = s.Snapshot("testex", "BTC-USD"); snap.DataQuality != types.QualityUnavailable {
		t.Errorf("stale quality = %q, want unavailable", snap.DataQuality)
	}
}
