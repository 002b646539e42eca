// Package marketdata unifies venue quote and order-book updates into a
// single snapshot map keyed by (venue, instrument).
//
// The service is the exclusive owner of the in-memory snapshot map. Per key
// the snapshot is last-writer-wins on event time: adapters cannot apply an
// older update over a newer one. On every accepted update the service
// stores the snapshot, records the venue heartbeat, notifies subscribers on
// a background goroutine, and publishes to the pub/sub transport
// best-effort. Consumers must check staleness before relying on a snapshot.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradeforge/pkg/types"
)

// SubscriberFunc receives accepted snapshots. Callbacks run on a background
// goroutine; errors are the subscriber's problem and panics are not
// recovered, so keep them cheap and non-blocking.
type SubscriberFunc func(types.MarketSnapshot)

// Publisher is the external pub/sub transport for snapshot fan-out.
// Publishing is best-effort: failures are logged and discarded.
type Publisher interface {
	Publish(ctx context.Context, snapshot types.MarketSnapshot) error
}

type subscription struct {
	venue       string
	instruments map[string]bool // empty = all instruments on the venue
	fn          SubscriberFunc
}

// Service caches the last snapshot per (venue, instrument) and fans out
// updates.
type Service struct {
	logger         *slog.Logger
	publisher      Publisher
	staleThreshold time.Duration

	mu         sync.RWMutex
	snapshots  map[string]types.MarketSnapshot // key: venue + ":" + instrument
	heartbeats map[string]time.Time            // per venue
	subs       []subscription

	notifyWG sync.WaitGroup
}

// New creates the service. publisher may be nil to disable external fan-out.
func New(logger *slog.Logger, publisher Publisher, staleThreshold time.Duration) *Service {
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Second
	}
	return &Service{
		logger:         logger.With("component", "marketdata"),
		publisher:      publisher,
		staleThreshold: staleThreshold,
		snapshots:      make(map[string]types.MarketSnapshot),
		heartbeats:     make(map[string]time.Time),
	}
}

func key(venue, instrument string) string { return venue + ":" + instrument }

// Subscribe registers a callback for snapshots from one venue, or every
// venue when venue is empty. An empty instruments slice subscribes to
// every instrument.
func (s *Service) Subscribe(venue string, instruments []string, fn SubscriberFunc) {
	set := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		set[in] = true
	}
	s.mu.Lock()
	s.subs = append(s.subs, subscription{venue: venue, instruments: set, fn: fn})
	s.mu.Unlock()
}

// UpdateQuote normalises a top-of-book quote into a snapshot and applies it.
func (s *Service) UpdateQuote(ctx context.Context, venue, instrument string, bid, ask, last, volume24h float64, quality types.DataQuality, eventTime time.Time) {
	snap := types.MarketSnapshot{
		Venue:       venue,
		Instrument:  instrument,
		Bid:         bid,
		Ask:         ask,
		Last:        last,
		Volume24h:   volume24h,
		EventTime:   eventTime,
		ReceiveTime: time.Now().UTC(),
		DataQuality: quality,
	}
	s.apply(ctx, snap)
}

// UpdateOrderBook derives best bid/ask from an L2 book and applies it.
func (s *Service) UpdateOrderBook(ctx context.Context, venue, instrument string, book types.OrderBook, quality types.DataQuality, eventTime time.Time) {
	snap := types.MarketSnapshot{
		Venue:       venue,
		Instrument:  instrument,
		EventTime:   eventTime,
		ReceiveTime: time.Now().UTC(),
		DataQuality: quality,
		L2:          &book,
	}
	if len(book.Bids) > 0 {
		snap.Bid = book.Bids[0].Price
		snap.BidSize = book.Bids[0].Size
	}
	if len(book.Asks) > 0 {
		snap.Ask = book.Asks[0].Price
		snap.AskSize = book.Asks[0].Size
	}
	s.apply(ctx, snap)
}

// ApplySnapshot accepts a pre-built snapshot. Used by adapters that already
// produce the normalised shape (and by tests).
func (s *Service) ApplySnapshot(ctx context.Context, snap types.MarketSnapshot) {
	if snap.ReceiveTime.IsZero() {
		snap.ReceiveTime = time.Now().UTC()
	}
	s.apply(ctx, snap)
}

func (s *Service) apply(ctx context.Context, snap types.MarketSnapshot) {
	normalize(&snap)
	k := key(snap.Venue, snap.Instrument)

	s.mu.Lock()
	if prev, ok := s.snapshots[k]; ok && snap.EventTime.Before(prev.EventTime) {
		s.mu.Unlock()
		return // stale event, keep the newer snapshot
	}
	s.snapshots[k] = snap
	s.heartbeats[snap.Venue] = snap.ReceiveTime
	var targets []SubscriberFunc
	for _, sub := range s.subs {
		if sub.venue != "" && sub.venue != snap.Venue {
			continue
		}
		if len(sub.instruments) > 0 && !sub.instruments[snap.Instrument] {
			continue
		}
		targets = append(targets, sub.fn)
	}
	s.mu.Unlock()

	// Notify and publish off the writer's goroutine so a slow subscriber or
	// transport cannot block adapters.
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		for _, fn := range targets {
			fn(snap)
		}
		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, snap); err != nil {
				s.logger.Warn("publish failed",
					"venue", snap.Venue, "instrument", snap.Instrument, "error", err)
			}
		}
	}()
}

// normalize recomputes the derived fields: mid, spread, spreadBps.
func normalize(snap *types.MarketSnapshot) {
	if snap.Bid > 0 && snap.Ask > 0 {
		snap.Mid = (snap.Bid + snap.Ask) / 2
		snap.Spread = snap.Ask - snap.Bid
		if sum := snap.Bid + snap.Ask; sum > 0 {
			snap.SpreadBps = snap.Spread / (sum / 2) * 10000
		}
	}
	if snap.Last == 0 {
		snap.Last = snap.Mid
	}
	if snap.DataQuality == "" {
		snap.DataQuality = types.QualityRealtime
	}
}

// GetPrice returns the cached snapshot for (venue, instrument). The second
// return is false when nothing has been observed yet.
func (s *Service) GetPrice(venue, instrument string) (types.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key(venue, instrument)]
	return snap, ok
}

// Quality describes one venue's data freshness.
type Quality struct {
	Venue         string
	Stale         bool
	LastHeartbeat time.Time
}

// CheckDataQuality reports staleness for a venue: no heartbeat, or a
// heartbeat older than the stale threshold.
func (s *Service) CheckDataQuality(venue string) Quality {
	s.mu.RLock()
	hb, ok := s.heartbeats[venue]
	s.mu.RUnlock()

	q := Quality{Venue: venue, LastHeartbeat: hb}
	if !ok || time.Since(hb) > s.staleThreshold {
		q.Stale = true
	}
	return q
}

// Snapshot returns the cached snapshot with staleness folded in: a stale
// venue downgrades the reported data quality to unavailable.
func (s *Service) Snapshot(venue, instrument string) types.MarketSnapshot {
	snap, ok := s.GetPrice(venue, instrument)
	if !ok {
		return types.MarketSnapshot{
			Venue:       venue,
			Instrument:  instrument,
			DataQuality: types.QualityUnavailable,
		}
	}
	if s.CheckDataQuality(venue).Stale {
		snap.DataQuality = types.QualityUnavailable
	}
	return snap
}

// Flush blocks until in-flight notifications have been delivered. Test hook.
func (s *Service) Flush() { s.notifyWG.Wait() }
