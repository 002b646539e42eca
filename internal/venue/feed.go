// feed.go implements the WebSocket market feed for live venues.
//
// One Feed per venue subscribes to ticker and L2 updates by instrument and
// pumps normalised events into typed channels consumed by the market-data
// receive loop. The feed auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes to all tracked instruments on
// reconnection. A read deadline (90s) ensures silent server failures are
// detected within ~2 missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeforge/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	quoteBufferSize  = 256              // buffer for quote/book events
)

// FeedQuote is one normalised quote event from the venue stream.
type FeedQuote struct {
	Venue      string
	Instrument string
	Bid        float64
	Ask        float64
	Last       float64
	Volume24h  float64
	EventTime  time.Time
}

// FeedBook is one normalised L2 event from the venue stream.
type FeedBook struct {
	Venue      string
	Instrument string
	Book       types.OrderBook
	EventTime  time.Time
}

// Feed manages a single venue WebSocket connection. It handles connection
// lifecycle, subscription tracking, message routing, and automatic
// reconnection with exponential backoff.
type Feed struct {
	venue  string
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // instruments

	quoteCh chan FeedQuote
	bookCh  chan FeedBook

	logger *slog.Logger
}

// NewFeed creates a market feed for one venue.
func NewFeed(venue, wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		venue:      venue,
		url:        wsURL,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan FeedQuote, quoteBufferSize),
		bookCh:     make(chan FeedBook, quoteBufferSize),
		logger:     logger.With("component", "feed", "venue", venue),
	}
}

// Quotes returns a read-only channel of quote events.
func (f *Feed) Quotes() <-chan FeedQuote { return f.quoteCh }

// Books returns a read-only channel of L2 events.
func (f *Feed) Books() <-chan FeedBook { return f.bookCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

type wsSubscribeMsg struct {
	Op          string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels    []string `json:"channels"`
	Instruments []string `json:"instruments"`
}

// Subscribe adds instruments to the stream.
func (f *Feed) Subscribe(ctx context.Context, instruments []string) error {
	f.subscribedMu.Lock()
	for _, in := range instruments {
		f.subscribed[in] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{
		Op:          "subscribe",
		Channels:    []string{"ticker", "book"},
		Instruments: instruments,
	})
}

// Unsubscribe removes instruments from the stream.
func (f *Feed) Unsubscribe(ctx context.Context, instruments []string) error {
	f.subscribedMu.Lock()
	for _, in := range instruments {
		delete(f.subscribed, in)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{
		Op:          "unsubscribe",
		Channels:    []string{"ticker", "book"},
		Instruments: instruments,
	})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	instruments := make([]string, 0, len(f.subscribed))
	for in := range f.subscribed {
		instruments = append(instruments, in)
	}
	f.subscribedMu.RUnlock()

	if len(instruments) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{
		Op:          "subscribe",
		Channels:    []string{"ticker", "book"},
		Instruments: instruments,
	})
}

type wsTickerEvent struct {
	Channel    string  `json:"channel"`
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Last       float64 `json:"last"`
	Volume24h  float64 `json:"volume_24h"`
	Time       int64   `json:"time"` // unix millis
}

type wsBookEvent struct {
	Channel    string             `json:"channel"`
	Instrument string             `json:"instrument"`
	Bids       []types.PriceLevel `json:"bids"`
	Asks       []types.PriceLevel `json:"asks"`
	Time       int64              `json:"time"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "ticker":
		var evt wsTickerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal ticker event", "error", err)
			return
		}
		q := FeedQuote{
			Venue:      f.venue,
			Instrument: evt.Instrument,
			Bid:        evt.Bid,
			Ask:        evt.Ask,
			Last:       evt.Last,
			Volume24h:  evt.Volume24h,
			EventTime:  time.UnixMilli(evt.Time).UTC(),
		}
		select {
		case f.quoteCh <- q:
		default:
			f.logger.Warn("quote channel full, dropping event", "instrument", evt.Instrument)
		}

	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		b := FeedBook{
			Venue:      f.venue,
			Instrument: evt.Instrument,
			Book:       types.OrderBook{Bids: evt.Bids, Asks: evt.Asks},
			EventTime:  time.UnixMilli(evt.Time).UTC(),
		}
		select {
		case f.bookCh <- b:
		default:
			f.logger.Warn("book channel full, dropping event", "instrument", evt.Instrument)
		}

	case "heartbeat", "subscriptions":
		f.logger.Debug("ignoring event", "channel", envelope.Channel)

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
