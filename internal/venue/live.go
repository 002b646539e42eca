package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"tradeforge/internal/config"
	"tradeforge/pkg/types"
)

// LiveAdapter talks to a real venue over authenticated REST.
//
// Idempotent reads retry on 5xx inside resty; PlaceOrder and CancelOrder
// are never retried — a transient failure surfaces to the OMS and
// reconciliation catches up. Every call runs through a circuit breaker and
// feeds the consecutive-error counter that drives health classification:
// 2 errors → degraded, 5 → offline.
type LiveAdapter struct {
	name      string
	venueTyp  string
	logger    *slog.Logger
	http      *resty.Client // idempotent reads, retries on 5xx
	httpWrite *resty.Client // order mutations, never retried
	auth      *Auth
	rl        *RateLimiter
	breaker   *gobreaker.CircuitBreaker

	mu                sync.Mutex
	connected         bool
	consecutiveErrors int
	lastLatency       time.Duration
	lastHeartbeat     time.Time
	totalCalls        int64
	totalErrors       int64
	instruments       []string
}

const (
	degradedAfterErrors = 2
	offlineAfterErrors  = 5
)

// NewLiveAdapter builds a REST adapter from venue config.
func NewLiveAdapter(cfg config.VenueConfig, logger *slog.Logger) *LiveAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	// Retry policy lives on the resty client, so mutations get their own
	// client with none configured.
	writeClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= offlineAfterErrors
		},
	})

	return &LiveAdapter{
		name:      cfg.Name,
		venueTyp:  cfg.VenueType,
		logger:    logger.With("component", "venue", "venue", cfg.Name, "mode", "live"),
		http:      httpClient,
		httpWrite: writeClient,
		auth: NewAuth(Credentials{
			APIKey:     cfg.APIKey,
			Secret:     cfg.APISecret,
			Passphrase: cfg.Passphrase,
		}),
		rl:          NewRateLimiter(cfg.RateLimit, cfg.Burst),
		breaker:     breaker,
		instruments: cfg.Instruments,
	}
}

// Name returns the venue name.
func (l *LiveAdapter) Name() string { return l.name }

// Connect verifies reachability with a health probe.
func (l *LiveAdapter) Connect(ctx context.Context) error {
	if !l.auth.HasCredentials() {
		return fmt.Errorf("venue %s: missing credentials", l.name)
	}
	if _, err := l.call(ctx, l.rl.Market, http.MethodGet, "/time", "", nil); err != nil {
		return fmt.Errorf("venue %s: connect probe: %w", l.name, err)
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.logger.Info("venue connected")
	return nil
}

// Disconnect marks the adapter offline. The HTTP client is stateless.
func (l *LiveAdapter) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	return nil
}

// call runs one signed request through the rate limiter and circuit
// breaker, tracking latency and the consecutive-error counter.
func (l *LiveAdapter) call(ctx context.Context, bucket *TokenBucket, method, path, body string, result any) (*resty.Response, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := l.auth.Headers(method, path, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := l.breaker.Execute(func() (any, error) {
		req := l.http.R().SetContext(ctx).SetHeaders(headers)
		if body != "" {
			req.SetBody(json.RawMessage(body))
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
		}
		return resp, nil
	})
	l.record(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return res.(*resty.Response), nil
}

func (l *LiveAdapter) record(latency time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalCalls++
	l.lastLatency = latency
	if err != nil {
		l.totalErrors++
		l.consecutiveErrors++
		return
	}
	l.consecutiveErrors = 0
	l.lastHeartbeat = time.Now().UTC()
}

type placeOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	Type          string  `json:"type"`
	Price         float64 `json:"price,omitempty"`
}

type placeOrderResponse struct {
	OrderID     string  `json:"order_id"`
	Status      string  `json:"status"`
	FilledSize  float64 `json:"filled_size"`
	FilledPrice float64 `json:"filled_price"`
}

// PlaceOrder submits one order. No retry: on transient failure the order
// is surfaced as failed and reconciliation catches up using the client
// order ID.
func (l *LiveAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	req := placeOrderRequest{
		ClientOrderID: order.ID.String(),
		Instrument:    order.Instrument,
		Side:          string(order.Side),
		Size:          order.Size,
		Type:          string(order.OrderType),
		Price:         order.Price,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return order, fmt.Errorf("marshal order: %w", err)
	}

	if err := l.rl.Order.Wait(ctx); err != nil {
		return order, err
	}
	headers, err := l.auth.Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return order, err
	}

	var result placeOrderResponse
	start := time.Now()
	resp, err := l.httpWrite.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders")
	latency := time.Since(start)
	if err == nil && resp.StatusCode() >= 400 {
		err = fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	l.record(latency, err)
	if err != nil {
		return order, err
	}

	order.VenueOrderID = result.OrderID
	order.Status = normalizeLiveStatus(result.Status)
	order.FilledSize = result.FilledSize
	order.FilledPrice = result.FilledPrice
	order.LatencyMs = latency.Milliseconds()
	if order.Price > 0 && result.FilledPrice > 0 {
		order.SlippageBps = (result.FilledPrice - order.Price) / order.Price * 10000 * order.Side.Sign()
	}
	order.UpdatedAt = time.Now().UTC()
	return order, nil
}

func normalizeLiveStatus(status string) types.OrderStatus {
	switch status {
	case "filled", "done", "closed":
		return types.OrderFilled
	case "partial", "partially_filled":
		return types.OrderPartial
	case "rejected":
		return types.OrderRejected
	case "cancelled", "canceled":
		return types.OrderCancelled
	case "expired":
		return types.OrderExpired
	default:
		return types.OrderOpen
	}
}

// CancelOrder cancels one venue order. Not retried.
func (l *LiveAdapter) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if err := l.rl.Order.Wait(ctx); err != nil {
		return false, err
	}
	path := "/orders/" + venueOrderID
	headers, err := l.auth.Headers(http.MethodDelete, path, "")
	if err != nil {
		return false, err
	}

	start := time.Now()
	resp, err := l.httpWrite.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	latency := time.Since(start)
	if err == nil && resp.StatusCode() >= 400 && resp.StatusCode() != http.StatusNotFound {
		err = fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	l.record(latency, err)
	if err != nil {
		return false, err
	}
	return resp.StatusCode() < 400, nil
}

// GetBalance fetches asset balances.
func (l *LiveAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	var result map[string]float64
	if _, err := l.call(ctx, l.rl.Market, http.MethodGet, "/balance", "", &result); err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return result, nil
}

type venuePositionResponse struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// GetPositions fetches open positions.
func (l *LiveAdapter) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	var result []venuePositionResponse
	if _, err := l.call(ctx, l.rl.Market, http.MethodGet, "/positions", "", &result); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	positions := make([]VenuePosition, 0, len(result))
	for _, r := range result {
		positions = append(positions, VenuePosition{
			Instrument: r.Instrument,
			Side:       types.Side(r.Side),
			Size:       r.Size,
			EntryPrice: r.EntryPrice,
			MarkPrice:  r.MarkPrice,
		})
	}
	return positions, nil
}

type venueOrderResponse struct {
	OrderID     string  `json:"order_id"`
	Instrument  string  `json:"instrument"`
	Side        string  `json:"side"`
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
	FilledSize  float64 `json:"filled_size"`
	FilledPrice float64 `json:"filled_price"`
	Status      string  `json:"status"`
}

// GetOpenOrders fetches our open orders on the venue.
func (l *LiveAdapter) GetOpenOrders(ctx context.Context) ([]VenueOrder, error) {
	var result []venueOrderResponse
	if _, err := l.call(ctx, l.rl.Market, http.MethodGet, "/orders", "", &result); err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	orders := make([]VenueOrder, 0, len(result))
	for _, r := range result {
		orders = append(orders, VenueOrder{
			VenueOrderID: r.OrderID,
			Instrument:   r.Instrument,
			Side:         types.Side(r.Side),
			Size:         r.Size,
			Price:        r.Price,
			FilledSize:   r.FilledSize,
			FilledPrice:  r.FilledPrice,
			Status:       r.Status,
		})
	}
	return orders, nil
}

type tickerResponse struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume24h float64 `json:"volume_24h"`
	Time      int64   `json:"time"` // unix millis
}

// GetTicker fetches the current top-of-book quote.
func (l *LiveAdapter) GetTicker(ctx context.Context, instrument string) (types.MarketSnapshot, error) {
	var result tickerResponse
	path := "/ticker/" + instrument
	if _, err := l.call(ctx, l.rl.Market, http.MethodGet, path, "", &result); err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("get ticker: %w", err)
	}
	return types.MarketSnapshot{
		Venue:       l.name,
		Instrument:  instrument,
		Bid:         result.Bid,
		Ask:         result.Ask,
		Last:        result.Last,
		Volume24h:   result.Volume24h,
		EventTime:   time.UnixMilli(result.Time).UTC(),
		ReceiveTime: time.Now().UTC(),
		DataQuality: types.QualityRealtime,
	}, nil
}

// HealthCheck classifies the venue from the consecutive-error counter.
func (l *LiveAdapter) HealthCheck(ctx context.Context) types.VenueHealth {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := types.VenueHealthy
	switch {
	case !l.connected || l.consecutiveErrors >= offlineAfterErrors:
		status = types.VenueOffline
	case l.consecutiveErrors >= degradedAfterErrors:
		status = types.VenueDegraded
	}

	errorRate := 0.0
	if l.totalCalls > 0 {
		errorRate = float64(l.totalErrors) / float64(l.totalCalls)
	}

	return types.VenueHealth{
		VenueID:              l.name,
		Name:                 l.name,
		Status:               status,
		LatencyMs:            l.lastLatency.Milliseconds(),
		ErrorRate:            errorRate,
		ConsecutiveErrors:    l.consecutiveErrors,
		LastHeartbeat:        l.lastHeartbeat,
		IsEnabled:            true,
		SupportedInstruments: l.instruments,
	}
}
