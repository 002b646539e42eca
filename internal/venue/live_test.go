package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradeforge/internal/config"
	"tradeforge/pkg/types"
)

func newTestLiveAdapter(baseURL string) *LiveAdapter {
	return NewLiveAdapter(config.VenueConfig{
		Name:      "livex",
		BaseURL:   baseURL,
		Timeout:   2 * time.Second,
		APIKey:    "key",
		APISecret: "c2VjcmV0", // base64 "secret"
		RateLimit: 100,
		Burst:     100,
	}, discardLogger())
}

func TestLivePlaceOrderNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := newTestLiveAdapter(srv.URL)
	order := types.Order{
		ID:         uuid.New(),
		Instrument: "BTC-USD",
		Side:       types.BUY,
		Size:       1,
		OrderType:  types.OrderTypeMarket,
	}
	if _, err := l.PlaceOrder(context.Background(), order); err == nil {
		t.Fatal("5xx place reported success")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("place hit the venue %d times, want exactly 1", got)
	}
}

func TestLiveCancelOrderNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := newTestLiveAdapter(srv.URL)
	if _, err := l.CancelOrder(context.Background(), "v-123"); err == nil {
		t.Fatal("5xx cancel reported success")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("cancel hit the venue %d times, want exactly 1", got)
	}
}

func TestLivePlaceOrderParsesFill(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-SIGNATURE") == "" {
			t.Error("request not signed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":"v-9","status":"filled","filled_size":0.5,"filled_price":50000}`))
	}))
	defer srv.Close()

	l := newTestLiveAdapter(srv.URL)
	order := types.Order{
		ID:         uuid.New(),
		Instrument: "BTC-USD",
		Side:       types.BUY,
		Size:       0.5,
		OrderType:  types.OrderTypeMarket,
	}
	placed, err := l.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if placed.VenueOrderID != "v-9" || placed.Status != types.OrderFilled {
		t.Errorf("placed = %+v", placed)
	}
	if placed.FilledSize != 0.5 || placed.FilledPrice != 50_000 {
		t.Errorf("fill = %v @ %v", placed.FilledSize, placed.FilledPrice)
	}
}
