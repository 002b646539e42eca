package types

import (
	"testing"
	"time"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := BUY.Opposite(); got != SELL {
		t.Errorf("BUY.Opposite() = %q, want %q", got, SELL)
	}
	if got := SELL.Opposite(); got != BUY {
		t.Errorf("SELL.Opposite() = %q, want %q", got, BUY)
	}
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	if got := BUY.Sign(); got != 1 {
		t.Errorf("BUY.Sign() = %v, want 1", got)
	}
	if got := SELL.Sign(); got != -1 {
		t.Errorf("SELL.Sign() = %v, want -1", got)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderOpen, false},
		{OrderPartial, false},
		{OrderFilled, true},
		{OrderRejected, true},
		{OrderCancelled, true},
		{OrderExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestOpportunityScore(t *testing.T) {
	t.Parallel()

	opp := Opportunity{ExpectedEdgeBps: 20, Confidence: 0.5}
	if got := opp.Score(); got != 10 {
		t.Errorf("Score() = %v, want 10", got)
	}

	// Zero confidence kills the score regardless of edge.
	opp = Opportunity{ExpectedEdgeBps: 100, Confidence: 0}
	if got := opp.Score(); got != 0 {
		t.Errorf("Score() with zero confidence = %v, want 0", got)
	}
}

func TestTradeRecordDurationHours(t *testing.T) {
	t.Parallel()

	entry := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := TradeRecord{EntryTime: entry, ExitTime: entry.Add(90 * time.Minute)}
	if got := tr.DurationHours(); got != 1.5 {
		t.Errorf("DurationHours() = %v, want 1.5", got)
	}

	// Open trades have no duration yet.
	open := TradeRecord{EntryTime: entry}
	if got := open.DurationHours(); got != 0 {
		t.Errorf("DurationHours() for open trade = %v, want 0", got)
	}
}

func TestIntentMetadataHasEdge(t *testing.T) {
	t.Parallel()

	if (IntentMetadata{}).HasEdge() {
		t.Error("empty metadata should not report an edge")
	}
	if !(IntentMetadata{ExpectedEdgeBps: 12.5}).HasEdge() {
		t.Error("metadata with edge should report HasEdge")
	}
}
