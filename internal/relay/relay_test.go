package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// A Relay constructed with an empty URL must behave as a no-op at every
// call site (SPEC_FULL §12.1): single-process deployments never dial NATS
// and every method here must be safe to call unconditionally.
func TestDisabledRelayIsANoOp(t *testing.T) {
	r, err := Connect("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect with empty URL should not error: %v", err)
	}
	if r.Enabled() {
		t.Fatal("expected a relay constructed with an empty URL to be disabled")
	}

	// None of these may panic or block.
	r.PublishCandle("AAPL", map[time.Time]market.Bar{}, true)
	r.PublishNews(market.NewsItem{ID: "n1"})
	if err := r.SubscribeCandles(nil); err != nil {
		t.Fatalf("SubscribeCandles on a disabled relay should be a no-op, got %v", err)
	}
	if err := r.SubscribeNews(nil); err != nil {
		t.Fatalf("SubscribeNews on a disabled relay should be a no-op, got %v", err)
	}
	r.Close()
}
