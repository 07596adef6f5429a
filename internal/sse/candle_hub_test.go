package sse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

func newTestHub(cap int) *CandleHub {
	return NewCandleHub(cap, metrics.New(), zerolog.Nop())
}

func TestCandleHubInitialThenDelta(t *testing.T) {
	h := newTestHub(10)
	q := h.register("AAPL")
	defer h.unregister("AAPL", q)

	bucket := market.FloorToMinute(time.Now())
	h.OnUpdate("AAPL", map[time.Time]market.Bar{}, true)
	h.OnUpdate("AAPL", map[time.Time]market.Bar{bucket: {Symbol: "AAPL", BucketStart: bucket, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.dequeue(ctx)
	if !ok || !first.IsInitial {
		t.Fatalf("expected first frame to be initial, got %+v ok=%v", first, ok)
	}

	second, ok := q.dequeue(ctx)
	if !ok || second.IsInitial {
		t.Fatalf("expected second frame to be a delta, got %+v ok=%v", second, ok)
	}
}

func TestCandleHubDropsDeltaBeforeInitialized(t *testing.T) {
	h := newTestHub(10)
	q := h.register("AAPL")
	defer h.unregister("AAPL", q)

	// Delta arrives before the initial snapshot: spec says drop it, the
	// forthcoming initial is authoritative.
	h.OnUpdate("AAPL", map[time.Time]market.Bar{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.dequeue(ctx); ok {
		t.Fatal("expected delta before initial to be dropped, not queued")
	}
}

func TestCandleHubNeverEvictsInitialSnapshot(t *testing.T) {
	h := newTestHub(2)
	q := h.register("AAPL")
	defer h.unregister("AAPL", q)

	h.OnUpdate("AAPL", map[time.Time]market.Bar{}, true)
	// Fill past capacity with deltas; the initial snapshot must survive.
	for i := 0; i < 5; i++ {
		h.OnUpdate("AAPL", map[time.Time]market.Bar{}, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := q.dequeue(ctx)
	if !ok || !first.IsInitial {
		t.Fatalf("expected the initial snapshot to still be queued, got %+v ok=%v", first, ok)
	}
}

func TestCandleHubOtherConnectionUnaffectedBySlowConsumer(t *testing.T) {
	h := newTestHub(1)
	slow := h.register("AAPL")
	defer h.unregister("AAPL", slow)
	fast := h.register("AAPL")
	defer h.unregister("AAPL", fast)

	h.OnUpdate("AAPL", map[time.Time]market.Bar{}, true)
	h.OnUpdate("AAPL", map[time.Time]market.Bar{}, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Drain only `fast`; `slow` accumulates but must still hand back its
	// own data uncorrupted by `fast`'s activity.
	if _, ok := fast.dequeue(ctx); !ok {
		t.Fatal("fast consumer should have received a frame")
	}
	if _, ok := slow.dequeue(ctx); !ok {
		t.Fatal("slow consumer should still receive its own frame")
	}
}
