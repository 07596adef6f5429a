package sse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
)

func newTestNewsHub(cap int) *NewsHub {
	return NewNewsHub(cap, metrics.New(), zerolog.Nop())
}

func TestNewsHubBroadcastsToAllConnections(t *testing.T) {
	h := newTestNewsHub(10)
	a := h.register()
	defer h.unregister(a)
	b := h.register()
	defer h.unregister(b)

	item := market.NewsItem{ID: "n1", Headline: "headline", PublishedAt: time.Now()}
	h.Publish(item)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	gotA, ok := a.dequeue(ctx)
	if !ok || gotA.ID != "n1" {
		t.Fatalf("connection a did not receive the published item: %+v ok=%v", gotA, ok)
	}
	gotB, ok := b.dequeue(ctx)
	if !ok || gotB.ID != "n1" {
		t.Fatalf("connection b did not receive the published item: %+v ok=%v", gotB, ok)
	}
}

func TestNewsHubDropsOldestOnOverflow(t *testing.T) {
	h := newTestNewsHub(2)
	q := h.register()
	defer h.unregister(q)

	h.Publish(market.NewsItem{ID: "n1"})
	h.Publish(market.NewsItem{ID: "n2"})
	h.Publish(market.NewsItem{ID: "n3"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok := q.dequeue(ctx)
	if !ok || first.ID != "n2" {
		t.Fatalf("expected oldest item (n1) to have been dropped, got %+v ok=%v", first, ok)
	}
	second, ok := q.dequeue(ctx)
	if !ok || second.ID != "n3" {
		t.Fatalf("expected n3 next, got %+v ok=%v", second, ok)
	}
}

func TestNewsHubUnregisterStopsDelivery(t *testing.T) {
	h := newTestNewsHub(10)
	q := h.register()
	h.unregister(q)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.dequeue(ctx); ok {
		t.Fatal("expected a closed queue to report no more frames")
	}
}
