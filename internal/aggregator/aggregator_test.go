package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
	"github.com/JSh4w/financial-analyzer/internal/tickqueue"
)

type fakeStore struct {
	mu    sync.Mutex
	bars  []market.Bar
	bulks [][]market.Bar
}

func (f *fakeStore) UpsertCandle(ctx context.Context, bar market.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, bar)
	return nil
}

func (f *fakeStore) BulkUpsertCandles(ctx context.Context, bars []market.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks = append(f.bulks, bars)
	return nil
}

type fakeBackfill struct {
	bars     []market.Bar
	callsFor map[market.Symbol]*int32
	mu       sync.Mutex
}

func newFakeBackfill(bars []market.Bar) *fakeBackfill {
	return &fakeBackfill{bars: bars, callsFor: make(map[market.Symbol]*int32)}
}

func (f *fakeBackfill) Fetch(ctx context.Context, symbol market.Symbol, window time.Duration) ([]market.Bar, error) {
	f.mu.Lock()
	counter, ok := f.callsFor[symbol]
	if !ok {
		var c int32
		counter = &c
		f.callsFor[symbol] = counter
	}
	f.mu.Unlock()
	atomic.AddInt32(counter, 1)
	return f.bars, nil
}

func (f *fakeBackfill) CallCount(symbol market.Symbol) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.callsFor[symbol]; ok {
		return atomic.LoadInt32(c)
	}
	return 0
}

type recordedUpdate struct {
	symbol    market.Symbol
	snapshot  map[time.Time]market.Bar
	isInitial bool
}

type fakeSink struct {
	mu      sync.Mutex
	updates []recordedUpdate
}

func (f *fakeSink) OnUpdate(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, recordedUpdate{symbol, snapshot, isInitial})
}

func (f *fakeSink) Updates() []recordedUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

func newTestAggregator() (*Aggregator, *fakeStore, *fakeBackfill, *fakeSink) {
	q := tickqueue.New(10)
	store := &fakeStore{}
	backfill := newFakeBackfill(nil)
	sink := &fakeSink{}
	reg := metrics.New()
	agg := New(q, store, backfill, sink, reg, zerolog.Nop(), time.Hour)
	return agg, store, backfill, sink
}

func TestEnsureHandlerIdempotentUnderConcurrency(t *testing.T) {
	agg, _, backfill, sink := newTestAggregator()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = agg.EnsureHandler(ctx, "AAPL")
		}()
	}
	wg.Wait()

	if backfill.CallCount("AAPL") != 1 {
		t.Fatalf("expected exactly one backfill call, got %d", backfill.CallCount("AAPL"))
	}

	initials := 0
	for _, u := range sink.Updates() {
		if u.isInitial {
			initials++
		}
	}
	if initials != 1 {
		t.Fatalf("expected exactly one is_initial=true emission, got %d", initials)
	}
}

func TestEnsureHandlerInitialPrecedesDeltas(t *testing.T) {
	agg, _, _, sink := newTestAggregator()
	ctx := context.Background()

	if err := agg.EnsureHandler(ctx, "MSFT"); err != nil {
		t.Fatalf("EnsureHandler: %v", err)
	}
	agg.processTick(ctx, market.Tick{Symbol: "MSFT", Price: 10, Size: 1, EventTime: time.Now()})
	agg.processTick(ctx, market.Tick{Symbol: "MSFT", Price: 11, Size: 1, EventTime: time.Now()})

	updates := sink.Updates()
	if !updates[0].isInitial {
		t.Fatalf("expected first update to be is_initial=true")
	}
	for _, u := range updates[1:] {
		if u.isInitial {
			t.Fatalf("expected only one is_initial=true event in builder lifetime")
		}
	}
}

func TestProcessTickPersistsOnTransition(t *testing.T) {
	agg, store, _, _ := newTestAggregator()
	ctx := context.Background()

	base := time.Date(2025, 10, 11, 14, 30, 0, 0, time.UTC)
	agg.processTick(ctx, market.Tick{Symbol: "AAPL", Price: 100, Size: 10, EventTime: base})
	agg.processTick(ctx, market.Tick{Symbol: "AAPL", Price: 101, Size: 5, EventTime: base.Add(time.Minute)})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.bars) != 1 {
		t.Fatalf("expected exactly one persisted bar on bucket transition, got %d", len(store.bars))
	}
	if store.bars[0].Close != 100 {
		t.Fatalf("expected finalized 14:30 bar to be persisted, got %+v", store.bars[0])
	}
}
