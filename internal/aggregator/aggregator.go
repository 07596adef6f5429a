package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
	"github.com/JSh4w/financial-analyzer/internal/metrics"
	"github.com/JSh4w/financial-analyzer/internal/tickqueue"
)

// Store is the subset of the candle/news store the aggregator writes to.
type Store interface {
	UpsertCandle(ctx context.Context, bar market.Bar) error
	BulkUpsertCandles(ctx context.Context, bars []market.Bar) error
}

// Backfill is the subset of the historical backfill client the aggregator
// uses to seed a freshly-created builder.
type Backfill interface {
	Fetch(ctx context.Context, symbol market.Symbol, window time.Duration) ([]market.Bar, error)
}

// UpdateSink receives on_update events (spec §9: "small interfaces").
type UpdateSink interface {
	OnUpdate(symbol market.Symbol, snapshot map[time.Time]market.Bar, isInitial bool)
}

// Aggregator owns builders and drains the tick queue on a single logical
// consumer goroutine — the ordering keystone of spec §5: all builder state
// mutation and on_update emission for a symbol happens synchronously on
// this one goroutine, never in parallel with itself.
//
// Grounded on the teacher's single-owner select loop in
// go-server/pkg/websocket/hub.go Hub.Run(): register/unregister/broadcast
// are all handled from one goroutine so the clients map never needs a
// lock. The aggregator's builders map follows the same discipline, except
// ensure_handler (§4.3) may be called concurrently from subscription-manager
// goroutines, so the map itself is guarded by a mutex that is held only
// across lookups/inserts, never across I/O (spec §5).
type Aggregator struct {
	mu       sync.Mutex
	builders map[market.Symbol]*Builder
	ensuring map[market.Symbol]chan struct{} // in-flight ensure_handler calls

	queue    *tickqueue.Queue
	store    Store
	backfill Backfill
	sink     UpdateSink
	reg      *metrics.Registry
	log      zerolog.Logger

	backfillWindow time.Duration
}

// New constructs an Aggregator. Run must be called to start the consumer
// loop.
func New(queue *tickqueue.Queue, store Store, backfill Backfill, sink UpdateSink, reg *metrics.Registry, log zerolog.Logger, backfillWindow time.Duration) *Aggregator {
	return &Aggregator{
		builders:       make(map[market.Symbol]*Builder),
		ensuring:       make(map[market.Symbol]chan struct{}),
		queue:          queue,
		store:          store,
		backfill:       backfill,
		sink:           sink,
		reg:            reg,
		log:            log,
		backfillWindow: backfillWindow,
	}
}

// Run drains the tick queue until ctx is cancelled. This is the aggregator
// worker of spec §5; its failure is fatal to the process (spec §7) because
// in-memory candle state would otherwise diverge silently from the store —
// callers should run this in the main goroutine or recover+os.Exit, never
// silently restart it.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		t, ok := a.queue.Pop(ctx)
		if !ok {
			return
		}
		a.processTick(ctx, t)
	}
}

func (a *Aggregator) processTick(ctx context.Context, t market.Tick) {
	b := a.getOrCreateBuilderForTick(t.Symbol)

	result := b.ProcessTrade(t.Price, t.Size, t.EventTime, time.Now())
	if result.Rejected {
		if result.RejectReason == "late_tick" {
			a.reg.LateTicksRejected.Inc()
		}
		return
	}

	if result.Transitioned {
		a.reg.BucketTransitions.Inc()
		if err := a.store.UpsertCandle(ctx, result.FinalizedBar); err != nil {
			a.reg.StoreWriteErrors.Inc()
			a.log.Warn().Err(err).Str("symbol", string(t.Symbol)).Msg("store upsert failed, retrying once")
			if err := a.store.UpsertCandle(ctx, result.FinalizedBar); err != nil {
				a.log.Error().Err(err).Str("symbol", string(t.Symbol)).Msg("store upsert failed again; in-memory state remains authoritative")
			}
		}
	}

	a.sink.OnUpdate(t.Symbol, b.LastTwo(), false)
}

// getOrCreateBuilderForTick implements step 1 of spec §4.3 (plain lookup,
// not ensure_handler's backfill path): a tick for a symbol that has no
// builder yet still needs somewhere to land, but per the ordering guarantee
// in §4.3, only ensure_handler ever issues a backfill / is_initial event, so
// a tick arriving for an unknown symbol just creates a bare empty builder —
// in practice this never happens on a healthy process because the
// subscription manager always calls EnsureHandler before the feed client
// can deliver a tick for that symbol.
func (a *Aggregator) getOrCreateBuilderForTick(symbol market.Symbol) *Builder {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.builders[symbol]
	if !ok {
		b = NewBuilder(symbol)
		a.builders[symbol] = b
		a.reg.BuildersActive.Set(float64(len(a.builders)))
	}
	return b
}

// EnsureHandler is the idempotent "make this symbol live" operation of
// spec §4.3. Concurrent callers for the same symbol are coalesced: the
// first caller performs the backfill + is_initial emission; the rest wait
// for it and then return, satisfying the testable property "ensure_handler
// called N times in any interleaving results in exactly one backfill
// request and one is_initial=true emission" (spec §8).
func (a *Aggregator) EnsureHandler(ctx context.Context, symbol market.Symbol) error {
	a.mu.Lock()
	if _, ok := a.builders[symbol]; ok {
		a.mu.Unlock()
		return nil
	}
	if wait, inflight := a.ensuring[symbol]; inflight {
		a.mu.Unlock()
		<-wait
		return nil
	}
	done := make(chan struct{})
	a.ensuring[symbol] = done
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.ensuring, symbol)
		a.mu.Unlock()
		close(done)
	}()

	b := NewBuilder(symbol)

	a.reg.BackfillRequests.Inc()
	stop := metrics.Timer()
	bars, err := a.backfill.Fetch(ctx, symbol, a.backfillWindow)
	stop(a.reg.BackfillLatency)
	if err != nil {
		a.reg.BackfillErrors.Inc()
		a.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("backfill failed; continuing with live data only")
	} else {
		b.LoadHistorical(bars)
	}

	if b.HasData() {
		full := b.FullSeries()
		all := make([]market.Bar, 0, len(full))
		for _, bar := range full {
			all = append(all, bar)
		}
		if err := a.store.BulkUpsertCandles(ctx, all); err != nil {
			a.reg.StoreWriteErrors.Inc()
			a.log.Error().Err(err).Str("symbol", string(symbol)).Msg("bulk upsert of backfill failed")
		}
	}

	a.mu.Lock()
	a.builders[symbol] = b
	a.reg.BuildersActive.Set(float64(len(a.builders)))
	a.mu.Unlock()

	// Durable writes complete before the initial snapshot is emitted
	// (spec §4.7 "All writes must be durable before... is_initial=true").
	a.sink.OnUpdate(symbol, b.FullSeries(), true)
	return nil
}

// Snapshot returns the current full series for symbol, for the
// /api/snapshot endpoint. Returns ok=false if no builder exists.
func (a *Aggregator) Snapshot(symbol market.Symbol) (map[time.Time]market.Bar, bool) {
	a.mu.Lock()
	b, ok := a.builders[symbol]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	return b.FullSeries(), true
}

// HasBuilder reports whether a builder already exists for symbol.
func (a *Aggregator) HasBuilder(symbol market.Symbol) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.builders[symbol]
	return ok
}

// BuilderCount returns the number of live builders, to enforce
// MAX_CONCURRENT_SYMBOLS (spec §7).
func (a *Aggregator) BuilderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.builders)
}
