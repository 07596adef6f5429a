package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

type fakeHandlers struct {
	mu    sync.Mutex
	calls []market.Symbol
}

func (f *fakeHandlers) EnsureHandler(ctx context.Context, symbol market.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	return nil
}

type fakeUpstream struct {
	mu          sync.Mutex
	subscribed  map[market.Symbol]bool
	subCalls    int
	unsubCalls  int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{subscribed: make(map[market.Symbol]bool)}
}

func (f *fakeUpstream) Subscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[symbol] = true
	f.subCalls++
	return nil
}

func (f *fakeUpstream) Unsubscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[symbol] = false
	f.unsubCalls++
	return nil
}

type fakeWatchlist struct {
	mu      sync.Mutex
	entries map[string]market.WatchlistEntry // userID|symbol -> entry
}

func newFakeWatchlist() *fakeWatchlist {
	return &fakeWatchlist{entries: make(map[string]market.WatchlistEntry)}
}

func key(userID string, symbol market.Symbol) string { return userID + "|" + string(symbol) }

func (f *fakeWatchlist) Upsert(ctx context.Context, entry market.WatchlistEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key(entry.UserID, entry.Symbol)] = entry
	return nil
}

func (f *fakeWatchlist) Deactivate(ctx context.Context, userID string, symbol market.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[key(userID, symbol)]
	e.Active = false
	f.entries[key(userID, symbol)] = e
	return nil
}

func (f *fakeWatchlist) ActiveEntries(ctx context.Context) ([]market.WatchlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []market.WatchlistEntry
	for _, e := range f.entries {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeWatchlist) ActiveSymbolsForUser(ctx context.Context, userID string) ([]market.Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []market.Symbol
	for _, e := range f.entries {
		if e.Active && e.UserID == userID {
			out = append(out, e.Symbol)
		}
	}
	return out, nil
}

func newTestManager() (*Manager, *fakeHandlers, *fakeUpstream, *fakeWatchlist) {
	h := &fakeHandlers{}
	u := newFakeUpstream()
	w := newFakeWatchlist()
	return New(h, u, w, zerolog.Nop()), h, u, w
}

func TestScenarioB_ReferenceCounting(t *testing.T) {
	mgr, _, upstream, _ := newTestManager()
	ctx := context.Background()

	if _, _, err := mgr.AddPermanent(ctx, "u1", "AAPL"); err != nil {
		t.Fatalf("AddPermanent: %v", err)
	}
	if !upstream.subscribed["AAPL"] {
		t.Fatalf("expected upstream subscribed after first permanent add")
	}

	handle, err := mgr.AttachLive(ctx, "AAPL")
	if err != nil {
		t.Fatalf("AttachLive: %v", err)
	}

	if _, _, err := mgr.RemovePermanent(ctx, "u1", "AAPL"); err != nil {
		t.Fatalf("RemovePermanent: %v", err)
	}
	if !upstream.subscribed["AAPL"] {
		t.Fatalf("expected upstream to remain subscribed while live_count=1")
	}
	perm, live := mgr.Counts("AAPL")
	if perm != 0 || live != 1 {
		t.Fatalf("expected perm=0 live=1, got perm=%d live=%d", perm, live)
	}

	mgr.DetachLive(ctx, handle)
	if upstream.subscribed["AAPL"] {
		t.Fatalf("expected upstream unsubscribed after last interest detaches")
	}
}

func TestAddRemovePermanentRoundTripLeavesCountUnchanged(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	ctx := context.Background()

	before, _ := mgr.Counts("TSLA")
	if _, _, err := mgr.AddPermanent(ctx, "u1", "TSLA"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.RemovePermanent(ctx, "u1", "TSLA"); err != nil {
		t.Fatal(err)
	}
	after, _ := mgr.Counts("TSLA")
	if before != after {
		t.Fatalf("expected permanent_count unchanged after add+remove round trip: before=%d after=%d", before, after)
	}
}

func TestEnsureHandlerCalledOnceOnFirstInterestOnly(t *testing.T) {
	mgr, handlers, _, _ := newTestManager()
	ctx := context.Background()

	mgr.AddPermanent(ctx, "u1", "NFLX")
	mgr.AddPermanent(ctx, "u2", "NFLX")
	mgr.AttachLive(ctx, "NFLX")

	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	if len(handlers.calls) != 1 {
		t.Fatalf("expected EnsureHandler called exactly once across repeated interest, got %d", len(handlers.calls))
	}
}

func TestRehydrateOnStartRebuildsCounters(t *testing.T) {
	mgr, handlers, upstream, watchlist := newTestManager()
	ctx := context.Background()

	watchlist.entries["u1|AAPL"] = market.WatchlistEntry{UserID: "u1", Symbol: "AAPL", Active: true}
	watchlist.entries["u2|AAPL"] = market.WatchlistEntry{UserID: "u2", Symbol: "AAPL", Active: true}
	watchlist.entries["u1|MSFT"] = market.WatchlistEntry{UserID: "u1", Symbol: "MSFT", Active: true}

	if err := mgr.RehydrateOnStart(ctx); err != nil {
		t.Fatalf("RehydrateOnStart: %v", err)
	}

	perm, _ := mgr.Counts("AAPL")
	if perm != 2 {
		t.Fatalf("expected permanent_count(AAPL)=2 after rehydrate, got %d", perm)
	}
	if !upstream.subscribed["AAPL"] || !upstream.subscribed["MSFT"] {
		t.Fatalf("expected both symbols subscribed upstream after rehydrate")
	}
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	if len(handlers.calls) != 2 {
		t.Fatalf("expected ensure_handler called once per distinct symbol, got %d", len(handlers.calls))
	}
}
