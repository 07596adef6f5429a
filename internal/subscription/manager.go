// Package subscription implements the three-tier reference counting of
// spec §4.5: persisted per-user watchlist, per-connection live interest,
// and the upstream symbol subscription they jointly drive.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// HandlerFactory is the capability the manager needs from the aggregator
// (spec §9: callback graph → interface with capability sets).
type HandlerFactory interface {
	EnsureHandler(ctx context.Context, symbol market.Symbol) error
}

// UpstreamControl is the capability the manager needs from the feed client.
type UpstreamControl interface {
	Subscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error
	Unsubscribe(ctx context.Context, symbol market.Symbol, channel market.Channel) error
}

// WatchlistStore persists per-user permanent subscriptions.
type WatchlistStore interface {
	Upsert(ctx context.Context, entry market.WatchlistEntry) error
	Deactivate(ctx context.Context, userID string, symbol market.Symbol) error
	ActiveEntries(ctx context.Context) ([]market.WatchlistEntry, error)
	ActiveSymbolsForUser(ctx context.Context, userID string) ([]market.Symbol, error)
}

type counters struct {
	permanentUsers map[string]bool // distinct users with active watchlist entry
	liveSessions   map[string]bool // distinct open live session handles
	upstream       bool
}

func newCounters() *counters {
	return &counters{
		permanentUsers: make(map[string]bool),
		liveSessions:   make(map[string]bool),
	}
}

func (c *counters) total() int {
	return len(c.permanentUsers) + len(c.liveSessions)
}

// LiveHandle identifies one attach_live session, returned to the caller so
// it can later be passed to DetachLive.
type LiveHandle struct {
	id     string
	symbol market.Symbol
}

// Manager is the source of truth for "who is listening to what". All
// counter mutations for a given symbol are serialized by that symbol's
// mutex in symMu, matching spec §5's "subscription counters are protected
// per-symbol". The per-symbol mutex is held across the watchlist write and
// the handler/upstream calls for that symbol, so operations on one symbol
// run one at a time; the manager-wide mu is held only across map lookups
// and inserts, never across I/O.
type Manager struct {
	mu       sync.Mutex
	symMu    map[market.Symbol]*sync.Mutex
	bySymbol map[market.Symbol]*counters

	handlers HandlerFactory
	upstream UpstreamControl
	store    WatchlistStore
	log      zerolog.Logger

	nextHandle uint64
}

// New constructs a Manager.
func New(handlers HandlerFactory, upstream UpstreamControl, store WatchlistStore, log zerolog.Logger) *Manager {
	return &Manager{
		symMu:    make(map[market.Symbol]*sync.Mutex),
		bySymbol: make(map[market.Symbol]*counters),
		handlers: handlers,
		upstream: upstream,
		store:    store,
		log:      log,
	}
}

func (m *Manager) lockSymbol(symbol market.Symbol) func() {
	m.mu.Lock()
	l, ok := m.symMu[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.symMu[symbol] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) countersFor(symbol market.Symbol) *counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySymbol[symbol]
	if !ok {
		c = newCounters()
		m.bySymbol[symbol] = c
	}
	return c
}

// AddPermanent upserts a watchlist row and, if this is the symbol's first
// interest, brings the builder and upstream subscription online. The
// watchlist write happens before any upstream effect (spec §4.5 crash
// recovery invariant).
func (m *Manager) AddPermanent(ctx context.Context, userID string, symbol market.Symbol) (alreadyActive bool, subscriberCount int, err error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	c := m.countersFor(symbol)
	alreadyActive = c.permanentUsers[userID]

	now := time.Now()
	if err := m.store.Upsert(ctx, market.WatchlistEntry{UserID: userID, Symbol: symbol, SubscribedAt: now, LastActiveAt: now, Active: true}); err != nil {
		return alreadyActive, c.total(), fmt.Errorf("persist watchlist entry: %w", err)
	}

	if !alreadyActive {
		wasZero := c.total() == 0
		c.permanentUsers[userID] = true
		if wasZero {
			if err := m.bringOnline(ctx, symbol, c); err != nil {
				return alreadyActive, c.total(), err
			}
		}
	}

	return alreadyActive, c.total(), nil
}

// RemovePermanent marks the watchlist row inactive and, if total interest
// in the symbol falls to zero, unsubscribes upstream. The builder itself is
// retained in memory per spec §4.5.
func (m *Manager) RemovePermanent(ctx context.Context, userID string, symbol market.Symbol) (wasActive bool, remaining int, err error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	c := m.countersFor(symbol)
	wasActive = c.permanentUsers[userID]

	if err := m.store.Deactivate(ctx, userID, symbol); err != nil {
		return wasActive, c.total(), fmt.Errorf("deactivate watchlist entry: %w", err)
	}

	if wasActive {
		delete(c.permanentUsers, userID)
		if c.total() == 0 {
			if err := m.upstream.Unsubscribe(ctx, symbol, market.ChannelTrades); err != nil {
				m.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("upstream unsubscribe failed")
			} else {
				c.upstream = false
			}
		}
	}

	return wasActive, c.total(), nil
}

// ListPermanent returns the caller's persisted watchlist symbols.
func (m *Manager) ListPermanent(ctx context.Context, userID string) ([]market.Symbol, error) {
	return m.store.ActiveSymbolsForUser(ctx, userID)
}

// AttachLive increments the live-session counter for symbol, bringing the
// symbol online if needed, and returns an opaque handle for later detach.
func (m *Manager) AttachLive(ctx context.Context, symbol market.Symbol) (LiveHandle, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	c := m.countersFor(symbol)
	wasZero := c.total() == 0

	m.mu.Lock()
	m.nextHandle++
	id := fmt.Sprintf("live-%d", m.nextHandle)
	m.mu.Unlock()

	c.liveSessions[id] = true

	if wasZero {
		if err := m.bringOnline(ctx, symbol, c); err != nil {
			delete(c.liveSessions, id)
			return LiveHandle{}, err
		}
	}

	return LiveHandle{id: id, symbol: symbol}, nil
}

// DetachLive decrements the live-session counter and unsubscribes upstream
// if total interest reaches zero.
func (m *Manager) DetachLive(ctx context.Context, handle LiveHandle) {
	if handle.id == "" {
		return
	}
	unlock := m.lockSymbol(handle.symbol)
	defer unlock()

	c := m.countersFor(handle.symbol)
	if !c.liveSessions[handle.id] {
		return
	}
	delete(c.liveSessions, handle.id)

	if c.total() == 0 {
		if err := m.upstream.Unsubscribe(ctx, handle.symbol, market.ChannelTrades); err != nil {
			m.log.Warn().Err(err).Str("symbol", string(handle.symbol)).Msg("upstream unsubscribe failed")
		} else {
			c.upstream = false
		}
	}
}

// bringOnline ensures the builder exists and the upstream subscription is
// active. Callers must hold the per-symbol lock.
func (m *Manager) bringOnline(ctx context.Context, symbol market.Symbol, c *counters) error {
	if err := m.handlers.EnsureHandler(ctx, symbol); err != nil {
		return fmt.Errorf("ensure handler for %s: %w", symbol, err)
	}
	if !c.upstream {
		if err := m.upstream.Subscribe(ctx, symbol, market.ChannelTrades); err != nil {
			return fmt.Errorf("subscribe upstream for %s: %w", symbol, err)
		}
		c.upstream = true
	}
	return nil
}

// RehydrateOnStart loads all active watchlist rows, rebuilds counts, and
// brings every distinct symbol online (spec §4.5).
func (m *Manager) RehydrateOnStart(ctx context.Context) error {
	entries, err := m.store.ActiveEntries(ctx)
	if err != nil {
		return fmt.Errorf("load active watchlist entries: %w", err)
	}

	symbols := make(map[market.Symbol]bool)
	for _, e := range entries {
		unlock := m.lockSymbol(e.Symbol)
		c := m.countersFor(e.Symbol)
		c.permanentUsers[e.UserID] = true
		symbols[e.Symbol] = true
		unlock()
	}

	for symbol := range symbols {
		unlock := m.lockSymbol(symbol)
		c := m.countersFor(symbol)
		err := m.bringOnline(ctx, symbol, c)
		unlock()
		if err != nil {
			m.log.Error().Err(err).Str("symbol", string(symbol)).Msg("rehydrate: failed to bring symbol online")
		}
	}

	m.log.Info().Int("symbols", len(symbols)).Msg("rehydrated permanent subscriptions")
	return nil
}

// UpstreamSubscribed reports whether symbol currently has an active
// upstream subscription, for tests and diagnostics.
func (m *Manager) UpstreamSubscribed(symbol market.Symbol) bool {
	c := m.countersFor(symbol)
	return c.upstream
}

// Counts returns (permanent_count, live_count) for symbol, for tests and
// diagnostics (spec §8 invariant 1).
func (m *Manager) Counts(symbol market.Symbol) (permanent, live int) {
	c := m.countersFor(symbol)
	return len(c.permanentUsers), len(c.liveSessions)
}
