package store

import (
	"context"
	"testing"
	"time"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

func openTestWatchlistStore(t *testing.T) *WatchlistStore {
	t.Helper()
	s, err := OpenWatchlistStore(":memory:")
	if err != nil {
		t.Fatalf("OpenWatchlistStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertThenDeactivateRoundTrip(t *testing.T) {
	s := openTestWatchlistStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := market.WatchlistEntry{UserID: "u1", Symbol: "AAPL", SubscribedAt: now, LastActiveAt: now}
	if err := s.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	syms, err := s.ActiveSymbolsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSymbolsForUser: %v", err)
	}
	if len(syms) != 1 || syms[0] != "AAPL" {
		t.Fatalf("expected [AAPL], got %v", syms)
	}

	if err := s.Deactivate(ctx, "u1", "AAPL"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	syms, err = s.ActiveSymbolsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSymbolsForUser after deactivate: %v", err)
	}
	if len(syms) != 0 {
		t.Fatalf("expected no active symbols after deactivate, got %v", syms)
	}
}

func TestActiveEntriesAcrossUsers(t *testing.T) {
	s := openTestWatchlistStore(t)
	ctx := context.Background()
	now := time.Now()

	s.Upsert(ctx, market.WatchlistEntry{UserID: "u1", Symbol: "AAPL", SubscribedAt: now, LastActiveAt: now})
	s.Upsert(ctx, market.WatchlistEntry{UserID: "u2", Symbol: "AAPL", SubscribedAt: now, LastActiveAt: now})
	s.Upsert(ctx, market.WatchlistEntry{UserID: "u1", Symbol: "MSFT", SubscribedAt: now, LastActiveAt: now})

	entries, err := s.ActiveEntries(ctx)
	if err != nil {
		t.Fatalf("ActiveEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 active entries, got %d", len(entries))
	}
}

func TestReactivateViaUpsertAfterDeactivate(t *testing.T) {
	s := openTestWatchlistStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := market.WatchlistEntry{UserID: "u1", Symbol: "TSLA", SubscribedAt: now, LastActiveAt: now}
	s.Upsert(ctx, entry)
	s.Deactivate(ctx, "u1", "TSLA")
	s.Upsert(ctx, entry)

	syms, err := s.ActiveSymbolsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSymbolsForUser: %v", err)
	}
	if len(syms) != 1 {
		t.Fatalf("expected reactivation to restore active row, got %v", syms)
	}
}
