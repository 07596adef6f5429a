package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// WatchlistStore persists per-user permanent subscriptions, implementing
// subscription.WatchlistStore. Kept in its own database file (USER_STORE_PATH)
// to mirror the spec's separation of the user-row store from the
// market-data store, grounded on the teacher corpus's pattern of one
// sqlite file per concern (usage.db, checkpoints.db, anticipations.db in
// nugget-thane-ai-agent/cmd/thane/main.go).
type WatchlistStore struct {
	db *sql.DB
}

// OpenWatchlistStore opens (creating if absent) the user subscription
// database at path.
func OpenWatchlistStore(path string) (*WatchlistStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open watchlist store: %w", err)
	}
	s := &WatchlistStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate watchlist schema: %w", err)
	}
	return s, nil
}

func (s *WatchlistStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_subscriptions (
			user_id        TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			subscribed_at  TEXT NOT NULL,
			last_active_at TEXT NOT NULL,
			active         INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id, symbol)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *WatchlistStore) Close() error {
	return s.db.Close()
}

// Upsert persists a permanent subscription, reactivating it if it had
// previously been deactivated (spec §4.5: persist before upstream effect).
func (s *WatchlistStore) Upsert(ctx context.Context, entry market.WatchlistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_subscriptions (user_id, symbol, subscribed_at, last_active_at, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			active = 1,
			last_active_at = excluded.last_active_at
	`, entry.UserID, string(entry.Symbol), timeToText(entry.SubscribedAt), timeToText(entry.LastActiveAt))
	return err
}

// Deactivate marks a permanent subscription inactive without deleting its
// row, preserving subscribe history.
func (s *WatchlistStore) Deactivate(ctx context.Context, userID string, symbol market.Symbol) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_subscriptions SET active = 0, last_active_at = ?
		WHERE user_id = ? AND symbol = ?
	`, timeToText(time.Now()), userID, string(symbol))
	return err
}

// ActiveEntries returns every active row, used to rehydrate subscriptions
// on process start (spec §4.5/§7).
func (s *WatchlistStore) ActiveEntries(ctx context.Context) ([]market.WatchlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, symbol, subscribed_at, last_active_at FROM user_subscriptions WHERE active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query active entries: %w", err)
	}
	defer rows.Close()

	var out []market.WatchlistEntry
	for rows.Next() {
		var e market.WatchlistEntry
		var sym, subAt, lastAt string
		if err := rows.Scan(&e.UserID, &sym, &subAt, &lastAt); err != nil {
			return nil, fmt.Errorf("scan active entry: %w", err)
		}
		subscribedAt, err := textToTime(subAt)
		if err != nil {
			return nil, fmt.Errorf("parse subscribed_at: %w", err)
		}
		lastActiveAt, err := textToTime(lastAt)
		if err != nil {
			return nil, fmt.Errorf("parse last_active_at: %w", err)
		}
		e.Symbol = market.Symbol(sym)
		e.SubscribedAt = subscribedAt
		e.LastActiveAt = lastActiveAt
		e.Active = true
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveSymbolsForUser lists a user's active permanent watchlist.
func (s *WatchlistStore) ActiveSymbolsForUser(ctx context.Context, userID string) ([]market.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol FROM user_subscriptions WHERE user_id = ? AND active = 1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user symbols: %w", err)
	}
	defer rows.Close()

	var out []market.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan user symbol: %w", err)
		}
		out = append(out, market.Symbol(sym))
	}
	return out, rows.Err()
}
