// Package store persists candles, news and watchlist rows in embedded
// SQLite databases. Schema/migration shape is grounded on the teacher
// corpus's nugget-thane-ai-agent/internal/usage/store.go and
// internal/watchlist/store.go (database/sql + idempotent CREATE TABLE IF
// NOT EXISTS migrate() run on open), switched from that repo's cgo
// mattn/go-sqlite3 driver to the pure-Go modernc.org/sqlite driver so the
// binary stays cgo-free, matching this corpus's container-first deployment
// style (go.uber.org/automaxprocs, gopsutil) where a cgo dependency would
// complicate cross-compilation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// CandleStore persists OHLCV bars, implementing aggregator.Store.
type CandleStore struct {
	db *sql.DB
}

// OpenCandleStore opens (creating if absent) the candle database at path.
func OpenCandleStore(path string) (*CandleStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open candle store: %w", err)
	}
	s := &CandleStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate candle schema: %w", err)
	}
	return s, nil
}

func (s *CandleStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol       TEXT NOT NULL,
			bucket_start TEXT NOT NULL,
			open         REAL NOT NULL,
			high         REAL NOT NULL,
			low          REAL NOT NULL,
			close        REAL NOT NULL,
			volume       INTEGER NOT NULL,
			trade_count  INTEGER NOT NULL,
			vwap         REAL NOT NULL,
			PRIMARY KEY (symbol, bucket_start)
		);
		CREATE TABLE IF NOT EXISTS news (
			id              TEXT PRIMARY KEY,
			symbol_set      TEXT NOT NULL,
			headline        TEXT NOT NULL,
			summary         TEXT NOT NULL,
			source          TEXT NOT NULL,
			url             TEXT NOT NULL,
			published_at    TEXT NOT NULL,
			sentiment_score REAL,
			sentiment_label TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_news_published_at ON news(published_at);
	`)
	return err
}

// timestamps are stored as RFC3339Nano text rather than relying on the
// driver's native time.Time conversion, which modernc.org/sqlite does not
// perform transparently on Scan.
func timeToText(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func textToTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// Close closes the underlying database connection.
func (s *CandleStore) Close() error {
	return s.db.Close()
}

// dsn appends WAL/busy-timeout pragmas for file-backed databases; the
// in-memory DSN used by tests takes no query suffix.
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// UpsertCandle writes a single finalized or in-progress bar.
func (s *CandleStore) UpsertCandle(ctx context.Context, bar market.Bar) error {
	_, err := s.db.ExecContext(ctx, upsertCandleSQL,
		string(bar.Symbol), timeToText(bar.BucketStart), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount, bar.VWAP)
	return err
}

// BulkUpsertCandles writes many bars in a single transaction, used when
// seeding a builder from backfill data.
func (s *CandleStore) BulkUpsertCandles(ctx context.Context, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		return fmt.Errorf("prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx,
			string(bar.Symbol), timeToText(bar.BucketStart), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount, bar.VWAP,
		); err != nil {
			return fmt.Errorf("bulk upsert bar %s@%s: %w", bar.Symbol, bar.BucketStart, err)
		}
	}
	return tx.Commit()
}

const upsertCandleSQL = `
	INSERT INTO candles (symbol, bucket_start, open, high, low, close, volume, trade_count, vwap)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, bucket_start) DO UPDATE SET
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		trade_count = excluded.trade_count,
		vwap = excluded.vwap
`

// ReadRange returns persisted bars for symbol within [start, end], ordered
// ascending, backing the TradingView-compatible history endpoint (spec §6).
func (s *CandleStore) ReadRange(ctx context.Context, symbol market.Symbol, start, end time.Time) ([]market.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, bucket_start, open, high, low, close, volume, trade_count, vwap
		FROM candles
		WHERE symbol = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start ASC
	`, string(symbol), timeToText(start), timeToText(end))
	if err != nil {
		return nil, fmt.Errorf("read candle range: %w", err)
	}
	defer rows.Close()

	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		var sym, bucketText string
		if err := rows.Scan(&sym, &bucketText, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount, &b.VWAP); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		bucket, err := textToTime(bucketText)
		if err != nil {
			return nil, fmt.Errorf("parse bucket_start: %w", err)
		}
		b.Symbol = market.Symbol(sym)
		b.BucketStart = bucket
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertNews persists a news item exactly once (spec §4.6's immutability
// invariant). Duplicate IDs are ignored.
func (s *CandleStore) InsertNews(ctx context.Context, item market.NewsItem) error {
	symbols := make([]byte, 0, 64)
	for i, sym := range item.SymbolSet {
		if i > 0 {
			symbols = append(symbols, ',')
		}
		symbols = append(symbols, []byte(sym)...)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO news (id, symbol_set, headline, summary, source, url, published_at, sentiment_score, sentiment_label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(symbols), item.Headline, item.Summary, item.Source, item.URL, timeToText(item.PublishedAt), item.SentimentScore, item.SentimentLabel)
	return err
}

// UpdateNewsSentiment scores a news item exactly once: the update only
// takes effect while sentiment_score is still NULL (spec §4.6).
func (s *CandleStore) UpdateNewsSentiment(ctx context.Context, id string, score float64, label string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE news SET sentiment_score = ?, sentiment_label = ?
		WHERE id = ? AND sentiment_score IS NULL
	`, score, label, id)
	if err != nil {
		return fmt.Errorf("update news sentiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("news item %s not found or already scored", id)
	}
	return nil
}
