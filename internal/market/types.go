// Package market defines the core data model shared by every component of
// the fan-out pipeline: symbols, trade ticks, OHLCV bars and news items.
package market

import (
	"fmt"
	"regexp"
	"time"
)

// Symbol is an opaque uppercase ticker token. Equality is byte-identical.
type Symbol string

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// ValidSymbol reports whether s matches the symbol grammar [A-Z0-9.-]{1,10}.
func ValidSymbol(s Symbol) bool {
	return symbolPattern.MatchString(string(s))
}

// Channel names a market-data stream the upstream feed can be subscribed to.
type Channel string

const (
	ChannelTrades Channel = "trades"
	ChannelQuotes Channel = "quotes"
	ChannelBars   Channel = "bars"
	ChannelNews   Channel = "news"
)

// Tick is an append-only trade print. Never mutated after construction.
type Tick struct {
	Symbol     Symbol
	Price      float64
	Size       uint64
	EventTime  time.Time
	Conditions []string
	Exchange   string
	Tape       string
}

// Bar is a minute-aligned OHLCV candle.
type Bar struct {
	Symbol      Symbol
	BucketStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      uint64
	TradeCount  uint64
	VWAP        float64
}

// Valid checks the store-level invariants from spec §3/§8.
func (b Bar) Valid() error {
	if b.Low > b.Open || b.Low > b.Close || b.Open > b.High || b.Close > b.High {
		return fmt.Errorf("bar %s@%s violates low<=open,close<=high: %+v", b.Symbol, b.BucketStart, b)
	}
	if b.Low > b.High {
		return fmt.Errorf("bar %s@%s has low>high", b.Symbol, b.BucketStart)
	}
	if !b.BucketStart.Equal(FloorToMinute(b.BucketStart)) {
		return fmt.Errorf("bar %s@%s is not minute-aligned", b.Symbol, b.BucketStart)
	}
	return nil
}

// FloorToMinute truncates t to the start of its UTC minute.
func FloorToMinute(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
}

// WatchlistEntry is a persisted per-user permanent subscription row.
type WatchlistEntry struct {
	UserID       string
	Symbol       Symbol
	SubscribedAt time.Time
	LastActiveAt time.Time
	Active       bool
}

// NewsItem is an immutable news article, optionally scored exactly once.
type NewsItem struct {
	ID             string
	SymbolSet      []Symbol
	Headline       string
	Summary        string
	Source         string
	URL            string
	PublishedAt    time.Time
	SentimentScore *float64
	SentimentLabel *string
}

// Snapshot is the payload handed to on_update: either the full in-memory
// series (is_initial=true) or the last two buckets (is_initial=false).
type Snapshot struct {
	Symbol     Symbol
	Candles    map[time.Time]Bar
	IsInitial  bool
	UpdateTime time.Time
}
