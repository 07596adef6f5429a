// Package aggregator owns the per-symbol candle builders and the single
// consumer loop that drains the tick queue, per spec §4.3/§4.4.
package aggregator

import (
	"time"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

// minuteKey is a Bar.BucketStart already floored to the minute, used as the
// ordered-map key so "last two buckets" and range scans stay cheap (spec §9
// "Dict-of-dicts candle store → typed per-symbol builder + ordered map").
type minuteKey = time.Time

// Builder is the per-symbol in-memory candle state. It is owned exclusively
// by the aggregator's single consumer loop; no external synchronization is
// needed because (per spec §5) state mutation between a tick pull and its
// on_update emission is never a suspension point.
type Builder struct {
	symbol  market.Symbol
	bars    map[minuteKey]market.Bar
	order   []minuteKey // insertion order, ascending by construction
	current *minuteKey
}

// NewBuilder creates an empty builder for symbol.
func NewBuilder(symbol market.Symbol) *Builder {
	return &Builder{
		symbol: symbol,
		bars:   make(map[minuteKey]market.Bar),
	}
}

// ProcessResult reports what ProcessTrade did, so the aggregator can decide
// whether to persist a just-finalized bucket (spec §4.3 step 3).
type ProcessResult struct {
	Transitioned bool
	FinalizedBar market.Bar
	Rejected     bool // late tick, clock-skew, or otherwise dropped
	RejectReason string
}

// ProcessTrade folds one tick into the builder per spec §4.4.
func (b *Builder) ProcessTrade(price float64, size uint64, ts time.Time, now time.Time) ProcessResult {
	if ts.After(now.Add(time.Minute)) {
		return ProcessResult{Rejected: true, RejectReason: "clock_skew"}
	}

	bucket := market.FloorToMinute(ts)

	if b.current == nil || bucket.After(*b.current) {
		var result ProcessResult
		if b.current != nil {
			result.Transitioned = true
			result.FinalizedBar = b.bars[*b.current]
		}

		cur := bucket
		b.current = &cur
		if _, exists := b.bars[bucket]; !exists {
			b.order = append(b.order, bucket)
		}
		b.bars[bucket] = market.Bar{
			Symbol:      b.symbol,
			BucketStart: bucket,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			Volume:      size,
		}
		return result
	}

	if bucket.Equal(*b.current) {
		bar := b.bars[bucket]
		if price > bar.High {
			bar.High = price
		}
		if price < bar.Low {
			bar.Low = price
		}
		bar.Close = price
		bar.Volume += size
		b.bars[bucket] = bar
		return ProcessResult{}
	}

	// bucket < current: late tick, reject and count, never mutate the past.
	return ProcessResult{Rejected: true, RejectReason: "late_tick"}
}

// LoadHistorical merges backfill bars in per spec §4.4: a bucket already
// present (whether current or finalized) is left untouched; only genuinely
// missing buckets are inserted. It never creates a new "current" bucket.
func (b *Builder) LoadHistorical(bars []market.Bar) (inserted int) {
	for _, bar := range bars {
		key := market.FloorToMinute(bar.BucketStart)
		if _, exists := b.bars[key]; exists {
			continue
		}
		b.bars[key] = bar
		b.order = append(b.order, key)
		inserted++
	}
	b.resort()
	return inserted
}

func (b *Builder) resort() {
	// order is append-only from ProcessTrade (monotonic) but LoadHistorical
	// can insert bars earlier than any seen tick, so keep it sorted.
	for i := 1; i < len(b.order); i++ {
		for j := i; j > 0 && b.order[j].Before(b.order[j-1]); j-- {
			b.order[j], b.order[j-1] = b.order[j-1], b.order[j]
		}
	}
}

// FullSeries returns a copy of every bucket keyed by its start time, for an
// is_initial=true snapshot. The returned map carries no ordering.
func (b *Builder) FullSeries() map[time.Time]market.Bar {
	out := make(map[time.Time]market.Bar, len(b.bars))
	for k, v := range b.bars {
		out[k] = v
	}
	return out
}

// LastTwo returns the current bucket and its immediate predecessor, for an
// is_initial=false delta (spec §4.3 step 4).
func (b *Builder) LastTwo() map[time.Time]market.Bar {
	out := make(map[time.Time]market.Bar, 2)
	n := len(b.order)
	if n == 0 {
		return out
	}
	out[b.order[n-1]] = b.bars[b.order[n-1]]
	if n >= 2 {
		out[b.order[n-2]] = b.bars[b.order[n-2]]
	}
	return out
}

// HasData reports whether the builder holds at least one bucket.
func (b *Builder) HasData() bool {
	return len(b.bars) > 0
}
