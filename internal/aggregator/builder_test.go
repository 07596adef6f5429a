package aggregator

import (
	"testing"
	"time"

	"github.com/JSh4w/financial-analyzer/internal/market"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return ts
}

func TestScenarioA_FirstSubscriptionEmptyHistory(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T14:31:10Z")

	r1 := b.ProcessTrade(150.00, 10, mustParse(t, "2025-10-11T14:30:15Z"), now)
	if r1.Transitioned || r1.Rejected {
		t.Fatalf("unexpected result for first tick: %+v", r1)
	}

	r2 := b.ProcessTrade(150.50, 5, mustParse(t, "2025-10-11T14:30:45Z"), now)
	if r2.Transitioned {
		t.Fatalf("unexpected transition within same bucket: %+v", r2)
	}

	r3 := b.ProcessTrade(149.90, 8, mustParse(t, "2025-10-11T14:31:02Z"), now)
	if !r3.Transitioned {
		t.Fatalf("expected transition on new minute bucket")
	}
	if r3.FinalizedBar.Open != 150.00 || r3.FinalizedBar.High != 150.50 ||
		r3.FinalizedBar.Low != 150.00 || r3.FinalizedBar.Close != 150.50 || r3.FinalizedBar.Volume != 15 {
		t.Fatalf("unexpected finalized 14:30 bar: %+v", r3.FinalizedBar)
	}

	series := b.FullSeries()
	b1430 := series[mustParse(t, "2025-10-11T14:30:00Z")]
	b1431 := series[mustParse(t, "2025-10-11T14:31:00Z")]
	if b1430.Close != 150.50 || b1431.Open != 149.90 || b1431.Volume != 8 {
		t.Fatalf("unexpected final series: 14:30=%+v 14:31=%+v", b1430, b1431)
	}
}

func TestMinuteBoundary(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")

	b.ProcessTrade(100, 1, mustParse(t, "2025-10-11T14:30:59.999999999Z"), now)
	r := b.ProcessTrade(101, 1, mustParse(t, "2025-10-11T14:31:00.000000000Z"), now)
	if !r.Transitioned {
		t.Fatalf("expected exact-boundary tick to start a new bucket")
	}
}

func TestLateTickRejectedWithoutMutation(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")

	b.ProcessTrade(100, 1, mustParse(t, "2025-10-11T14:31:00Z"), now)
	b.ProcessTrade(110, 1, mustParse(t, "2025-10-11T14:32:00Z"), now)

	before := b.bars[mustParse(t, "2025-10-11T14:31:00Z")]
	r := b.ProcessTrade(999, 1, mustParse(t, "2025-10-11T14:31:30Z"), now)
	if !r.Rejected || r.RejectReason != "late_tick" {
		t.Fatalf("expected late tick to be rejected, got %+v", r)
	}
	after := b.bars[mustParse(t, "2025-10-11T14:31:00Z")]
	if before != after {
		t.Fatalf("late tick mutated a past bucket: before=%+v after=%+v", before, after)
	}
}

func TestClockSkewGuardRejectsFutureTick(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")
	r := b.ProcessTrade(100, 1, now.Add(90*time.Second), now)
	if !r.Rejected || r.RejectReason != "clock_skew" {
		t.Fatalf("expected clock-skew rejection, got %+v", r)
	}
}

func TestZeroSizeCountsPriceNotVolume(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")
	b.ProcessTrade(100, 10, mustParse(t, "2025-10-11T14:31:00Z"), now)
	b.ProcessTrade(105, 0, mustParse(t, "2025-10-11T14:31:10Z"), now)

	bar := b.bars[mustParse(t, "2025-10-11T14:31:00Z")]
	if bar.High != 105 || bar.Close != 105 || bar.Volume != 10 {
		t.Fatalf("zero-size tick should affect high/close but not volume: %+v", bar)
	}
}

func TestScenarioC_BackfillMergeLocalWins(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")
	b.ProcessTrade(150, 50, mustParse(t, "2025-10-11T14:30:00Z"), now)
	b.ProcessTrade(151, 50, mustParse(t, "2025-10-11T14:30:30Z"), now)
	// finalize 14:30 by moving to 14:31
	b.ProcessTrade(150.5, 0, mustParse(t, "2025-10-11T14:31:00Z"), now)

	local1430 := b.bars[mustParse(t, "2025-10-11T14:30:00Z")]

	inserted := b.LoadHistorical([]market.Bar{
		{Symbol: "AAPL", BucketStart: mustParse(t, "2025-10-11T14:30:00Z"), Open: 149.9, High: 151.1, Low: 149, Close: 150.4, Volume: 130},
		{Symbol: "AAPL", BucketStart: mustParse(t, "2025-10-11T14:29:00Z"), Open: 148, High: 149, Low: 147, Close: 148.5, Volume: 40},
	})
	if inserted != 1 {
		t.Fatalf("expected exactly one bucket inserted from backfill, got %d", inserted)
	}

	after1430 := b.bars[mustParse(t, "2025-10-11T14:30:00Z")]
	if after1430 != local1430 {
		t.Fatalf("local 14:30 bucket should be unchanged by backfill: before=%+v after=%+v", local1430, after1430)
	}
	if _, ok := b.bars[mustParse(t, "2025-10-11T14:29:00Z")]; !ok {
		t.Fatalf("expected 14:29 bucket to be inserted from backfill")
	}
}

func TestLoadHistoricalNoopOnExistingBucket(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")
	b.ProcessTrade(100, 1, mustParse(t, "2025-10-11T14:31:00Z"), now)

	first := b.LoadHistorical([]market.Bar{{Symbol: "AAPL", BucketStart: mustParse(t, "2025-10-11T14:31:00Z"), Open: 1, High: 1, Low: 1, Close: 1}})
	if first != 0 {
		t.Fatalf("expected no-op when bucket already present, inserted=%d", first)
	}
}

func TestLastTwoReturnsCurrentAndPredecessor(t *testing.T) {
	b := NewBuilder("AAPL")
	now := mustParse(t, "2025-10-11T15:00:00Z")
	b.ProcessTrade(100, 1, mustParse(t, "2025-10-11T14:30:00Z"), now)
	b.ProcessTrade(101, 1, mustParse(t, "2025-10-11T14:31:00Z"), now)
	b.ProcessTrade(102, 1, mustParse(t, "2025-10-11T14:32:00Z"), now)

	last := b.LastTwo()
	if len(last) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(last))
	}
	if _, ok := last[mustParse(t, "2025-10-11T14:32:00Z")]; !ok {
		t.Fatalf("expected current bucket 14:32 in LastTwo")
	}
	if _, ok := last[mustParse(t, "2025-10-11T14:31:00Z")]; !ok {
		t.Fatalf("expected predecessor bucket 14:31 in LastTwo")
	}
}

func TestGroupByMinuteFoldEquivalence(t *testing.T) {
	// Testable property 3: for monotonic timestamps, the final series
	// equals "group by minute, OHLCV-fold" of the input.
	now := mustParse(t, "2025-10-11T16:00:00Z")
	type trade struct {
		price float64
		size  uint64
		ts    time.Time
	}
	trades := []trade{
		{100, 5, mustParse(t, "2025-10-11T14:30:00Z")},
		{102, 3, mustParse(t, "2025-10-11T14:30:20Z")},
		{99, 2, mustParse(t, "2025-10-11T14:30:40Z")},
		{101, 4, mustParse(t, "2025-10-11T14:31:05Z")},
		{103, 1, mustParse(t, "2025-10-11T14:31:50Z")},
	}

	b := NewBuilder("AAPL")
	for _, tr := range trades {
		b.ProcessTrade(tr.price, tr.size, tr.ts, now)
	}

	series := b.FullSeries()
	b30 := series[mustParse(t, "2025-10-11T14:30:00Z")]
	if b30.Open != 100 || b30.High != 102 || b30.Low != 99 || b30.Close != 99 || b30.Volume != 10 {
		t.Fatalf("unexpected fold for 14:30: %+v", b30)
	}
	b31 := series[mustParse(t, "2025-10-11T14:31:00Z")]
	if b31.Open != 101 || b31.High != 103 || b31.Low != 101 || b31.Close != 103 || b31.Volume != 5 {
		t.Fatalf("unexpected fold for 14:31: %+v", b31)
	}
}
