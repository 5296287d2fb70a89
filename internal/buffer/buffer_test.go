package buffer

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"deribit-md-collector/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAndDrainReturnsExactCount(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())

	for i := 0; i < 5; i++ {
		if err := b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"}); err != nil {
			t.Fatalf("AddQuote: %v", err)
		}
	}
	quotes, trades, depth := b.Drain()
	if len(quotes) != 5 {
		t.Errorf("got %d quotes, want 5", len(quotes))
	}
	if len(trades) != 0 || len(depth) != 0 {
		t.Errorf("expected empty trades/depth, got %d/%d", len(trades), len(depth))
	}
}

func TestDrainIsAtomicAndEmptiesQueue(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())
	_ = b.AddTrade(types.TradeTick{TradeID: "1"})

	first, _, _ := b.Drain()
	if len(first) != 1 {
		t.Fatalf("expected 1 trade in first drain, got %d", len(first))
	}

	second, _, _ := b.Drain()
	if len(second) != 0 {
		t.Errorf("expected drained queue empty on second call, got %d", len(second))
	}
}

func TestAddReturnsErrorWhenFull(t *testing.T) {
	t.Parallel()
	b := New(1, 1, 1, discardLogger())

	if err := b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"}); err != nil {
		t.Fatalf("first AddQuote: %v", err)
	}
	if err := b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"}); err == nil {
		t.Error("expected error when adding past capacity")
	}
}

func TestShouldFlushAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())

	for i := 0; i < 7; i++ {
		_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	}
	if b.ShouldFlush() {
		t.Error("expected ShouldFlush()=false at 70% utilization")
	}

	_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	if !b.ShouldFlush() {
		t.Error("expected ShouldFlush()=true at 80% utilization")
	}
}

func TestClearAllReturnsDiscardCounts(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())
	_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	_ = b.AddQuote(types.QuoteTick{Instrument: "ETH-PERPETUAL"})
	_ = b.AddTrade(types.TradeTick{TradeID: "1"})

	qd, td, dd := b.ClearAll()
	if qd != 2 || td != 1 || dd != 0 {
		t.Errorf("ClearAll() = (%d,%d,%d), want (2,1,0)", qd, td, dd)
	}
	quotes, trades, depth := b.Drain()
	if len(quotes) != 0 || len(trades) != 0 || len(depth) != 0 {
		t.Error("expected buffers empty after ClearAll")
	}
}

func TestConcurrentAddersDoNotRace(t *testing.T) {
	t.Parallel()
	b := New(1000, 1000, 1000, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
			}
		}()
	}
	wg.Wait()

	quotes, _, _ := b.Drain()
	if len(quotes) != 500 {
		t.Errorf("got %d quotes, want 500", len(quotes))
	}
}

func TestStatsTrackReceivedAndDrained(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())
	_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	b.Drain()

	stats := b.QuoteStats()
	if stats.Received != 2 {
		t.Errorf("Received = %d, want 2", stats.Received)
	}
	if stats.Drained != 2 {
		t.Errorf("Drained = %d, want 2", stats.Drained)
	}
}

func TestPeakUtilPctPersistsAcrossReadsAndResetsOnDrain(t *testing.T) {
	t.Parallel()
	b := New(10, 10, 10, discardLogger())

	for i := 0; i < 8; i++ {
		_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	}
	if got := b.QuoteStats().PeakUtilPct; got != 80 {
		t.Errorf("PeakUtilPct = %v, want 80", got)
	}

	// A read alone must not reset or recompute the peak: asking twice in a
	// row returns the same historical high, not whatever the queue
	// happens to hold right now.
	if got := b.QuoteStats().PeakUtilPct; got != 80 {
		t.Errorf("PeakUtilPct changed across reads with no intervening Add/Drain, got %v", got)
	}

	// One more add (90%), then a Drain: the peak starts over from the adds
	// that follow.
	_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	b.Drain()
	for i := 0; i < 2; i++ {
		_ = b.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})
	}
	if got := b.QuoteStats().PeakUtilPct; got != 20 {
		t.Errorf("PeakUtilPct after Drain = %v, want 20 (peak resets at the drain boundary)", got)
	}

	b.Drain()
	if got := b.QuoteStats().PeakUtilPct; got != 0 {
		t.Errorf("PeakUtilPct after Drain with nothing added since = %v, want 0", got)
	}
}
