// Package buffer implements the Tick Buffer (C3): three independent
// bounded, concurrency-safe in-memory queues for quotes, trades, and depth
// snapshots, each with a fullness signal.
//
// Grounded on original_source/scripts/tick_buffer.py (three
// collections.deque buffers behind one threading.Lock, 80%-full warnings,
// an atomic get-and-clear drain) and on the teacher's lock-guarded,
// short-critical-section style (internal/market/book.go). Unlike the
// Python deques, these buffers do not silently evict the oldest item when
// full — capacity is enforced by the caller's scheduling policy (the
// collector flushes before a producer can overflow it); Add returns an
// error if the caller ever races ahead of that policy.
package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deribit-md-collector/pkg/types"
)

// Default capacities, spec §4.3.
const (
	DefaultQuoteCapacity = 200000
	DefaultTradeCapacity = 100000
	DefaultDepthCapacity = 50000

	flushThresholdPct = 80.0
)

// Stats reports per-queue utilization and lifetime counters.
type Stats struct {
	Received       int64
	Drained        int64
	PeakUtilPct    float64
	LastDrainAt    time.Time
}

// Buffer holds the three tick queues behind a single lock, matching the
// shared-resource policy of spec §5 ("a single lock guards its three
// queues and counters").
type Buffer struct {
	mu sync.Mutex

	quoteCap, tradeCap, depthCap int

	quotes []types.QuoteTick
	trades []types.TradeTick
	depth  []types.DepthSnapshot

	quoteStats Stats
	tradeStats Stats
	depthStats Stats

	lastQuoteWarnMinute int64
	lastTradeWarnMinute int64
	lastDepthWarnMinute int64

	logger *slog.Logger
}

// New creates a Buffer with the given capacities. A zero capacity falls
// back to the spec default for that queue.
func New(quoteCap, tradeCap, depthCap int, logger *slog.Logger) *Buffer {
	if quoteCap <= 0 {
		quoteCap = DefaultQuoteCapacity
	}
	if tradeCap <= 0 {
		tradeCap = DefaultTradeCapacity
	}
	if depthCap <= 0 {
		depthCap = DefaultDepthCapacity
	}
	return &Buffer{
		quoteCap: quoteCap,
		tradeCap: tradeCap,
		depthCap: depthCap,
		quotes:   make([]types.QuoteTick, 0, quoteCap),
		trades:   make([]types.TradeTick, 0, tradeCap),
		depth:    make([]types.DepthSnapshot, 0, depthCap),
		logger:   logger.With("component", "buffer"),
	}
}

// AddQuote appends a quote tick. Returns an error if the queue is already
// at capacity — the caller should have flushed first (spec §4.3).
func (b *Buffer) AddQuote(q types.QuoteTick) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.quotes) >= b.quoteCap {
		return fmt.Errorf("quote buffer full (cap=%d)", b.quoteCap)
	}
	b.quotes = append(b.quotes, q)
	b.quoteStats.Received++
	b.quoteStats.PeakUtilPct = maxFloat(b.quoteStats.PeakUtilPct, b.utilizationLocked(len(b.quotes), b.quoteCap))
	b.warnIfCrossingThresholdLocked("quotes", len(b.quotes), b.quoteCap, &b.lastQuoteWarnMinute)
	return nil
}

// AddTrade appends a trade tick.
func (b *Buffer) AddTrade(tr types.TradeTick) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.trades) >= b.tradeCap {
		return fmt.Errorf("trade buffer full (cap=%d)", b.tradeCap)
	}
	b.trades = append(b.trades, tr)
	b.tradeStats.Received++
	b.tradeStats.PeakUtilPct = maxFloat(b.tradeStats.PeakUtilPct, b.utilizationLocked(len(b.trades), b.tradeCap))
	b.warnIfCrossingThresholdLocked("trades", len(b.trades), b.tradeCap, &b.lastTradeWarnMinute)
	return nil
}

// AddDepth appends a depth snapshot.
func (b *Buffer) AddDepth(d types.DepthSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.depth) >= b.depthCap {
		return fmt.Errorf("depth buffer full (cap=%d)", b.depthCap)
	}
	b.depth = append(b.depth, d)
	b.depthStats.Received++
	b.depthStats.PeakUtilPct = maxFloat(b.depthStats.PeakUtilPct, b.utilizationLocked(len(b.depth), b.depthCap))
	b.warnIfCrossingThresholdLocked("depth", len(b.depth), b.depthCap, &b.lastDepthWarnMinute)
	return nil
}

// warnIfCrossingThresholdLocked logs once per minute per queue when
// utilization is at or above the flush threshold. Caller must hold mu.
func (b *Buffer) warnIfCrossingThresholdLocked(queue string, size, cap int, lastWarnMinute *int64) {
	util := 100 * float64(size) / float64(cap)
	if util < flushThresholdPct {
		return
	}
	minute := time.Now().Unix() / 60
	if *lastWarnMinute == minute {
		return
	}
	*lastWarnMinute = minute
	b.logger.Warn("buffer crossed flush threshold", "queue", queue, "utilization_pct", util, "size", size, "cap", cap)
}

// ShouldFlush reports whether any queue is at or above 80% capacity.
func (b *Buffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.utilizationLocked(len(b.quotes), b.quoteCap) >= flushThresholdPct ||
		b.utilizationLocked(len(b.trades), b.tradeCap) >= flushThresholdPct ||
		b.utilizationLocked(len(b.depth), b.depthCap) >= flushThresholdPct
}

func (b *Buffer) utilizationLocked(size, cap int) float64 {
	if cap == 0 {
		return 0
	}
	return 100 * float64(size) / float64(cap)
}

// Drain atomically removes and returns everything currently buffered. No
// item added before Drain returns can be missing from the result, and no
// item added after Drain starts can leak into it (spec §8 property 5):
// the entire swap happens under one lock acquisition.
func (b *Buffer) Drain() (quotes []types.QuoteTick, trades []types.TradeTick, depth []types.DepthSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	quotes, b.quotes = b.quotes, make([]types.QuoteTick, 0, b.quoteCap)
	trades, b.trades = b.trades, make([]types.TradeTick, 0, b.tradeCap)
	depth, b.depth = b.depth, make([]types.DepthSnapshot, 0, b.depthCap)

	now := time.Now()
	b.recordDrainLocked(&b.quoteStats, len(quotes), now)
	b.recordDrainLocked(&b.tradeStats, len(trades), now)
	b.recordDrainLocked(&b.depthStats, len(depth), now)

	return quotes, trades, depth
}

func (b *Buffer) recordDrainLocked(s *Stats, n int, now time.Time) {
	s.PeakUtilPct = 0
	if n == 0 {
		return
	}
	s.Drained += int64(n)
	s.LastDrainAt = now
}

// ClearAll discards every buffered item without writing them anywhere and
// returns the counts discarded. Reserved for emergency shutdown (spec
// §4.3); callers must log the returned counts.
func (b *Buffer) ClearAll() (quotesDiscarded, tradesDiscarded, depthDiscarded int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	quotesDiscarded, tradesDiscarded, depthDiscarded = len(b.quotes), len(b.trades), len(b.depth)
	b.quotes = make([]types.QuoteTick, 0, b.quoteCap)
	b.trades = make([]types.TradeTick, 0, b.tradeCap)
	b.depth = make([]types.DepthSnapshot, 0, b.depthCap)
	return quotesDiscarded, tradesDiscarded, depthDiscarded
}

// QuoteStats, TradeStats, DepthStats return a snapshot of each queue's
// lifetime statistics, including the peak utilization reached since the
// last Drain.
func (b *Buffer) QuoteStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quoteStats
}

func (b *Buffer) TradeStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tradeStats
}

func (b *Buffer) DepthStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthStats
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
