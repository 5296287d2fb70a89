// Package snapshot implements the Snapshot Fetcher (C5): a REST-driven
// pull of the current top-of-book (and, optionally, full depth) for a set
// of instruments, writing straight to the Batch Writer rather than through
// the Tick Buffer. It runs once at collector startup (before the WebSocket
// connects) and periodically afterward, so a quiet instrument's quote row
// is never simply absent because no ticker update has arrived for it yet.
//
// Grounded on original_source/scripts/orderbook_snapshot.py: the
// batches-of-10-with-a-pause concurrency shape, the "skip if no bid/ask/mark
// at all" dead-instrument rule, and the REST depth parameter (1 for
// top-of-book only, 20 for full depth) are carried over unchanged.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deribit-md-collector/internal/deribit"
	"deribit-md-collector/internal/ladder"
	"deribit-md-collector/pkg/types"
)

// BatchSize is the number of concurrent get_order_book calls in flight at
// once, per orderbook_snapshot.py.
const BatchSize = 10

// InterBatchPause is how long the fetcher waits between batches so it
// doesn't compete with the collector's own REST traffic for the shared
// rate budget.
const InterBatchPause = 500 * time.Millisecond

// topOfBookDepth and fullDepth are the get_order_book depth parameters for
// the two snapshot modes.
const (
	topOfBookDepth = 1
	fullDepth      = 20
)

// Stats summarizes one Fetch call, mirroring fetch_and_populate's returned
// dictionary.
type Stats struct {
	InstrumentsFetched      int
	InstrumentsWithData     int
	InstrumentsWithoutData  int
	QuotesPopulated         int
	DepthSnapshotsPopulated int
	Errors                  int
}

// Writer is the subset of store.Writer the fetcher needs, kept as an
// interface so tests can substitute a recorder.
type Writer interface {
	WriteQuotes(ctx context.Context, quotes []types.QuoteTick) (int, error)
	WriteDepth(ctx context.Context, snapshots []types.DepthSnapshot) (int, error)
}

// Fetcher pulls REST order books for a set of instruments and writes the
// resulting quotes (and optionally full depth) to the store.
type Fetcher struct {
	rest   *deribit.Client
	writer Writer
	logger *slog.Logger
}

// New creates a Fetcher over the given REST client and writer.
func New(rest *deribit.Client, writer Writer, logger *slog.Logger) *Fetcher {
	return &Fetcher{rest: rest, writer: writer, logger: logger.With("component", "snapshot")}
}

// FetchAndPopulate fetches a REST order book for every instrument and
// writes top-of-book quotes (and, if includeFullDepth, full-depth
// snapshots) directly to the store. Per-instrument failures are counted,
// not fatal — one bad instrument never aborts the batch.
func (f *Fetcher) FetchAndPopulate(ctx context.Context, instruments []string, includeFullDepth bool) Stats {
	f.logger.Info("fetching order book snapshots", "instruments", len(instruments), "full_depth", includeFullDepth)

	depth := topOfBookDepth
	if includeFullDepth {
		depth = fullDepth
	}

	var stats Stats
	for start := 0; start < len(instruments); start += BatchSize {
		end := start + BatchSize
		if end > len(instruments) {
			end = len(instruments)
		}
		batch := instruments[start:end]

		quotes, depths, errCount := f.fetchBatch(ctx, batch, depth, includeFullDepth)
		stats.Errors += errCount
		stats.InstrumentsFetched += len(batch)
		stats.InstrumentsWithData += len(quotes)
		stats.InstrumentsWithoutData += len(batch) - len(quotes) - errCount

		if len(quotes) > 0 {
			n, err := f.writer.WriteQuotes(ctx, quotes)
			if err != nil {
				f.logger.Error("write quotes failed", "error", err)
			}
			stats.QuotesPopulated += n
		}
		if includeFullDepth && len(depths) > 0 {
			n, err := f.writer.WriteDepth(ctx, depths)
			if err != nil {
				f.logger.Error("write depth failed", "error", err)
			}
			stats.DepthSnapshotsPopulated += n
		}

		f.logger.Info("snapshot progress",
			"fetched", stats.InstrumentsFetched, "of", len(instruments),
			"quotes", stats.QuotesPopulated, "depth", stats.DepthSnapshotsPopulated)

		if end < len(instruments) {
			select {
			case <-ctx.Done():
				return stats
			case <-time.After(InterBatchPause):
			}
		}
	}

	f.logger.Info("snapshot complete",
		"fetched", stats.InstrumentsFetched,
		"with_data", stats.InstrumentsWithData,
		"without_data", stats.InstrumentsWithoutData,
		"errors", stats.Errors)

	return stats
}

func (f *Fetcher) fetchBatch(ctx context.Context, instruments []string, depth int, includeFullDepth bool) (quotes []types.QuoteTick, depths []types.DepthSnapshot, errCount int) {
	type result struct {
		quote *types.QuoteTick
		depth *types.DepthSnapshot
		err   error
	}

	results := make([]result, len(instruments))
	var wg sync.WaitGroup
	for i, instrument := range instruments {
		wg.Add(1)
		go func(i int, instrument string) {
			defer wg.Done()
			q, d, err := f.fetchOne(ctx, instrument, depth, includeFullDepth)
			results[i] = result{quote: q, depth: d, err: err}
		}(i, instrument)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			f.logger.Error("fetch order book failed", "instrument", instruments[i], "error", r.err)
			errCount++
			continue
		}
		if r.quote != nil {
			quotes = append(quotes, *r.quote)
		}
		if r.depth != nil {
			depths = append(depths, *r.depth)
		}
	}
	return quotes, depths, errCount
}

// fetchOne fetches one instrument's order book and builds a quote (and
// optional depth snapshot). Returns (nil, nil, nil) for a genuinely dead
// instrument: no bid, no ask, no mark price at all.
func (f *Fetcher) fetchOne(ctx context.Context, instrument string, depth int, includeFullDepth bool) (*types.QuoteTick, *types.DepthSnapshot, error) {
	book, err := f.rest.GetOrderBook(ctx, instrument, depth)
	if err != nil {
		return nil, nil, err
	}

	bids, asks := ladder.FromRawOrderBook(*book)

	if len(bids) == 0 && len(asks) == 0 && book.MarkPrice == nil {
		return nil, nil, nil
	}

	ts := time.UnixMilli(book.Timestamp).UTC()
	quote := &types.QuoteTick{
		Timestamp:       ts,
		Instrument:      instrument,
		UnderlyingPrice: decimalPtr(book.UnderlyingPrice),
		MarkPrice:       book.MarkPrice,
	}
	if len(bids) > 0 {
		quote.BestBidPrice = &bids[0].Price
		quote.BestBidSize = &bids[0].Size
	}
	if len(asks) > 0 {
		quote.BestAskPrice = &asks[0].Price
		quote.BestAskSize = &asks[0].Size
	}

	var depthSnapshot *types.DepthSnapshot
	if includeFullDepth {
		depthSnapshot = &types.DepthSnapshot{
			Timestamp:       ts,
			Instrument:      instrument,
			Bids:            bids,
			Asks:            asks,
			MarkPrice:       book.MarkPrice,
			UnderlyingPrice: decimalPtr(book.UnderlyingPrice),
			OpenInterest:    decimalPtr(book.OpenInterest),
			Volume24h:       decimalPtr(book.Stats.Volume),
		}
	}

	return quote, depthSnapshot, nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
