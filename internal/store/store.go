// Package store implements the Batch Writer (C4): the only component that
// talks to Postgres. It idempotently upserts quote ticks, inserts trade
// ticks with conflict-free dedup, and appends depth snapshots, chunking
// large drains into sub-batches and retrying transient failures.
//
// Grounded on original_source/scripts/tick_writer_multi.py (table routing,
// batch size, retry/backoff shape, the exact COALESCE-per-column upsert)
// and on the teacher's pool-backed persistence layer style; the connection
// pool itself is `jackc/pgx/v5`'s pgxpool, the library the rest of the
// example pack reaches for whenever ticks land in Postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"deribit-md-collector/pkg/types"
)

// BatchSize caps the rows sent per sub-batch/transaction, per spec §4.4.
const BatchSize = 10000

// retryDelays are the exponential backoff steps tick_writer_multi.py uses
// for a failed batch: 1s, 2s, 4s.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Stats tracks lifetime write counters, exposed via /api/status (spec §4.7,
// SUPPLEMENTED FEATURES).
type Stats struct {
	QuotesWritten int64
	TradesWritten int64
	DepthWritten  int64
	FailedWrites  int64
	LastWriteAt   time.Time
}

// Writer is the pgxpool-backed batch upsert writer for one currency.
type Writer struct {
	pool     *pgxpool.Pool
	currency string
	logger   *slog.Logger

	stats Stats
}

// Open creates a connection pool sized [minConns, maxConns] against
// databaseURL and returns a Writer scoped to currency's tables.
func Open(ctx context.Context, databaseURL string, minConns, maxConns int32, currency string, logger *slog.Logger) (*Writer, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	return &Writer{
		pool:     pool,
		currency: strings.ToLower(currency),
		logger:   logger.With("component", "store", "currency", currency),
	}, nil
}

// Close returns every connection to the pool and closes it.
func (w *Writer) Close() {
	w.pool.Close()
}

func (w *Writer) optionQuotesTable() string { return w.currency + "_option_quotes" }
func (w *Writer) optionTradesTable() string { return w.currency + "_option_trades" }
func (w *Writer) depthTable() string        { return w.currency + "_option_orderbook_depth" }

// Perpetual/future ticks land in one table shared across currencies,
// unlike options (SUPPLEMENTED FEATURES: tick_writer_perp.py).
const (
	perpQuotesTable = "perpetuals_quotes"
	perpTradesTable = "perpetuals_trades"
)

// WriteQuotes upserts option quote ticks in sub-batches of BatchSize rows.
func (w *Writer) WriteQuotes(ctx context.Context, quotes []types.QuoteTick) (int, error) {
	total := 0
	for start := 0; start < len(quotes); start += BatchSize {
		end := min(start+BatchSize, len(quotes))
		chunk := quotes[start:end]
		if err := w.retrying(ctx, "quote batch", func() error {
			return w.writeQuoteBatch(ctx, w.optionQuotesTable(), chunk)
		}); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	w.recordWrite(&w.stats.QuotesWritten, total)
	return total, nil
}

// WritePerpQuotes upserts perpetual/future quote ticks into the shared
// cross-currency table.
func (w *Writer) WritePerpQuotes(ctx context.Context, quotes []types.PerpQuote) (int, error) {
	total := 0
	for start := 0; start < len(quotes); start += BatchSize {
		end := min(start+BatchSize, len(quotes))
		chunk := quotes[start:end]
		if err := w.retrying(ctx, "perp quote batch", func() error {
			return w.execPerpQuoteUpsert(ctx, chunk)
		}); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	w.recordWrite(&w.stats.QuotesWritten, total)
	return total, nil
}

// WriteTrades inserts option trade ticks, ignoring duplicates on
// (trade_id, instrument).
func (w *Writer) WriteTrades(ctx context.Context, trades []types.TradeTick) (int, error) {
	total := 0
	for start := 0; start < len(trades); start += BatchSize {
		end := min(start+BatchSize, len(trades))
		chunk := trades[start:end]
		if err := w.retrying(ctx, "trade batch", func() error {
			return w.execTradeInsert(ctx, w.optionTradesTable(), chunk)
		}); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	w.recordWrite(&w.stats.TradesWritten, total)
	return total, nil
}

// WritePerpTrades inserts perpetual/future trade ticks into the shared
// cross-currency table.
func (w *Writer) WritePerpTrades(ctx context.Context, trades []types.PerpTrade) (int, error) {
	total := 0
	for start := 0; start < len(trades); start += BatchSize {
		end := min(start+BatchSize, len(trades))
		chunk := trades[start:end]
		if err := w.retrying(ctx, "perp trade batch", func() error {
			return w.execPerpTradeInsert(ctx, chunk)
		}); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	w.recordWrite(&w.stats.TradesWritten, total)
	return total, nil
}

// WriteDepth appends full-depth snapshots; there is no conflict key beyond
// (timestamp, instrument), so every row is a plain insert.
func (w *Writer) WriteDepth(ctx context.Context, snapshots []types.DepthSnapshot) (int, error) {
	total := 0
	for start := 0; start < len(snapshots); start += BatchSize {
		end := min(start+BatchSize, len(snapshots))
		chunk := snapshots[start:end]
		if err := w.retrying(ctx, "depth batch", func() error {
			return w.execDepthInsert(ctx, chunk)
		}); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	w.recordWrite(&w.stats.DepthWritten, total)
	return total, nil
}

func (w *Writer) recordWrite(counter *int64, n int) {
	*counter += int64(n)
	w.stats.LastWriteAt = time.Now()
}

// retrying runs fn up to 1+len(retryDelays) times, sleeping the matching
// backoff step between attempts, matching tick_writer_multi.py's
// 1s/2s/4s retry ladder exactly.
func (w *Writer) retrying(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			w.logger.Error("write failed", "what", label, "attempt", attempt+1, "error", err)
		}

		if attempt < len(retryDelays) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelays[attempt]):
			}
		}
	}
	w.stats.FailedWrites++
	return fmt.Errorf("%s: failed after %d attempts: %w", label, len(retryDelays)+1, lastErr)
}

func (w *Writer) writeQuoteBatch(ctx context.Context, table string, quotes []types.QuoteTick) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s
		(timestamp, instrument, best_bid_price, best_bid_amount, best_ask_price, best_ask_amount,
		 underlying_price, mark_price, delta, gamma, theta, vega, rho,
		 implied_volatility, bid_iv, ask_iv, mark_iv, open_interest, last_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (timestamp, instrument) DO UPDATE SET
			best_bid_price = COALESCE(EXCLUDED.best_bid_price, %[1]s.best_bid_price),
			best_bid_amount = COALESCE(EXCLUDED.best_bid_amount, %[1]s.best_bid_amount),
			best_ask_price = COALESCE(EXCLUDED.best_ask_price, %[1]s.best_ask_price),
			best_ask_amount = COALESCE(EXCLUDED.best_ask_amount, %[1]s.best_ask_amount),
			underlying_price = COALESCE(EXCLUDED.underlying_price, %[1]s.underlying_price),
			mark_price = COALESCE(EXCLUDED.mark_price, %[1]s.mark_price),
			delta = COALESCE(EXCLUDED.delta, %[1]s.delta),
			gamma = COALESCE(EXCLUDED.gamma, %[1]s.gamma),
			theta = COALESCE(EXCLUDED.theta, %[1]s.theta),
			vega = COALESCE(EXCLUDED.vega, %[1]s.vega),
			rho = COALESCE(EXCLUDED.rho, %[1]s.rho),
			implied_volatility = COALESCE(EXCLUDED.implied_volatility, %[1]s.implied_volatility),
			bid_iv = COALESCE(EXCLUDED.bid_iv, %[1]s.bid_iv),
			ask_iv = COALESCE(EXCLUDED.ask_iv, %[1]s.ask_iv),
			mark_iv = COALESCE(EXCLUDED.mark_iv, %[1]s.mark_iv),
			open_interest = COALESCE(EXCLUDED.open_interest, %[1]s.open_interest),
			last_price = COALESCE(EXCLUDED.last_price, %[1]s.last_price)
	`, table)

	for _, q := range quotes {
		var delta, gamma, theta, vega, rho *decimal.Decimal
		if q.Greeks != nil {
			delta, gamma, theta, vega, rho = &q.Greeks.Delta, &q.Greeks.Gamma, &q.Greeks.Theta, &q.Greeks.Vega, &q.Greeks.Rho
		}
		// implied_volatility mirrors mark_iv: the schema carries both
		// columns but QuoteTick has one mark-IV field to source them from.
		batch.Queue(query,
			q.Timestamp, q.Instrument,
			q.BestBidPrice, q.BestBidSize, q.BestAskPrice, q.BestAskSize,
			q.UnderlyingPrice, q.MarkPrice,
			delta, gamma, theta, vega, rho,
			q.MarkIV, q.BidIV, q.AskIV, q.MarkIV, q.OpenInterest, q.LastPrice,
		)
	}

	return w.sendBatch(ctx, batch, len(quotes))
}

func (w *Writer) execPerpQuoteUpsert(ctx context.Context, quotes []types.PerpQuote) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s
		(timestamp, instrument, best_bid_price, best_bid_amount, best_ask_price, best_ask_amount,
		 mark_price, index_price, last_price, open_interest, funding_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (timestamp, instrument) DO UPDATE SET
			best_bid_price = COALESCE(EXCLUDED.best_bid_price, %[1]s.best_bid_price),
			best_bid_amount = COALESCE(EXCLUDED.best_bid_amount, %[1]s.best_bid_amount),
			best_ask_price = COALESCE(EXCLUDED.best_ask_price, %[1]s.best_ask_price),
			best_ask_amount = COALESCE(EXCLUDED.best_ask_amount, %[1]s.best_ask_amount),
			mark_price = COALESCE(EXCLUDED.mark_price, %[1]s.mark_price),
			index_price = COALESCE(EXCLUDED.index_price, %[1]s.index_price),
			last_price = COALESCE(EXCLUDED.last_price, %[1]s.last_price),
			open_interest = COALESCE(EXCLUDED.open_interest, %[1]s.open_interest),
			funding_rate = COALESCE(EXCLUDED.funding_rate, %[1]s.funding_rate)
	`, perpQuotesTable)

	for _, q := range quotes {
		batch.Queue(query,
			q.Timestamp, q.Instrument,
			q.BestBidPrice, q.BestBidSize, q.BestAskPrice, q.BestAskSize,
			q.MarkPrice, q.IndexPrice, q.LastPrice, q.OpenInterest, q.FundingRate,
		)
	}
	return w.sendBatch(ctx, batch, len(quotes))
}

func (w *Writer) execTradeInsert(ctx context.Context, table string, trades []types.TradeTick) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s
		(timestamp, instrument, trade_id, price, amount, direction, iv, index_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trade_id, instrument) DO NOTHING
	`, table)

	for _, tr := range trades {
		batch.Queue(query, tr.Timestamp, tr.Instrument, tr.TradeID, tr.Price, tr.Amount, tr.Direction, tr.IV, tr.IndexPrice)
	}
	return w.sendBatch(ctx, batch, len(trades))
}

func (w *Writer) execPerpTradeInsert(ctx context.Context, trades []types.PerpTrade) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s
		(timestamp, instrument, trade_id, price, amount, direction, index_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id, instrument) DO NOTHING
	`, perpTradesTable)

	for _, tr := range trades {
		batch.Queue(query, tr.Timestamp, tr.Instrument, tr.TradeID, tr.Price, tr.Amount, tr.Direction, tr.IndexPrice)
	}
	return w.sendBatch(ctx, batch, len(trades))
}

func (w *Writer) execDepthInsert(ctx context.Context, snapshots []types.DepthSnapshot) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s
		(timestamp, instrument, bids, asks, mark_price, underlying_price, open_interest, volume_24h)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.depthTable())

	for _, d := range snapshots {
		bids, err := json.Marshal(d.Bids)
		if err != nil {
			return fmt.Errorf("marshal bids for %s: %w", d.Instrument, err)
		}
		asks, err := json.Marshal(d.Asks)
		if err != nil {
			return fmt.Errorf("marshal asks for %s: %w", d.Instrument, err)
		}
		batch.Queue(query, d.Timestamp, d.Instrument, bids, asks, d.MarkPrice, d.UnderlyingPrice, d.OpenInterest, d.Volume24h)
	}
	return w.sendBatch(ctx, batch, len(snapshots))
}

// sendBatch runs every queued statement in one transaction, one round trip,
// matching asyncpg's executemany semantics inside a pooled connection.
func (w *Writer) sendBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("exec batch row %d/%d: %w", i+1, n, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch results: %w", err)
	}
	return tx.Commit(ctx)
}

// Stats returns a snapshot of lifetime write counters.
func (w *Writer) Stats() Stats {
	return w.stats
}
