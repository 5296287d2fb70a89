// Package lifecycle implements the Lifecycle Manager (C9): the process
// that keeps the collector fleet's subscriptions in sync with what the
// exchange actually lists. It diffs the exchange's active universe against
// a tracked set kept in instrument_metadata, fans subscribe/unsubscribe
// commands out to every collector's Control API, and records what happened
// as lifecycle events.
//
// Grounded on original_source/scripts/lifecycle_manager.py: the
// fetch-active/diff-against-tracked/handle-expired/handle-listed/
// touch-last-seen cycle, the "every collector hears every command" fan-out
// policy, and the per-instrument lifecycle-event logging are carried over
// unchanged. The collector RPC client is `go-resty/resty/v2`, the HTTP
// client the rest of the example pack reaches for.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"deribit-md-collector/internal/catalog"
	"deribit-md-collector/internal/config"
	"deribit-md-collector/internal/deribit"
	"deribit-md-collector/internal/expiry"
	"deribit-md-collector/pkg/types"
)

// rpcTimeout bounds every collector subscribe/unsubscribe call, per spec §5
// ("all RPCs have a 10 s timeout").
const rpcTimeout = 10 * time.Second

// Manager runs the periodic sync cycle for one currency.
type Manager struct {
	cfg     config.Config
	catalog *catalog.Client
	pool    *pgxpool.Pool
	http    *resty.Client
	logger  *slog.Logger
}

// New connects to the store and wires the catalog client and collector RPC
// client for cfg.Currency.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Manager, error) {
	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	rl := deribit.NewRateLimiter(0, 0)
	rest := deribit.NewClient(cfg.Deribit.RESTBaseURL, rl, logger)
	cat := catalog.New(rest, catalog.DefaultCacheTTL, logger)

	return &Manager{
		cfg:     cfg,
		catalog: cat,
		pool:    pool,
		http:    resty.New().SetTimeout(rpcTimeout),
		logger:  logger.With("component", "lifecycle", "currency", cfg.Currency),
	}, nil
}

// Close releases the store connection pool.
func (m *Manager) Close() {
	m.pool.Close()
}

// Run performs an initial sync, then repeats it every RefreshInterval until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("lifecycle manager starting", "collectors", len(m.cfg.Lifecycle.CollectorEndpoints))

	if err := m.syncOnce(ctx); err != nil {
		m.logger.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.Lifecycle.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.syncOnce(ctx); err != nil {
				m.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// syncOnce runs the 7-step cycle from spec §5: fetch active instruments,
// load tracked instruments, diff, handle expired/listed, touch
// last_seen_at.
func (m *Manager) syncOnce(ctx context.Context) error {
	raw, err := m.catalog.ListInstruments(ctx, m.cfg.Currency, "option", false)
	if err != nil {
		return fmt.Errorf("list active instruments: %w", err)
	}

	buffer := m.cfg.Lifecycle.ExpiryBuffer()
	now := time.Now().UTC()
	active := make(map[string]types.Instrument, len(raw))
	for _, inst := range raw {
		if expiry.IsExpired(inst.Name, now, buffer) {
			continue
		}
		active[inst.Name] = inst
	}

	tracked, err := m.trackedInstruments(ctx)
	if err != nil {
		return fmt.Errorf("list tracked instruments: %w", err)
	}

	var expired, listed []string
	for name := range tracked {
		if _, ok := active[name]; !ok {
			expired = append(expired, name)
		}
	}
	for name := range active {
		if _, ok := tracked[name]; !ok {
			listed = append(listed, name)
		}
	}

	m.logger.Info("sync cycle", "active", len(active), "tracked", len(tracked), "expired", len(expired), "listed", len(listed))

	for _, name := range expired {
		m.handleExpired(ctx, name)
	}
	for _, name := range listed {
		m.handleListed(ctx, active[name])
	}

	if err := m.touchLastSeen(ctx, instrumentNames(active)); err != nil {
		m.logger.Error("update last_seen_at failed", "error", err)
	}

	return nil
}

func (m *Manager) trackedInstruments(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT instrument_name FROM instrument_metadata
		WHERE currency = $1 AND is_active = TRUE
	`, m.cfg.Currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracked := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tracked[name] = struct{}{}
	}
	return tracked, rows.Err()
}

// handleExpired marks an instrument inactive, unsubscribes it fleet-wide,
// and logs both the expiry and the unsubscribe-fanout outcome.
func (m *Manager) handleExpired(ctx context.Context, name string) {
	if err := m.markExpired(ctx, name); err != nil {
		m.logger.Error("mark instrument expired failed", "instrument", name, "error", err)
	}

	results := m.fanOut(ctx, "/api/unsubscribe", []string{name})
	ok := allSucceeded(results)

	m.logEvent(ctx, types.LifecycleEvent{
		EventTime: time.Now().UTC(), Kind: types.EventExpired, Instrument: name, Currency: m.cfg.Currency,
		Success: true, Details: detailsJSON(map[string]any{"expired_at": time.Now().UTC()}),
	})
	m.logEvent(ctx, types.LifecycleEvent{
		EventTime: time.Now().UTC(), Kind: eventKindFor(ok, false), Instrument: name, Currency: m.cfg.Currency,
		Success: ok, Details: detailsJSON(map[string]any{"collector_results": results}),
	})
}

// handleListed inserts the instrument's metadata, subscribes it
// fleet-wide, and logs both the listing and the subscribe-fanout outcome.
func (m *Manager) handleListed(ctx context.Context, inst types.Instrument) {
	if err := m.insertInstrument(ctx, inst); err != nil {
		m.logger.Error("insert instrument metadata failed", "instrument", inst.Name, "error", err)
	}

	results := m.fanOut(ctx, "/api/subscribe", []string{inst.Name})
	ok := allSucceeded(results)

	m.logEvent(ctx, types.LifecycleEvent{
		EventTime: time.Now().UTC(), Kind: types.EventListed, Instrument: inst.Name, Currency: m.cfg.Currency,
		Success: true, Details: detailsJSON(map[string]any{
			"kind": inst.Kind, "strike": inst.Strike.String(), "expiry": inst.Expiry, "option_type": inst.OptionType,
		}),
	})
	m.logEvent(ctx, types.LifecycleEvent{
		EventTime: time.Now().UTC(), Kind: eventKindFor(ok, true), Instrument: inst.Name, Currency: m.cfg.Currency,
		Success: ok, Details: detailsJSON(map[string]any{"collector_results": results}),
	})
}

// collectorResult records the outcome of one fan-out call to one collector.
type collectorResult struct {
	Endpoint string `json:"endpoint"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// fanOut posts {instruments} to path on every configured collector endpoint
// concurrently. Every collector hears every command and none checks
// partition ownership: on subscribe, each collector adds any instrument it
// does not already hold; on unsubscribe, a collector that does not hold the
// instrument reports it as already_subscribed and changes nothing.
func (m *Manager) fanOut(ctx context.Context, path string, instruments []string) []collectorResult {
	results := make([]collectorResult, len(m.cfg.Lifecycle.CollectorEndpoints))

	var wg sync.WaitGroup
	for i, endpoint := range m.cfg.Lifecycle.CollectorEndpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			results[i] = m.callCollector(ctx, endpoint, path, instruments)
		}(i, endpoint)
	}
	wg.Wait()

	return results
}

func (m *Manager) callCollector(ctx context.Context, endpoint, path string, instruments []string) collectorResult {
	rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	resp, err := m.http.R().
		SetContext(rctx).
		SetBody(map[string]any{"instruments": instruments}).
		Post(endpoint + path)
	if err != nil {
		return collectorResult{Endpoint: endpoint, Error: err.Error()}
	}
	if resp.IsError() {
		return collectorResult{Endpoint: endpoint, Error: fmt.Sprintf("http %d", resp.StatusCode())}
	}
	return collectorResult{Endpoint: endpoint, OK: true}
}

func (m *Manager) markExpired(ctx context.Context, name string) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE instrument_metadata
		SET is_active = FALSE, expired_at = NOW(), updated_at = NOW()
		WHERE instrument_name = $1 AND currency = $2
	`, name, m.cfg.Currency)
	return err
}

func (m *Manager) insertInstrument(ctx context.Context, inst types.Instrument) error {
	var expiryDate *time.Time
	if !inst.Expiry.IsZero() {
		expiryDate = &inst.Expiry
	}
	var optionType *string
	if inst.OptionType != "" {
		s := string(inst.OptionType)
		optionType = &s
	}

	_, err := m.pool.Exec(ctx, `
		INSERT INTO instrument_metadata
		(instrument_name, currency, instrument_type, strike_price, expiry_date, option_type, is_active, listed_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		ON CONFLICT (instrument_name) DO UPDATE SET
			is_active = TRUE,
			last_seen_at = NOW(),
			updated_at = NOW()
	`, inst.Name, m.cfg.Currency, string(inst.Kind), inst.Strike, expiryDate, optionType)
	return err
}

func (m *Manager) touchLastSeen(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := m.pool.Exec(ctx, `
		UPDATE instrument_metadata
		SET last_seen_at = NOW(), updated_at = NOW()
		WHERE instrument_name = ANY($1::text[]) AND currency = $2
	`, names, m.cfg.Currency)
	return err
}

func (m *Manager) logEvent(ctx context.Context, evt types.LifecycleEvent) {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO lifecycle_events
		(event_time, kind, instrument_name, currency, collector_id, success, error_text, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.EventTime, evt.Kind, evt.Instrument, evt.Currency, evt.CollectorID, evt.Success, evt.ErrorText, evt.Details)
	if err != nil {
		m.logger.Error("log lifecycle event failed", "kind", evt.Kind, "instrument", evt.Instrument, "error", err)
	}
}

func eventKindFor(ok, subscribing bool) types.LifecycleEventKind {
	switch {
	case subscribing && ok:
		return types.EventSubscribeOK
	case subscribing && !ok:
		return types.EventSubscribeFail
	case !subscribing && ok:
		return types.EventUnsubscribeOK
	default:
		return types.EventUnsubscribeFail
	}
}

func allSucceeded(results []collectorResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

func instrumentNames(instruments map[string]types.Instrument) []string {
	names := make([]string, 0, len(instruments))
	for name := range instruments {
		names = append(names, name)
	}
	return names
}

func detailsJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
