// Package catalog implements the Instrument Catalog Client (C1): the
// cached, retried view of "which instruments exist right now" that the
// collector and lifecycle manager both poll.
//
// Grounded on the teacher's market.Scanner
// (internal/market/scanner.go in the teacher tree — poll-and-cache against a
// REST listing endpoint, served to callers via a typed snapshot) and on
// original_source/scripts/instrument_fetcher_multi.py, whose 1-hour TTL
// cache and stale-on-error fallback are carried over unchanged.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"deribit-md-collector/internal/deribit"
	"deribit-md-collector/pkg/types"
)

// DefaultCacheTTL is how long a cached listing is served before the next
// call triggers a refetch, per spec §4.1.
const DefaultCacheTTL = time.Hour

// retryBaseDelay and retryAttempts match instrument_fetcher_multi.py's
// exponential backoff: the first call plus three retries, waiting 1s, 2s,
// 4s between them.
const (
	retryBaseDelay = time.Second
	retryAttempts  = 4
)

// CatalogUnavailable is returned when every retry failed and no cached
// listing (even a stale one) is available to fall back to.
type CatalogUnavailable struct {
	Currency string
	Kind     string
	Cause    error
}

func (e *CatalogUnavailable) Error() string {
	return fmt.Sprintf("catalog unavailable for %s/%s: %v", e.Currency, e.Kind, e.Cause)
}

func (e *CatalogUnavailable) Unwrap() error { return e.Cause }

type cacheKey struct {
	currency       string
	kind           string
	includeExpired bool
}

type cacheEntry struct {
	instruments []types.Instrument
	fetchedAt   time.Time
}

// Client is the cached, retried instrument catalog client.
type Client struct {
	rest   *deribit.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// New creates a catalog client over the given REST client. ttl of zero
// uses DefaultCacheTTL.
func New(rest *deribit.Client, ttl time.Duration, logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		rest:   rest,
		ttl:    ttl,
		logger: logger.With("component", "catalog"),
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// ListInstruments returns every instrument for currency/kind, sorted by
// open interest descending (the catalog's only defined order — spec §4.1).
// A cached listing under the TTL is served without a network call; a
// refetch that fails falls back to the last good listing, however stale,
// logging a warning; only a first-ever fetch failure returns
// CatalogUnavailable.
func (c *Client) ListInstruments(ctx context.Context, currency, kind string, includeExpired bool) ([]types.Instrument, error) {
	key := cacheKey{currency: currency, kind: kind, includeExpired: includeExpired}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		c.logger.Info("serving cached instruments", "currency", currency, "kind", kind, "count", len(entry.instruments))
		return entry.instruments, nil
	}

	instruments, err := c.fetchWithRetry(ctx, currency, kind, includeExpired)
	if err != nil {
		if ok {
			c.logger.Warn("refetch failed, serving stale cache", "currency", currency, "kind", kind, "age", time.Since(entry.fetchedAt), "error", err)
			return entry.instruments, nil
		}
		return nil, &CatalogUnavailable{Currency: currency, Kind: kind, Cause: err}
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{instruments: instruments, fetchedAt: time.Now()}
	c.mu.Unlock()

	return instruments, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, currency, kind string, includeExpired bool) ([]types.Instrument, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt < retryAttempts; attempt++ {
		raw, err := c.rest.GetInstruments(ctx, currency, kind, includeExpired)
		if err == nil {
			return convertAndSort(raw, includeExpired), nil
		}
		lastErr = err
		c.logger.Warn("get_instruments failed", "attempt", attempt+1, "max_attempts", retryAttempts, "error", err)

		if attempt < retryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

// convertAndSort converts raw exchange records into typed instruments.
// Unless includeExpired is set, it filters to active-and-not-expired
// records — dropping both settled instruments and ones the exchange has
// simply deactivated ahead of settlement (spec §4.1).
func convertAndSort(raw []deribit.RawInstrument, includeExpired bool) []types.Instrument {
	out := make([]types.Instrument, 0, len(raw))
	openInterest := make(map[string]float64, len(raw))

	for _, r := range raw {
		if !includeExpired {
			if r.SettlementPeriod == "expired" {
				continue
			}
			if !r.IsActive {
				continue
			}
		}
		inst := types.Instrument{
			Name:     r.InstrumentName,
			Currency: r.Currency,
			IsActive: r.IsActive,
		}
		switch r.Kind {
		case "option":
			inst.Kind = types.KindOption
		case "future":
			inst.Kind = types.KindFuture
		case "future_combo", "perpetual":
			inst.Kind = types.KindPerpetual
		default:
			inst.Kind = types.Kind(r.Kind)
		}
		if r.OptionType == "call" {
			inst.OptionType = types.Call
		} else if r.OptionType == "put" {
			inst.OptionType = types.Put
		}
		inst.Strike = r.Strike
		if r.ExpirationTs > 0 {
			inst.Expiry = time.UnixMilli(r.ExpirationTs).UTC()
		}
		out = append(out, inst)
		openInterest[r.InstrumentName] = r.OpenInterest
	}

	sort.SliceStable(out, func(i, j int) bool {
		return openInterest[out[i].Name] > openInterest[out[j].Name]
	})
	return out
}

// ClearCache drops every cached listing, forcing the next call to refetch.
// Reserved for tests and for operators forcing a resync.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[cacheKey]cacheEntry)
}
