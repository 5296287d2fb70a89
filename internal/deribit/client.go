// Package deribit implements the shared Deribit REST client used by the
// Instrument Catalog Client (C1) and the Snapshot Fetcher (C5):
//   - GetInstruments: GET /public/get_instruments — the tradeable universe
//   - GetOrderBook:   GET /public/get_order_book   — top-of-book + full depth
//   - Test:           GET /public/test             — liveness probe
//
// Every request draws from a shared TokenBucket and is retried by resty on
// 5xx responses; a 429 additionally honors the server's Retry-After header
// before the next attempt (spec §4.1, §4.5, SUPPLEMENTED FEATURES).
package deribit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Client is the Deribit public REST API client.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry against
// baseURL (e.g. "https://www.deribit.com/api/v2").
func NewClient(baseURL string, rl *RateLimiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if rl == nil {
		rl = NewRateLimiter(0, 0)
	}

	return &Client{
		http:   httpClient,
		rl:     rl,
		logger: logger,
	}
}

// rpcEnvelope mirrors the JSON-RPC 2.0 wrapper every Deribit REST response
// uses, success or failure.
type rpcEnvelope[T any] struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Result  T      `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RawInstrument is an undecorated get_instruments response row. Strike
// decodes straight into decimal.Decimal so the wire value never passes
// through float64 before it is stored.
type RawInstrument struct {
	InstrumentName   string          `json:"instrument_name"`
	Currency         string          `json:"base_currency"`
	Kind             string          `json:"kind"`
	OptionType       string          `json:"option_type"`
	Strike           decimal.Decimal `json:"strike"`
	ExpirationTs     int64           `json:"expiration_timestamp"`
	IsActive         bool            `json:"is_active"`
	SettlementPeriod string          `json:"settlement_period"`
	OpenInterest     float64         `json:"open_interest"`
}

// GetInstruments fetches every instrument for currency/kind, optionally
// including expired ones. A 429 is retried once after honoring the
// server's advertised Retry-After window; all other handling (5xx, network
// errors) is left to resty's retry policy.
func (c *Client) GetInstruments(ctx context.Context, currency, kind string, includeExpired bool) ([]RawInstrument, error) {
	var env rpcEnvelope[[]RawInstrument]
	if err := c.getWithRateLimit(ctx, "/public/get_instruments", map[string]string{
		"currency":        currency,
		"kind":            kind,
		"expired":         strconv.FormatBool(includeExpired),
	}, &env); err != nil {
		return nil, fmt.Errorf("get_instruments: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("get_instruments: rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

// RawOrderBookLevel is one [price, amount] rung as Deribit serializes it,
// decoded straight into decimal.Decimal to preserve exchange precision.
type RawOrderBookLevel [2]decimal.Decimal

// RawOrderBook is an undecorated get_order_book response. Every price/size
// field decodes straight into decimal.Decimal (or *decimal.Decimal where
// the exchange can omit it) rather than float64, so shopspring/decimal
// parses the wire token itself instead of rounding a pre-parsed float.
type RawOrderBook struct {
	InstrumentName  string           `json:"instrument_name"`
	Timestamp       int64            `json:"timestamp"`
	BestBidPrice    decimal.Decimal  `json:"best_bid_price"`
	BestBidAmount   decimal.Decimal  `json:"best_bid_amount"`
	BestAskPrice    decimal.Decimal  `json:"best_ask_price"`
	BestAskAmount   decimal.Decimal  `json:"best_ask_amount"`
	MarkPrice       *decimal.Decimal `json:"mark_price"`
	UnderlyingPrice decimal.Decimal  `json:"underlying_price"`
	IndexPrice      decimal.Decimal  `json:"index_price"`
	OpenInterest    decimal.Decimal  `json:"open_interest"`
	Stats           struct {
		Volume decimal.Decimal `json:"volume"`
	} `json:"stats"`
	Bids []RawOrderBookLevel `json:"bids"`
	Asks []RawOrderBookLevel `json:"asks"`
}

// GetOrderBook fetches the order book for one instrument. depth controls
// how many levels per side are returned (1 for top-of-book only, up to the
// exchange's max for full depth).
func (c *Client) GetOrderBook(ctx context.Context, instrumentName string, depth int) (*RawOrderBook, error) {
	params := map[string]string{"instrument_name": instrumentName}
	if depth > 0 {
		params["depth"] = strconv.Itoa(depth)
	}

	var env rpcEnvelope[RawOrderBook]
	if err := c.getWithRateLimit(ctx, "/public/get_order_book", params, &env); err != nil {
		return nil, fmt.Errorf("get_order_book %s: %w", instrumentName, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("get_order_book %s: rpc error %d: %s", instrumentName, env.Error.Code, env.Error.Message)
	}
	return &env.Result, nil
}

// Test probes exchange liveness via /public/test; a non-nil error means the
// connection or the exchange is unhealthy.
func (c *Client) Test(ctx context.Context) error {
	var env rpcEnvelope[struct {
		Version string `json:"version"`
	}]
	if err := c.getWithRateLimit(ctx, "/public/test", nil, &env); err != nil {
		return fmt.Errorf("test: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("test: rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	return nil
}

// getWithRateLimit draws a token from the shared public bucket, issues the
// GET, and retries exactly once more if the exchange answers 429 —
// honoring its Retry-After header rather than our own backoff.
func (c *Client) getWithRateLimit(ctx context.Context, path string, params map[string]string, out any) error {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return err
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		wait := retryAfter(resp.Header().Get("Retry-After"))
		c.logger.Warn("rate limited by exchange, honoring retry-after", "path", path, "wait", wait)
		if err := c.rl.Public.Delay(ctx, wait); err != nil {
			return err
		}
		resp, err = c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}

