package deribit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetInstrumentsParsesResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/get_instruments" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result": []RawInstrument{
				{InstrumentName: "BTC-27DEC24-60000-C", Currency: "BTC", Kind: "option", OptionType: "call", Strike: decimal.NewFromInt(60000), IsActive: true},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewRateLimiter(100, 100), discardLogger())
	instruments, err := c.GetInstruments(context.Background(), "BTC", "option", false)
	if err != nil {
		t.Fatalf("GetInstruments: %v", err)
	}
	if len(instruments) != 1 || instruments[0].InstrumentName != "BTC-27DEC24-60000-C" {
		t.Errorf("unexpected result: %+v", instruments)
	}
}

func TestGetInstrumentsPropagatesRPCError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": 10000, "message": "bad request"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewRateLimiter(100, 100), discardLogger())
	if _, err := c.GetInstruments(context.Background(), "BTC", "option", false); err == nil {
		t.Error("expected error from rpc error envelope")
	}
}

func TestGetOrderBookRetriesAfter429(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result": RawOrderBook{
				InstrumentName: "BTC-PERPETUAL",
				BestBidPrice:   decimal.NewFromInt(60000),
				BestAskPrice:   decimal.NewFromInt(60010),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewRateLimiter(100, 100), discardLogger())
	book, err := c.GetOrderBook(context.Background(), "BTC-PERPETUAL", 1)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts (429 then success), got %d", attempts)
	}
	if !book.BestBidPrice.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("BestBidPrice = %v, want 60000", book.BestBidPrice)
	}
}

func TestTestEndpointSucceeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]any{"version": "1.2.26"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewRateLimiter(100, 100), discardLogger())
	if err := c.Test(context.Background()); err != nil {
		t.Errorf("Test() = %v, want nil", err)
	}
}
