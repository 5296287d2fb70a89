package catalog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"deribit-md-collector/internal/deribit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConvertAndSortOrdersByOpenInterestDescending(t *testing.T) {
	t.Parallel()

	raw := []deribit.RawInstrument{
		{InstrumentName: "BTC-A", IsActive: true, Kind: "option", OptionType: "call", OpenInterest: 10},
		{InstrumentName: "BTC-B", IsActive: true, Kind: "option", OptionType: "put", OpenInterest: 50},
		{InstrumentName: "BTC-C", IsActive: true, Kind: "option", OptionType: "call", OpenInterest: 25},
	}
	out := convertAndSort(raw, false)
	if len(out) != 3 {
		t.Fatalf("got %d instruments, want 3", len(out))
	}
	want := []string{"BTC-B", "BTC-C", "BTC-A"}
	for i, name := range want {
		if out[i].Name != name {
			t.Errorf("position %d = %q, want %q", i, out[i].Name, name)
		}
	}
}

func TestConvertAndSortDropsExpiredSettlementPeriod(t *testing.T) {
	t.Parallel()
	raw := []deribit.RawInstrument{
		{InstrumentName: "BTC-DEAD", IsActive: true, SettlementPeriod: "expired"},
		{InstrumentName: "BTC-LIVE", IsActive: true, SettlementPeriod: "month"},
	}
	out := convertAndSort(raw, false)
	if len(out) != 1 || out[0].Name != "BTC-LIVE" {
		t.Errorf("expected only BTC-LIVE to survive, got %+v", out)
	}
}

func TestConvertAndSortDropsInactiveInstruments(t *testing.T) {
	t.Parallel()
	raw := []deribit.RawInstrument{
		{InstrumentName: "BTC-OFF", IsActive: false, SettlementPeriod: "month"},
		{InstrumentName: "BTC-LIVE", IsActive: true, SettlementPeriod: "month"},
	}
	out := convertAndSort(raw, false)
	if len(out) != 1 || out[0].Name != "BTC-LIVE" {
		t.Errorf("expected only BTC-LIVE to survive, got %+v", out)
	}
}

func TestConvertAndSortIncludeExpiredKeepsEverything(t *testing.T) {
	t.Parallel()
	raw := []deribit.RawInstrument{
		{InstrumentName: "BTC-DEAD", IsActive: false, SettlementPeriod: "expired"},
		{InstrumentName: "BTC-LIVE", IsActive: true, SettlementPeriod: "month"},
	}
	out := convertAndSort(raw, true)
	if len(out) != 2 {
		t.Errorf("expected both instruments with includeExpired=true, got %+v", out)
	}
}

func TestListInstrumentsServesCacheWithinTTL(t *testing.T) {
	t.Parallel()

	client := New(deribit.NewClient("http://127.0.0.1:1", deribit.NewRateLimiter(100, 100), discardLogger()), time.Hour, discardLogger())
	client.mu.Lock()
	client.cache[cacheKey{currency: "BTC", kind: "option"}] = cacheEntry{
		instruments: nil,
		fetchedAt:   time.Now(),
	}
	client.mu.Unlock()

	got, err := client.ListInstruments(context.Background(), "BTC", "option", false)
	if err != nil {
		t.Fatalf("ListInstruments: %v", err)
	}
	if got != nil {
		t.Errorf("expected cached nil slice, got %+v", got)
	}
}

func TestListInstrumentsReturnsCatalogUnavailableOnFirstFailure(t *testing.T) {
	t.Parallel()

	client := New(deribit.NewClient("http://127.0.0.1:1", deribit.NewRateLimiter(100, 100), discardLogger()), time.Hour, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.ListInstruments(ctx, "BTC", "option", false)
	if err == nil {
		t.Fatal("expected error when exchange is unreachable and no cache exists")
	}
}

func TestClearCacheForcesRefetch(t *testing.T) {
	t.Parallel()
	client := New(deribit.NewClient("http://127.0.0.1:1", deribit.NewRateLimiter(100, 100), discardLogger()), time.Hour, discardLogger())
	client.mu.Lock()
	client.cache[cacheKey{currency: "BTC", kind: "option"}] = cacheEntry{fetchedAt: time.Now()}
	client.mu.Unlock()

	client.ClearCache()

	client.mu.Lock()
	n := len(client.cache)
	client.mu.Unlock()
	if n != 0 {
		t.Errorf("expected empty cache after ClearCache, got %d entries", n)
	}
}
