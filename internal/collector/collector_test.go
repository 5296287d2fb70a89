package collector

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"deribit-md-collector/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChannelsForBuildsTickerAndTradesChannels(t *testing.T) {
	t.Parallel()

	got := channelsFor([]string{"BTC-PERPETUAL", "ETH-PERPETUAL"})
	want := []string{
		"ticker.BTC-PERPETUAL.100ms", "trades.BTC-PERPETUAL.100ms",
		"ticker.ETH-PERPETUAL.100ms", "trades.ETH-PERPETUAL.100ms",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d channels, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInstrumentNamesExtractsNameField(t *testing.T) {
	t.Parallel()

	instruments := []types.Instrument{{Name: "BTC-PERPETUAL"}, {Name: "ETH-PERPETUAL"}}
	got := instrumentNames(instruments)
	if len(got) != 2 || got[0] != "BTC-PERPETUAL" || got[1] != "ETH-PERPETUAL" {
		t.Errorf("got %v", got)
	}
}

func TestQuoteToPerpMapsUnderlyingPriceToIndexPrice(t *testing.T) {
	t.Parallel()

	mark := decimal.NewFromInt(59000)
	underlying := decimal.NewFromInt(59010)
	q := types.QuoteTick{Instrument: "BTC-PERPETUAL", MarkPrice: &mark, UnderlyingPrice: &underlying}

	perp := quoteToPerp(q)
	if perp.Instrument != "BTC-PERPETUAL" {
		t.Errorf("Instrument = %q", perp.Instrument)
	}
	if perp.IndexPrice == nil || !perp.IndexPrice.Equal(underlying) {
		t.Errorf("IndexPrice = %v, want %v", perp.IndexPrice, underlying)
	}
	if perp.MarkPrice == nil || !perp.MarkPrice.Equal(mark) {
		t.Errorf("MarkPrice = %v, want %v", perp.MarkPrice, mark)
	}
}

func TestTradeToPerpPreservesCoreFields(t *testing.T) {
	t.Parallel()

	tr := types.TradeTick{Instrument: "ETH-PERPETUAL", TradeID: "42", Price: decimal.NewFromInt(3000), Amount: decimal.NewFromInt(1), Direction: types.Sell}
	perp := tradeToPerp(tr)
	if perp.TradeID != "42" || perp.Direction != types.Sell || !perp.Price.Equal(tr.Price) {
		t.Errorf("got %+v", perp)
	}
}

func newTestCollector() *Collector {
	return &Collector{
		owned:     make(map[string]types.Kind),
		refreshCh: make(chan struct{}, 1),
		logger:    discardLogger(),
	}
}

func TestChangeMembershipWithoutLiveConnectionUpdatesOwnedSetDirectly(t *testing.T) {
	t.Parallel()

	c := newTestCollector()
	resp := c.Subscribe(context.Background(), []string{"BTC-PERPETUAL"})
	if len(resp.Subscribed) != 1 || resp.Subscribed[0] != "BTC-PERPETUAL" {
		t.Fatalf("Subscribe response = %+v", resp)
	}
	if _, ok := c.kindOf("BTC-PERPETUAL"); !ok {
		t.Error("expected BTC-PERPETUAL to be owned after Subscribe")
	}

	again := c.Subscribe(context.Background(), []string{"BTC-PERPETUAL"})
	if len(again.AlreadySubscribed) != 1 {
		t.Fatalf("second Subscribe = %+v, want already_subscribed", again)
	}

	unsub := c.Unsubscribe(context.Background(), []string{"BTC-PERPETUAL"})
	if len(unsub.Subscribed) != 1 {
		t.Fatalf("Unsubscribe response = %+v", unsub)
	}
	if _, ok := c.kindOf("BTC-PERPETUAL"); ok {
		t.Error("expected BTC-PERPETUAL to be removed after Unsubscribe")
	}
}

func TestAnyOwnedExpiredIgnoresUnparseableNames(t *testing.T) {
	t.Parallel()

	c := newTestCollector()
	c.setOwned([]types.Instrument{{Name: "BTC-PERPETUAL"}})
	if c.anyOwnedExpired() {
		t.Error("a perpetual's name never parses as an expiry, so it must never be reported expired")
	}
}
