package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuoteTickNilFieldsDistinguishAbsentFromZero(t *testing.T) {
	t.Parallel()

	zero := decimal.NewFromInt(0)
	q := QuoteTick{
		Instrument:   "BTC-PERPETUAL",
		BestBidPrice: &zero,
	}
	if q.BestBidPrice == nil {
		t.Fatal("expected BestBidPrice to be set")
	}
	if !q.BestBidPrice.Equal(zero) {
		t.Errorf("BestBidPrice = %v, want 0", q.BestBidPrice)
	}
	if q.BestAskPrice != nil {
		t.Error("expected BestAskPrice to be nil (absent), not zero")
	}
}

func TestInstrumentZeroExpiryMeansPerpetual(t *testing.T) {
	t.Parallel()
	perp := Instrument{Name: "BTC-PERPETUAL", Kind: KindPerpetual}
	if !perp.Expiry.IsZero() {
		t.Error("expected zero Expiry for a perpetual")
	}
}

func TestLifecycleEventKindValues(t *testing.T) {
	t.Parallel()
	kinds := []LifecycleEventKind{
		EventListed, EventExpired,
		EventSubscribeOK, EventSubscribeFail,
		EventUnsubscribeOK, EventUnsubscribeFail,
	}
	seen := make(map[LifecycleEventKind]bool)
	for _, k := range kinds {
		if seen[k] {
			t.Errorf("duplicate LifecycleEventKind value %q", k)
		}
		seen[k] = true
	}
}
