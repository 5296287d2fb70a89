// Package ladder assembles a Deribit order-book response into the
// PriceLevel ladders the Snapshot Fetcher (C5) persists, and derives the
// top-of-book values the Batch Writer needs when no streamed ticker update
// is available yet.
//
// Grounded on the teacher's internal/market.Book, which mirrored a raw CLOB
// book response into typed bid/ask ladders and derived MidPrice/BestBidAsk
// from them; this package keeps that "parse once, derive many" shape but
// drops the mutable/streamed-update mirror the teacher needed for
// order-placement and instead works on one immutable REST snapshot at a
// time, since C5 has no incremental feed to apply.
package ladder

import (
	"sort"

	"github.com/shopspring/decimal"

	"deribit-md-collector/internal/deribit"
	"deribit-md-collector/pkg/types"
)

// FromRawOrderBook converts a raw get_order_book response into typed,
// decimal-precision bid/ask ladders, sorted the way the exchange already
// returns them (bids descending, asks ascending) but re-sorted defensively
// since depth responses are not contractually guaranteed to stay ordered
// across exchange versions.
func FromRawOrderBook(book deribit.RawOrderBook) (bids, asks []types.PriceLevel) {
	bids = toLevels(book.Bids)
	asks = toLevels(book.Asks)

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	return bids, asks
}

func toLevels(raw []deribit.RawOrderBookLevel) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, r := range raw {
		levels = append(levels, types.PriceLevel{
			Price: r[0],
			Size:  r[1],
		})
	}
	return levels
}

// BestBidAsk returns the top-of-book price and size for each side, and
// false if that side of the ladder is empty.
func BestBidAsk(bids, asks []types.PriceLevel) (bidPrice, bidSize, askPrice, askSize decimal.Decimal, ok bool) {
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return bids[0].Price, bids[0].Size, asks[0].Price, asks[0].Size, true
}

// MidPrice returns (bestBid+bestAsk)/2, or false if either side is empty.
func MidPrice(bids, asks []types.PriceLevel) (decimal.Decimal, bool) {
	bidPrice, _, askPrice, _, ok := BestBidAsk(bids, asks)
	if !ok {
		return decimal.Zero, false
	}
	return bidPrice.Add(askPrice).Div(decimal.NewFromInt(2)), true
}
