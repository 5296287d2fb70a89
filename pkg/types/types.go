// Package types defines the shared data model used across all packages.
//
// This is the common vocabulary of the ingestion fleet: instruments,
// ticks (quotes/trades/depth), and lifecycle events. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Kind identifies the instrument family.
type Kind string

const (
	KindOption    Kind = "option"
	KindFuture    Kind = "future"
	KindPerpetual Kind = "perpetual"
)

// OptionType is the option side, call or put. Empty for non-options.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// Direction is the trade aggressor side.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// LifecycleEventKind enumerates the events C9 records.
type LifecycleEventKind string

const (
	EventListed             LifecycleEventKind = "listed"
	EventExpired            LifecycleEventKind = "expired"
	EventSubscribeOK        LifecycleEventKind = "subscribe-ok"
	EventSubscribeFail      LifecycleEventKind = "subscribe-fail"
	EventUnsubscribeOK      LifecycleEventKind = "unsubscribe-ok"
	EventUnsubscribeFail    LifecycleEventKind = "unsubscribe-fail"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument metadata
// ————————————————————————————————————————————————————————————————————————

// Instrument is the venue-native identity and static metadata of a
// tradeable contract. For options, Strike/OptionType/Expiry are set;
// for futures, only Expiry; for perpetuals, neither.
type Instrument struct {
	Name       string // venue-native identifier, e.g. "BTC-27DEC24-60000-C"
	Currency   string // BTC, ETH, ...
	Kind       Kind
	Strike     decimal.Decimal
	OptionType OptionType
	Expiry     time.Time // zero value for perpetuals

	IsActive   bool
	ListedAt   time.Time
	ExpiredAt  time.Time // zero value while active
	LastSeenAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Ticks
// ————————————————————————————————————————————————————————————————————————

// Greeks are optional option sensitivities. A nil *Greeks means "not
// present in this update" — never confuse with a zero-valued Greeks.
type Greeks struct {
	Delta decimal.Decimal
	Gamma decimal.Decimal
	Theta decimal.Decimal
	Vega  decimal.Decimal
	Rho   decimal.Decimal
}

// QuoteTick is a top-of-book + mark snapshot for one instrument at one
// instant. Every field besides Timestamp/Instrument is a pointer (or
// nil Greeks/IVs) so the writer can distinguish "absent in this update"
// from "zero" — required for the COALESCE upsert rule (spec §4.4).
type QuoteTick struct {
	Timestamp time.Time
	Instrument string

	BestBidPrice *decimal.Decimal
	BestBidSize  *decimal.Decimal
	BestAskPrice *decimal.Decimal
	BestAskSize  *decimal.Decimal

	MarkPrice       *decimal.Decimal
	UnderlyingPrice *decimal.Decimal
	LastPrice       *decimal.Decimal
	OpenInterest    *decimal.Decimal

	Greeks *Greeks

	MarkIV *decimal.Decimal
	BidIV  *decimal.Decimal
	AskIV  *decimal.Decimal
}

// TradeTick is a single immutable trade print.
type TradeTick struct {
	Timestamp  time.Time
	Instrument string
	TradeID    string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Direction  Direction

	IV         *decimal.Decimal
	IndexPrice *decimal.Decimal
}

// PriceLevel is one rung of an orderbook ladder.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// DepthSnapshot is a full-depth REST orderbook pull for one instrument.
// Append-only; no conflict key beyond (timestamp, instrument).
type DepthSnapshot struct {
	Timestamp time.Time
	Instrument string

	Bids []PriceLevel
	Asks []PriceLevel

	MarkPrice       *decimal.Decimal
	UnderlyingPrice *decimal.Decimal
	OpenInterest    *decimal.Decimal
	Volume24h       *decimal.Decimal
}

// PerpQuote mirrors QuoteTick for perpetual/dated-futures instruments:
// funding rate and index price replace the option-specific fields, and
// there are no Greeks/IVs.
type PerpQuote struct {
	Timestamp  time.Time
	Instrument string

	BestBidPrice *decimal.Decimal
	BestBidSize  *decimal.Decimal
	BestAskPrice *decimal.Decimal
	BestAskSize  *decimal.Decimal

	MarkPrice    *decimal.Decimal
	IndexPrice   *decimal.Decimal
	LastPrice    *decimal.Decimal
	OpenInterest *decimal.Decimal
	FundingRate  *decimal.Decimal
}

// PerpTrade mirrors TradeTick for perpetual/dated-futures instruments.
type PerpTrade struct {
	Timestamp  time.Time
	Instrument string
	TradeID    string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Direction  Direction
	IndexPrice *decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// LifecycleEvent is a durable log row describing a listing, expiry, or
// subscription-plane action taken by C9 or a collector.
type LifecycleEvent struct {
	EventTime   time.Time
	Kind        LifecycleEventKind
	Instrument  string
	Currency    string
	CollectorID string
	Success     bool
	ErrorText   string
	Details     json.RawMessage // arbitrary structured context, e.g. strike/expiry
}

// ————————————————————————————————————————————————————————————————————————
// Collector runtime state
// ————————————————————————————————————————————————————————————————————————

// CollectorState is the in-memory snapshot of one collector's partition,
// connection, and counters. It backs the /api/status control-plane
// response.
type CollectorState struct {
	PartitionID int
	ConnectionID int

	OwnedInstruments     []string
	SubscribedChannels   []string

	WSConnected  bool
	LastTickAt   time.Time
	ReconnectCount int

	QuotesWritten int64
	TradesWritten int64
	DepthWritten  int64
}
