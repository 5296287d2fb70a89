// Package deribitws implements the raw WebSocket primitives the
// WebSocket Collector (C6) drives: dial, JSON-RPC 2.0 subscribe/
// unsubscribe, and decode of ticker/trade notifications into the shared
// tick types. Reconnection policy (when and how long to back off) belongs
// to the collector, which owns the session loop; this package only speaks
// the wire protocol for one connection at a time.
//
// Grounded on the teacher's exchange.WSFeed: the connMu-guarded
// dial/read/write shape, the dispatch switch (which here invokes typed
// callbacks in Handlers rather than feeding channels), and the
// ping-loop-as-separate-goroutine pattern are kept; the
// market/user-channel duality and its auth payload are dropped since
// every Deribit channel this system subscribes to is public.
package deribitws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"deribit-md-collector/pkg/types"
)

// HeartbeatInterval and HeartbeatTimeout match spec §4.6: the collector
// expects a message at least this often and treats a longer silence as a
// dead connection.
const (
	HeartbeatInterval = 20 * time.Second
	HeartbeatTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

// rpcRequest is the JSON-RPC 2.0 envelope for outgoing calls.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// subscribeParams carries the channel list for public/subscribe and
// public/unsubscribe.
type subscribeParams struct {
	Channels []string `json:"channels"`
}

// wireFrame covers both shapes arriving on the socket: a subscription
// notification (Method set, ID absent) and a call response (ID set,
// Method absent). Deribit multiplexes both over one connection.
type wireFrame struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
	ID    *int      `json:"id"`
	Error *rpcError `json:"error"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rawTicker mirrors a Deribit ticker.<instrument>.100ms payload. Price/size/
// IV fields decode straight into decimal.Decimal — shopspring/decimal's own
// UnmarshalJSON reads the wire token as a string and parses it with
// NewFromString, so a value never passes through float64 and picks up
// binary rounding before it reaches the store.
type rawTicker struct {
	InstrumentName  string           `json:"instrument_name"`
	Timestamp       int64            `json:"timestamp"`
	BestBidPrice    *decimal.Decimal `json:"best_bid_price"`
	BestBidAmount   *decimal.Decimal `json:"best_bid_amount"`
	BestAskPrice    *decimal.Decimal `json:"best_ask_price"`
	BestAskAmount   *decimal.Decimal `json:"best_ask_amount"`
	MarkPrice       *decimal.Decimal `json:"mark_price"`
	UnderlyingPrice *decimal.Decimal `json:"underlying_price"`
	LastPrice       *decimal.Decimal `json:"last_price"`
	OpenInterest    *decimal.Decimal `json:"open_interest"`
	MarkIV          *decimal.Decimal `json:"mark_iv"`
	BidIV           *decimal.Decimal `json:"bid_iv"`
	AskIV           *decimal.Decimal `json:"ask_iv"`
	Greeks          *struct {
		Delta decimal.Decimal `json:"delta"`
		Gamma decimal.Decimal `json:"gamma"`
		Theta decimal.Decimal `json:"theta"`
		Vega  decimal.Decimal `json:"vega"`
		Rho   decimal.Decimal `json:"rho"`
	} `json:"greeks"`
}

// rawTrade mirrors one element of a trades.<instrument>.100ms payload.
type rawTrade struct {
	InstrumentName string           `json:"instrument_name"`
	TradeID        string           `json:"trade_id"`
	Timestamp      int64            `json:"timestamp"`
	Price          decimal.Decimal  `json:"price"`
	Amount         decimal.Decimal  `json:"amount"`
	Direction      string           `json:"direction"`
	IV             *decimal.Decimal `json:"iv"`
	IndexPrice     *decimal.Decimal `json:"index_price"`
}

// Handlers are the callbacks ReadLoop invokes for each decoded message.
// Either may be nil to ignore that message kind.
type Handlers struct {
	OnQuote func(types.QuoteTick)
	OnTrade func(types.TradeTick)
}

// Conn is a single Deribit WebSocket connection: dial, subscribe,
// unsubscribe, and a blocking read loop that decodes notifications into
// tick types via Handlers. It has no reconnect logic of its own.
type Conn struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex
	nextID int32

	lastMessageAt atomic.Int64 // unix nanos, for heartbeat staleness checks

	pendingMu sync.Mutex
	pending   map[int]chan error // call id -> waiter, for callWait

	logger *slog.Logger
}

// Dial opens a WebSocket connection to url (e.g. wss://www.deribit.com/ws/api/v2).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		url:     url,
		conn:    conn,
		pending: make(map[int]chan error),
		logger:  logger.With("component", "deribitws"),
	}
	c.lastMessageAt.Store(time.Now().UnixNano())
	return c, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.Close()
}

// LastMessageAt returns the time of the most recently received frame,
// including pong replies, for staleness checks.
func (c *Conn) LastMessageAt() time.Time {
	return time.Unix(0, c.lastMessageAt.Load())
}

// Subscribe issues a public/subscribe call for the given channels. The
// channel names are caller-constructed (ticker.<instrument>.100ms,
// trades.<instrument>.100ms); this package never builds them itself so the
// 500-channel cap stays visible at the call site.
func (c *Conn) Subscribe(ctx context.Context, channels []string) error {
	return c.call(ctx, "public/subscribe", subscribeParams{Channels: channels})
}

// Unsubscribe issues a public/unsubscribe call for the given channels.
func (c *Conn) Unsubscribe(ctx context.Context, channels []string) error {
	return c.call(ctx, "public/unsubscribe", subscribeParams{Channels: channels})
}

// Ping sends a public/ping heartbeat. The collector calls this on
// HeartbeatInterval; a failure here means the connection is dead.
func (c *Conn) Ping(ctx context.Context) error {
	return c.call(ctx, "public/ping", nil)
}

// SubscribeWait issues public/subscribe and waits up to timeout for the
// matching JSON-RPC response, for the Control API's confirmed-subscribe
// path (spec §4.7: "wait ≤ 5 s per call for confirmation").
func (c *Conn) SubscribeWait(ctx context.Context, channels []string, timeout time.Duration) error {
	return c.callWait(ctx, "public/subscribe", subscribeParams{Channels: channels}, timeout)
}

// UnsubscribeWait is the confirmed counterpart to SubscribeWait.
func (c *Conn) UnsubscribeWait(ctx context.Context, channels []string, timeout time.Duration) error {
	return c.callWait(ctx, "public/unsubscribe", subscribeParams{Channels: channels}, timeout)
}

func (c *Conn) call(ctx context.Context, method string, params any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      int(atomic.AddInt32(&c.nextID, 1)),
		Method:  method,
		Params:  params,
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(req)
}

// callWait registers a waiter for the response to id before writing the
// request, so a reply arriving on ReadLoop's goroutine between the write
// and the select can never be missed.
func (c *Conn) callWait(ctx context.Context, method string, params any, timeout time.Duration) error {
	id := int(atomic.AddInt32(&c.nextID, 1))
	waiter := make(chan error, 1)

	c.pendingMu.Lock()
	c.pending[id] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%s: timed out waiting for confirmation", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadLoop blocks, decoding frames and invoking h's callbacks, until ctx is
// cancelled or the connection errors. The collector's session loop calls
// this directly and redials on error.
func (c *Conn) ReadLoop(ctx context.Context, h Handlers) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		conn.SetReadDeadline(time.Now().Add(HeartbeatInterval + HeartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.lastMessageAt.Store(time.Now().UnixNano())

		c.dispatch(data, h)
	}
}

func (c *Conn) dispatch(data []byte, h Handlers) {
	var note wireFrame
	if err := json.Unmarshal(data, &note); err != nil {
		c.logger.Debug("ignoring unparseable frame", "error", err)
		return
	}

	if note.ID != nil {
		c.resolvePending(*note.ID, note.Error)
		return
	}
	if note.Method != "subscription" {
		return
	}

	switch {
	case strings.HasPrefix(note.Params.Channel, "ticker."):
		if h.OnQuote == nil {
			return
		}
		var t rawTicker
		if err := json.Unmarshal(note.Params.Data, &t); err != nil {
			c.logger.Error("unmarshal ticker", "channel", note.Params.Channel, "error", err)
			return
		}
		h.OnQuote(tickerToQuote(t))

	case strings.HasPrefix(note.Params.Channel, "trades."):
		if h.OnTrade == nil {
			return
		}
		trades, err := decodeTrades(note.Params.Data)
		if err != nil {
			c.logger.Error("unmarshal trades", "channel", note.Params.Channel, "error", err)
			return
		}
		for _, tr := range trades {
			h.OnTrade(tr)
		}

	default:
		c.logger.Debug("ignoring channel", "channel", note.Params.Channel)
	}
}

func (c *Conn) resolvePending(id int, rpcErr *rpcError) {
	c.pendingMu.Lock()
	waiter, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if rpcErr != nil {
		waiter <- fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
		return
	}
	waiter <- nil
}

// decodeTrades handles both shapes Deribit uses for the trades channel: a
// JSON array of trade objects (the normal case) and, defensively, a single
// bare object.
func decodeTrades(data json.RawMessage) ([]types.TradeTick, error) {
	var raw []rawTrade
	if err := json.Unmarshal(data, &raw); err == nil {
		out := make([]types.TradeTick, len(raw))
		for i, r := range raw {
			out[i] = tradeToTick(r)
		}
		return out, nil
	}

	var single rawTrade
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []types.TradeTick{tradeToTick(single)}, nil
}

func tickerToQuote(t rawTicker) types.QuoteTick {
	q := types.QuoteTick{
		Timestamp:       time.UnixMilli(t.Timestamp).UTC(),
		Instrument:      t.InstrumentName,
		BestBidPrice:    t.BestBidPrice,
		BestBidSize:     t.BestBidAmount,
		BestAskPrice:    t.BestAskPrice,
		BestAskSize:     t.BestAskAmount,
		MarkPrice:       t.MarkPrice,
		UnderlyingPrice: t.UnderlyingPrice,
		LastPrice:       t.LastPrice,
		OpenInterest:    t.OpenInterest,
		MarkIV:          t.MarkIV,
		BidIV:           t.BidIV,
		AskIV:           t.AskIV,
	}
	if t.Greeks != nil {
		q.Greeks = &types.Greeks{
			Delta: t.Greeks.Delta,
			Gamma: t.Greeks.Gamma,
			Theta: t.Greeks.Theta,
			Vega:  t.Greeks.Vega,
			Rho:   t.Greeks.Rho,
		}
	}
	return q
}

func tradeToTick(r rawTrade) types.TradeTick {
	direction := types.Buy
	if r.Direction == "sell" {
		direction = types.Sell
	}
	return types.TradeTick{
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Instrument: r.InstrumentName,
		TradeID:    r.TradeID,
		Price:      r.Price,
		Amount:     r.Amount,
		Direction:  direction,
		IV:         r.IV,
		IndexPrice: r.IndexPrice,
	}
}
