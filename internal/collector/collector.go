// Package collector is the WebSocket Collector (C6): it owns one partition
// of instruments, keeps exactly one live WebSocket session subscribed to
// their ticker/trades channels, buffers what arrives, and periodically
// reconciles against REST so a quiet instrument's row is never simply
// missing.
//
// Lifecycle: New() → Start() → [runs until the parent context is cancelled]
// → Stop().
//
// Grounded on the teacher's engine.Engine: the ctx/cancel/sync.WaitGroup
// shutdown shape and the "several independent goroutines sharing only
// buffered state" structure are kept. The per-market-slot orchestration
// (one goroutine and channel pair per condition ID) is replaced with one
// shared partition and one shared tick buffer, since every owned
// instrument's ticks flow through the same three queues rather than a
// per-market strategy loop.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"deribit-md-collector/internal/buffer"
	"deribit-md-collector/internal/catalog"
	"deribit-md-collector/internal/config"
	"deribit-md-collector/internal/control"
	"deribit-md-collector/internal/deribit"
	"deribit-md-collector/internal/deribitws"
	"deribit-md-collector/internal/expiry"
	"deribit-md-collector/internal/heartbeat"
	"deribit-md-collector/internal/partition"
	"deribit-md-collector/internal/snapshot"
	"deribit-md-collector/internal/store"
	"deribit-md-collector/pkg/types"
)

// subscribeConfirmTimeout bounds how long a Control API subscribe/
// unsubscribe call waits for exchange confirmation (spec §4.7).
const subscribeConfirmTimeout = 5 * time.Second

// shutdownDrainTimeout bounds the final buffer drain on Stop.
const shutdownDrainTimeout = 30 * time.Second

// expiryPollInterval is how often the refresh activity checks whether any
// owned instrument has crossed its settlement moment, independent of the
// slower scheduled refresh.
const expiryPollInterval = time.Minute

// Collector runs the five concurrent activities of spec §4.6 for one
// (currency, connection id) partition.
type Collector struct {
	cfg     config.Config
	rest    *deribit.Client
	catalog *catalog.Client
	writer  *store.Writer
	fetcher *snapshot.Fetcher
	buf     *buffer.Buffer
	hb      *heartbeat.Monitor
	logger  *slog.Logger

	mu    sync.RWMutex
	owned map[string]types.Kind // instrument name -> kind, for write routing
	conn  *deribitws.Conn
	state types.CollectorState

	controlServer *control.Server
	refreshCh     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Collector's dependencies but does not start any goroutines.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Collector, error) {
	logger = logger.With("component", "collector", "currency", cfg.Currency, "connection_id", cfg.ConnectionID)

	writer, err := store.Open(ctx, cfg.Store.DatabaseURL, int32(cfg.Store.MinPoolSize), int32(cfg.Store.MaxPoolSize), cfg.Currency, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rl := deribit.NewRateLimiter(0, 0)
	rest := deribit.NewClient(cfg.Deribit.RESTBaseURL, rl, logger)
	cat := catalog.New(rest, catalog.DefaultCacheTTL, logger)
	fetcher := snapshot.New(rest, writer, logger)
	buf := buffer.New(cfg.Buffer.Quotes, cfg.Buffer.Trades, cfg.Buffer.Depth, logger)
	hb := heartbeat.NewMonitor(
		time.Duration(cfg.Collector.HeartbeatWarnSec)*time.Second,
		time.Duration(cfg.Collector.HeartbeatStaleSec)*time.Second,
		logger,
	)

	return &Collector{
		cfg:       cfg,
		rest:      rest,
		catalog:   cat,
		writer:    writer,
		fetcher:   fetcher,
		buf:       buf,
		hb:        hb,
		logger:    logger,
		owned:     make(map[string]types.Kind),
		refreshCh: make(chan struct{}, 1),
		state:     types.CollectorState{PartitionID: cfg.ConnectionID, ConnectionID: cfg.ConnectionID},
	}, nil
}

// Start loads this connection's partition, pulls an initial full-depth
// snapshot, and launches the five concurrent activities plus the Control
// API. It returns once the partition is loaded and the server is listening;
// the activities continue running in the background until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	owned, err := c.loadPartition(c.ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("load partition: %w", err)
	}
	c.setOwned(owned)
	names := c.ownedNames()
	c.logger.Info("partition loaded", "instruments", len(names))

	stats := c.fetcher.FetchAndPopulate(c.ctx, names, true)
	c.logger.Info("initial snapshot complete", "with_data", stats.InstrumentsWithData, "without_data", stats.InstrumentsWithoutData)

	c.wg.Add(5)
	go c.wsSessionLoop()
	go c.flushLoop()
	go c.heartbeatLoop()
	go c.snapshotLoop()
	go c.refreshLoop()

	c.controlServer = control.NewServer(c.cfg.ControlAPI.BasePort+c.cfg.ConnectionID, c, c.logger)
	go func() {
		if err := c.controlServer.Start(); err != nil {
			c.logger.Error("control api stopped", "error", err)
		}
	}()

	return nil
}

// Stop cooperatively shuts every activity down: stop producing, drain one
// last time, close the WS connection, return the store pool, and only then
// stop the Control API (so /api/status stays answerable during drain).
func (c *Collector) Stop() {
	c.logger.Info("shutting down collector")
	c.cancel()
	c.wg.Wait()

	if conn := c.getConn(); conn != nil {
		conn.Close()
	}

	c.writer.Close()

	if c.controlServer != nil {
		if err := c.controlServer.Stop(); err != nil {
			c.logger.Error("control api shutdown failed", "error", err)
		}
	}

	c.logger.Info("collector shutdown complete")
}

// loadPartition pulls the current option and future/perpetual catalog for
// this currency, partitions it, and returns the slice owned by this
// connection id.
func (c *Collector) loadPartition(ctx context.Context) ([]types.Instrument, error) {
	options, err := c.catalog.ListInstruments(ctx, c.cfg.Currency, "option", false)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	if n := c.cfg.Deribit.TopNInstruments; n > 0 && len(options) > n {
		options = options[:n]
	}

	futures, err := c.catalog.ListInstruments(ctx, c.cfg.Currency, "future", false)
	if err != nil {
		return nil, fmt.Errorf("list futures: %w", err)
	}

	all := make([]types.Instrument, 0, len(options)+len(futures))
	all = append(all, options...)
	all = append(all, futures...)

	groups := partition.Partition(instrumentNames(all), c.cfg.Collector.MaxInstrumentsPerPartition)
	ownedNames, ok := partition.Owner(groups, c.cfg.ConnectionID)
	if !ok {
		return nil, fmt.Errorf("connection id %d has no partition (only %d partitions for %d instruments)", c.cfg.ConnectionID, len(groups), len(all))
	}

	byName := make(map[string]types.Instrument, len(all))
	for _, inst := range all {
		byName[inst.Name] = inst
	}
	owned := make([]types.Instrument, 0, len(ownedNames))
	for _, name := range ownedNames {
		owned = append(owned, byName[name])
	}
	return owned, nil
}

func instrumentNames(instruments []types.Instrument) []string {
	names := make([]string, len(instruments))
	for i, inst := range instruments {
		names[i] = inst.Name
	}
	return names
}

func channelsFor(names []string) []string {
	channels := make([]string, 0, len(names)*2)
	for _, name := range names {
		channels = append(channels, "ticker."+name+".100ms", "trades."+name+".100ms")
	}
	return channels
}

func (c *Collector) setOwned(instruments []types.Instrument) {
	owned := make(map[string]types.Kind, len(instruments))
	names := make([]string, len(instruments))
	for i, inst := range instruments {
		owned[inst.Name] = inst.Kind
		names[i] = inst.Name
	}

	c.mu.Lock()
	c.owned = owned
	c.state.OwnedInstruments = names
	c.state.SubscribedChannels = channelsFor(names)
	c.mu.Unlock()
}

func (c *Collector) ownedNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.owned))
	for name := range c.owned {
		names = append(names, name)
	}
	return names
}

func (c *Collector) kindOf(instrument string) (types.Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kind, ok := c.owned[instrument]
	return kind, ok
}

func (c *Collector) addOwned(instruments []string) {
	c.mu.Lock()
	for _, name := range instruments {
		if _, ok := c.owned[name]; !ok {
			c.owned[name] = types.KindOption // refined on next full refresh; routing defaults to the option tables until then
		}
	}
	c.rebuildStateLocked()
	c.mu.Unlock()
}

func (c *Collector) removeOwned(instruments []string) {
	c.mu.Lock()
	for _, name := range instruments {
		delete(c.owned, name)
	}
	c.rebuildStateLocked()
	c.mu.Unlock()
}

// rebuildStateLocked refreshes state.OwnedInstruments/SubscribedChannels
// from owned. Caller must hold mu.
func (c *Collector) rebuildStateLocked() {
	names := make([]string, 0, len(c.owned))
	for name := range c.owned {
		names = append(names, name)
	}
	c.state.OwnedInstruments = names
	c.state.SubscribedChannels = channelsFor(names)
}

func (c *Collector) getConn() *deribitws.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Collector) setConn(conn *deribitws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Collector) setConnected(connected bool) {
	c.mu.Lock()
	c.state.WSConnected = connected
	c.mu.Unlock()
}

// wsSessionLoop keeps exactly one WS session alive, redialing with
// exponential backoff (1, 2, 4, 8, 16, 32, 60, 60, ... seconds, per spec
// §8 testable property 6) whenever the session ends.
func (c *Collector) wsSessionLoop() {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset() // NewExponentialBackOff already reset to its own default initial interval

	for c.ctx.Err() == nil {
		err := c.runSession()
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.state.ReconnectCount++
		c.mu.Unlock()
		c.setConnected(false)

		d := b.NextBackOff()
		c.logger.Warn("ws session ended, reconnecting", "error", err, "backoff", d)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func (c *Collector) runSession() error {
	conn, err := deribitws.Dial(c.ctx, c.cfg.Deribit.WSURL, c.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	names := c.ownedNames()
	if err := conn.Subscribe(c.ctx, channelsFor(names)); err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}

	c.setConn(conn)
	c.setConnected(true)
	c.logger.Info("ws session established", "instruments", len(names))
	defer c.setConnected(false)

	pingCtx, pingCancel := context.WithCancel(c.ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	return conn.ReadLoop(c.ctx, deribitws.Handlers{
		OnQuote: c.onQuote,
		OnTrade: c.onTrade,
	})
}

func (c *Collector) pingLoop(ctx context.Context, conn *deribitws.Conn) {
	ticker := time.NewTicker(deribitws.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, deribitws.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
			}
		}
	}
}

func (c *Collector) onQuote(q types.QuoteTick) {
	c.hb.Tick()
	c.mu.Lock()
	c.state.LastTickAt = q.Timestamp
	c.mu.Unlock()
	if err := c.buf.AddQuote(q); err != nil {
		c.logger.Warn("quote buffer full, dropping tick", "instrument", q.Instrument, "error", err)
	}
}

func (c *Collector) onTrade(tr types.TradeTick) {
	c.hb.Tick()
	c.mu.Lock()
	c.state.LastTickAt = tr.Timestamp
	c.mu.Unlock()
	if err := c.buf.AddTrade(tr); err != nil {
		c.logger.Warn("trade buffer full, dropping tick", "instrument", tr.Instrument, "error", err)
	}
}

// flushLoop drains the tick buffer every FlushInterval, or sooner whenever
// any queue crosses 80% utilization (spec §4.3/§4.6).
func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Collector.FlushInterval())
	defer ticker.Stop()
	pollTicker := time.NewTicker(200 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			c.drainAndWrite(ctx)
			cancel()
			return
		case <-ticker.C:
			c.drainAndWrite(c.ctx)
		case <-pollTicker.C:
			if c.buf.ShouldFlush() {
				c.drainAndWrite(c.ctx)
			}
		}
	}
}

func (c *Collector) drainAndWrite(ctx context.Context) {
	quotes, trades, depth := c.buf.Drain()
	if len(quotes) == 0 && len(trades) == 0 && len(depth) == 0 {
		return
	}

	optionQuotes, perpQuotes := c.splitQuotes(quotes)
	optionTrades, perpTrades := c.splitTrades(trades)

	written := func(n int, err error, what string) {
		if err != nil {
			c.logger.Error("write failed", "what", what, "error", err)
		}
	}

	if len(optionQuotes) > 0 {
		n, err := c.writer.WriteQuotes(ctx, optionQuotes)
		written(n, err, "option quotes")
	}
	if len(perpQuotes) > 0 {
		n, err := c.writer.WritePerpQuotes(ctx, perpQuotes)
		written(n, err, "perp quotes")
	}
	if len(optionTrades) > 0 {
		n, err := c.writer.WriteTrades(ctx, optionTrades)
		written(n, err, "option trades")
	}
	if len(perpTrades) > 0 {
		n, err := c.writer.WritePerpTrades(ctx, perpTrades)
		written(n, err, "perp trades")
	}
	if len(depth) > 0 {
		n, err := c.writer.WriteDepth(ctx, depth)
		written(n, err, "depth")
	}

	stats := c.writer.Stats()
	c.mu.Lock()
	c.state.QuotesWritten = stats.QuotesWritten
	c.state.TradesWritten = stats.TradesWritten
	c.state.DepthWritten = stats.DepthWritten
	c.mu.Unlock()
}

func (c *Collector) splitQuotes(quotes []types.QuoteTick) (options []types.QuoteTick, perps []types.PerpQuote) {
	for _, q := range quotes {
		kind, _ := c.kindOf(q.Instrument)
		if kind == types.KindFuture || kind == types.KindPerpetual {
			perps = append(perps, quoteToPerp(q))
			continue
		}
		options = append(options, q)
	}
	return options, perps
}

func (c *Collector) splitTrades(trades []types.TradeTick) (options []types.TradeTick, perps []types.PerpTrade) {
	for _, tr := range trades {
		kind, _ := c.kindOf(tr.Instrument)
		if kind == types.KindFuture || kind == types.KindPerpetual {
			perps = append(perps, tradeToPerp(tr))
			continue
		}
		options = append(options, tr)
	}
	return options, perps
}

func quoteToPerp(q types.QuoteTick) types.PerpQuote {
	return types.PerpQuote{
		Timestamp:    q.Timestamp,
		Instrument:   q.Instrument,
		BestBidPrice: q.BestBidPrice,
		BestBidSize:  q.BestBidSize,
		BestAskPrice: q.BestAskPrice,
		BestAskSize:  q.BestAskSize,
		MarkPrice:    q.MarkPrice,
		IndexPrice:   q.UnderlyingPrice, // ticker's underlying_price doubles as the futures index
		LastPrice:    q.LastPrice,
		OpenInterest: q.OpenInterest,
	}
}

func tradeToPerp(tr types.TradeTick) types.PerpTrade {
	return types.PerpTrade{
		Timestamp:  tr.Timestamp,
		Instrument: tr.Instrument,
		TradeID:    tr.TradeID,
		Price:      tr.Price,
		Amount:     tr.Amount,
		Direction:  tr.Direction,
		IndexPrice: tr.IndexPrice,
	}
}

// heartbeatLoop runs the staleness monitor and forwards its stale signal
// into a forced instrument refresh.
func (c *Collector) heartbeatLoop() {
	defer c.wg.Done()

	var inner sync.WaitGroup
	inner.Add(1)
	go func() {
		defer inner.Done()
		c.hb.Run(c.ctx)
	}()

	for {
		select {
		case <-c.ctx.Done():
			inner.Wait()
			return
		case <-c.hb.StaleCh():
			c.logger.Warn("partition stale, forcing instrument refresh")
			c.forceRefresh()
		}
	}
}

// snapshotLoop periodically re-populates quotes (and, every cycle, depth)
// for every owned instrument via REST, independent of what the WS session
// delivered.
func (c *Collector) snapshotLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Collector.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.fetcher.FetchAndPopulate(c.ctx, c.ownedNames(), true)
		}
	}
}

// refreshLoop reloads the catalog and re-partitions on a schedule, sooner
// if any owned instrument has expired, or immediately on a forced signal
// from the heartbeat monitor or the Control API.
func (c *Collector) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Collector.InstrumentRefreshInterval())
	defer ticker.Stop()
	expiryTicker := time.NewTicker(expiryPollInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refresh("scheduled")
		case <-expiryTicker.C:
			if c.anyOwnedExpired() {
				c.refresh("expiry")
			}
		case <-c.refreshCh:
			c.refresh("forced")
		}
	}
}

func (c *Collector) forceRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

func (c *Collector) anyOwnedExpired() bool {
	now := time.Now().UTC()
	for _, name := range c.ownedNames() {
		if expiry.IsExpired(name, now, expiry.DefaultBuffer) {
			return true
		}
	}
	return false
}

// refresh reloads the catalog, re-partitions, and forces a WS session
// restart so the subscribed channel set picks up the new partition.
func (c *Collector) refresh(reason string) {
	c.logger.Info("refreshing instrument partition", "reason", reason)

	c.catalog.ClearCache()
	owned, err := c.loadPartition(c.ctx)
	if err != nil {
		c.logger.Error("partition refresh failed", "error", err)
		return
	}
	c.setOwned(owned)

	if conn := c.getConn(); conn != nil {
		conn.Close()
	}
}

// Status implements control.Provider.
func (c *Collector) Status(ctx context.Context) control.StatusResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return control.StatusResponse{
		ConnectionID:   c.cfg.ConnectionID,
		Currency:       c.cfg.Currency,
		PartitionSize:  len(c.state.OwnedInstruments),
		Instruments:    append([]string(nil), c.state.OwnedInstruments...),
		WSConnected:    c.state.WSConnected,
		LastTickAt:     c.state.LastTickAt,
		ReconnectCount: c.state.ReconnectCount,
		QuotesWritten:  c.state.QuotesWritten,
		TradesWritten:  c.state.TradesWritten,
		DepthWritten:   c.state.DepthWritten,
	}
}

// Subscribe implements control.Provider: it adds instruments to the owned
// set and, if a WS session is up, waits up to subscribeConfirmTimeout per
// call for exchange confirmation (spec §4.7).
func (c *Collector) Subscribe(ctx context.Context, instruments []string) control.SubscribeResponse {
	return c.changeMembership(ctx, instruments, true)
}

// Unsubscribe implements control.Provider, mirroring Subscribe.
func (c *Collector) Unsubscribe(ctx context.Context, instruments []string) control.SubscribeResponse {
	return c.changeMembership(ctx, instruments, false)
}

func (c *Collector) changeMembership(ctx context.Context, instruments []string, subscribing bool) control.SubscribeResponse {
	var resp control.SubscribeResponse

	var toApply []string
	for _, name := range instruments {
		_, owned := c.kindOf(name)
		if subscribing == owned {
			resp.AlreadySubscribed = append(resp.AlreadySubscribed, name)
			continue
		}
		toApply = append(toApply, name)
	}
	if len(toApply) == 0 {
		return resp
	}

	conn := c.getConn()
	channels := channelsFor(toApply)
	if conn != nil {
		var err error
		if subscribing {
			err = conn.SubscribeWait(ctx, channels, subscribeConfirmTimeout)
		} else {
			err = conn.UnsubscribeWait(ctx, channels, subscribeConfirmTimeout)
		}
		if err != nil {
			c.logger.Error("control api membership change failed", "subscribing", subscribing, "error", err)
			if !subscribing {
				// Unsubscribe always drops from the owned set, even when the
				// exchange RPC failed (spec §4.7): a channel the collector no
				// longer wants must never be reported as still owned.
				c.removeOwned(toApply)
			}
			resp.Failed = toApply
			return resp
		}
	}

	if subscribing {
		c.addOwned(toApply)
		resp.Subscribed = toApply
	} else {
		c.removeOwned(toApply)
		resp.Subscribed = toApply // reused as the "applied" list; unsubscribe has no separate field
	}
	return resp
}
