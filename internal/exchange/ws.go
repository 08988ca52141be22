// ws.go implements the venue WebSocket stream client. Two independent
// feeds run concurrently, same split as the reference bot's market/user
// WSFeed pair:
//
//   - Market stream (public): subscribes by symbol+channel, receives
//     depth diffs, trade ticks, tickers, and kline/candle events.
//
//   - User stream (authenticated): a single listenKey-bearing connection
//     that receives order update and account update events for one
//     exchange connection.
//
// Both auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to every tracked key on reconnection. A read deadline
// (90s) detects silent server failures within roughly two missed pings,
// at which point a StreamResetEvent is emitted so dependent local state
// (the order book) knows to rebuild from a fresh snapshot.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsEventBufferSize  = 256
)

// StreamClient manages a single WebSocket connection to a venue's market
// or user data stream.
type StreamClient struct {
	url         string
	channelType string // "market" or "user"

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // venue stream names, e.g. "btcusdt@depth"

	depthCh   chan types.DepthDiff
	tradeCh   chan types.TradeTick
	tickerCh  chan types.Ticker
	candleCh  chan types.Candle
	resetCh   chan types.StreamResetEvent
	orderCh   chan types.OrderUpdatedEvent

	logger *slog.Logger
}

// NewMarketStream creates a stream client for public market data.
func NewMarketStream(wsURL string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		depthCh:     make(chan types.DepthDiff, wsEventBufferSize),
		tradeCh:     make(chan types.TradeTick, wsEventBufferSize),
		tickerCh:    make(chan types.Ticker, wsEventBufferSize),
		candleCh:    make(chan types.Candle, wsEventBufferSize),
		resetCh:     make(chan types.StreamResetEvent, 16),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserStream creates a stream client for one venue connection's private
// order/account channel, authenticated out-of-band via a listenKey baked
// into the URL (the venue convention for futures user-data streams).
func NewUserStream(wsURL string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:         wsURL,
		channelType: "user",
		subscribed:  make(map[string]bool),
		orderCh:     make(chan types.OrderUpdatedEvent, wsEventBufferSize),
		resetCh:     make(chan types.StreamResetEvent, 16),
		logger:      logger.With("component", "ws_user"),
	}
}

func (c *StreamClient) DepthEvents() <-chan types.DepthDiff           { return c.depthCh }
func (c *StreamClient) TradeEvents() <-chan types.TradeTick           { return c.tradeCh }
func (c *StreamClient) TickerEvents() <-chan types.Ticker             { return c.tickerCh }
func (c *StreamClient) CandleEvents() <-chan types.Candle             { return c.candleCh }
func (c *StreamClient) ResetEvents() <-chan types.StreamResetEvent    { return c.resetCh }
func (c *StreamClient) OrderEvents() <-chan types.OrderUpdatedEvent   { return c.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (c *StreamClient) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		c.emitReset("disconnect: " + errString(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Subscribe adds stream names (e.g. "btcusdt@depth", "btcusdt@aggTrade")
// to the tracked set and sends a live subscribe frame if connected.
func (c *StreamClient) Subscribe(streams []string) error {
	c.subscribedMu.Lock()
	for _, s := range streams {
		c.subscribed[s] = true
	}
	c.subscribedMu.Unlock()

	return c.writeJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
}

// Unsubscribe removes stream names from the tracked set.
func (c *StreamClient) Unsubscribe(streams []string) error {
	c.subscribedMu.Lock()
	for _, s := range streams {
		delete(c.subscribed, s)
	}
	c.subscribedMu.Unlock()

	return c.writeJSON(map[string]any{
		"method": "UNSUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
}

// Close gracefully closes the connection.
func (c *StreamClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *StreamClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	c.logger.Info("websocket connected", "channel", c.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatchMessage(msg)
	}
}

func (c *StreamClient) resubscribeAll() error {
	c.subscribedMu.RLock()
	streams := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		streams = append(streams, s)
	}
	c.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return c.writeJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
}

func (c *StreamClient) emitReset(reason string) {
	evt := types.StreamResetEvent{Reason: reason, EventTime: time.Now().UTC()}
	select {
	case c.resetCh <- evt:
	default:
	}
}

func (c *StreamClient) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		E      string          `json:"e"` // event type for combined-stream-less frames
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	payload := envelope.Data
	if len(payload) == 0 {
		payload = data
	}

	var kind struct {
		E string `json:"e"`
	}
	json.Unmarshal(payload, &kind)

	switch kind.E {
	case "depthUpdate":
		c.dispatchDepth(payload)
	case "aggTrade", "trade":
		c.dispatchTrade(payload)
	case "24hrTicker":
		c.dispatchTicker(payload)
	case "kline":
		c.dispatchCandle(payload)
	case "ORDER_TRADE_UPDATE":
		c.dispatchOrderUpdate(payload)
	default:
		c.logger.Debug("unknown ws event type", "type", kind.E)
	}
}

func (c *StreamClient) dispatchDepth(data []byte) {
	var raw struct {
		Symbol string     `json:"s"`
		U      int64      `json:"U"`
		Uu     int64      `json:"u"`
		Pu     int64      `json:"pu"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("unmarshal depth event", "error", err)
		return
	}
	diff := types.DepthDiff{
		Symbol:        raw.Symbol,
		FirstUpdateID: raw.U,
		FinalUpdateID: raw.Uu,
		PrevFinalID:   raw.Pu,
		Bids:          parseLevels(raw.Bids),
		Asks:          parseLevels(raw.Asks),
		EventTime:     time.Now().UTC(),
	}
	select {
	case c.depthCh <- diff:
	default:
		c.logger.Warn("depth channel full, dropping event", "symbol", diff.Symbol)
	}
}

func parseLevels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

func (c *StreamClient) dispatchTrade(data []byte) {
	var raw struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeID   int64  `json:"t"`
		Maker     bool   `json:"m"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("unmarshal trade event", "error", err)
		return
	}
	price, _ := decimal.NewFromString(raw.Price)
	qty, _ := decimal.NewFromString(raw.Qty)
	side := types.Buy
	if raw.Maker {
		side = types.Sell
	}
	tick := types.TradeTick{
		Symbol:    raw.Symbol,
		Price:     price,
		Qty:       qty,
		Side:      side,
		TradeID:   raw.TradeID,
		EventTime: time.Now().UTC(),
	}
	select {
	case c.tradeCh <- tick:
	default:
		c.logger.Warn("trade channel full, dropping event", "symbol", tick.Symbol)
	}
}

func (c *StreamClient) dispatchTicker(data []byte) {
	var raw struct {
		Symbol    string `json:"s"`
		LastPrice string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		QuoteVol  string `json:"q"`
		ChgPct    string `json:"P"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("unmarshal ticker event", "error", err)
		return
	}
	t := types.Ticker{
		Symbol:        raw.Symbol,
		LastPrice:     mustDecimal(raw.LastPrice),
		High24h:       mustDecimal(raw.High),
		Low24h:        mustDecimal(raw.Low),
		Volume24h:     mustDecimal(raw.Volume),
		QuoteVolume24: mustDecimal(raw.QuoteVol),
		PriceChgPct:   mustDecimal(raw.ChgPct),
		EventTime:     time.Now().UTC(),
	}
	select {
	case c.tickerCh <- t:
	default:
		c.logger.Warn("ticker channel full, dropping event", "symbol", t.Symbol)
	}
}

func (c *StreamClient) dispatchCandle(data []byte) {
	var raw struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("unmarshal kline event", "error", err)
		return
	}
	candle := types.Candle{
		Symbol:    raw.Symbol,
		Interval:  raw.Kline.Interval,
		OpenTime:  time.UnixMilli(raw.Kline.OpenTime).UTC(),
		CloseTime: time.UnixMilli(raw.Kline.CloseTime).UTC(),
		Open:      mustDecimal(raw.Kline.Open),
		High:      mustDecimal(raw.Kline.High),
		Low:       mustDecimal(raw.Kline.Low),
		Close:     mustDecimal(raw.Kline.Close),
		Volume:    mustDecimal(raw.Kline.Volume),
		Closed:    raw.Kline.Closed,
	}
	select {
	case c.candleCh <- candle:
	default:
		c.logger.Warn("candle channel full, dropping event", "symbol", candle.Symbol)
	}
}

func (c *StreamClient) dispatchOrderUpdate(data []byte) {
	var raw struct {
		Order struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Side          string `json:"S"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			LastFillQty   string `json:"l"`
			LastFillPrice string `json:"L"`
			TradeID       int64  `json:"t"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Error("unmarshal order update event", "error", err)
		return
	}
	fillQty := mustDecimal(raw.Order.LastFillQty)
	fillPrice := mustDecimal(raw.Order.LastFillPrice)
	evt := types.OrderUpdatedEvent{
		Order: types.Order{
			Symbol:        raw.Order.Symbol,
			ClientOrderID: raw.Order.ClientOrderID,
			VenueOrderID:  fmt.Sprintf("%d", raw.Order.OrderID),
			Status:        mapVenueStatus(raw.Order.Status),
		},
		FillQty:        &fillQty,
		FillPrice:      &fillPrice,
		VenueTradeID:   fmt.Sprintf("%d", raw.Order.TradeID),
		VenueTimestamp: time.Now().UTC(),
	}
	select {
	case c.orderCh <- evt:
	default:
		c.logger.Warn("order channel full, dropping event", "client_order_id", evt.Order.ClientOrderID)
	}
}

func mustDecimal(s string) types.D {
	d, _ := decimal.NewFromString(s)
	return d
}

func (c *StreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *StreamClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *StreamClient) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(msgType, data)
}
