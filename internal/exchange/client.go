package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

const (
	retryBase    = 250 * time.Millisecond
	retryFactor  = 2
	retryCap     = 8 * time.Second
	retryJitter  = 0.2
	recvWindowMs = 5000
)

// Client is the REST client for one venue. Every request is rate-limited
// via per-category TokenBuckets, retried with exponential backoff on 5xx
// and network errors, and signed with HMAC for private endpoints — the
// same shape as the reference bot's Client, generalized from a single
// hardcoded CLOB base URL to any venue/environment pair.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	venue  string
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client bound to restBaseURL, signing private
// requests with auth (nil for public-only usage, e.g. market data).
func NewClient(venue, restBaseURL string, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(restBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(4).
		SetRetryWaitTime(retryBase).
		SetRetryMaxWaitTime(retryCap).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		venue:  venue,
		dryRun: dryRun,
		logger: logger.With("component", "exchange", "venue", venue),
	}
}

// backoffWithJitter returns the delay for the given attempt (0-indexed)
// per spec §4.1's retry cadence: 250ms base, factor 2, capped at 8s, with
// ±20% jitter to avoid thundering-herd reconnects across bots.
func backoffWithJitter(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt; i++ {
		d *= retryFactor
		if d > retryCap {
			d = retryCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*2-1)*retryJitter
	return time.Duration(float64(d) * jitter)
}

// GetOrderBook fetches the L2 depth snapshot for a symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "limit": strconv.Itoa(limit)}).
		SetResult(&raw).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmtErr("get depth", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &types.OrderBook{
		Venue:        c.venue,
		Symbol:       symbol,
		LastUpdateID: raw.LastUpdateID,
		EventTime:    time.Now().UTC(),
	}
	book.Bids = toLevels(raw.Bids)
	book.Asks = toLevels(raw.Asks)
	return book, nil
}

// GetCandles fetches historical OHLC candles for symbol/interval within
// [start, end], backing the Backtest Engine's CandleSource (spec §4.9).
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]types.Candle, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var raw [][]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(start.UnixMilli(), 10),
			"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
			"limit":     strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmtErr("get candles", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get candles: status %d: %s", resp.StatusCode(), resp.String())
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := candleFromRow(c.venue, symbol, interval, row)
		if err != nil {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// candleFromRow decodes one exchange-style kline row: [openTime, open,
// high, low, close, volume, closeTime, ...].
func candleFromRow(venue, symbol, interval string, row []any) (types.Candle, error) {
	if len(row) < 7 {
		return types.Candle{}, fmt.Errorf("short candle row")
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("bad open time")
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("bad close time")
	}
	open, err1 := decimalFromString(fmt.Sprint(row[1]))
	high, err2 := decimalFromString(fmt.Sprint(row[2]))
	low, err3 := decimalFromString(fmt.Sprint(row[3]))
	closePrice, err4 := decimalFromString(fmt.Sprint(row[4]))
	volume, err5 := decimalFromString(fmt.Sprint(row[5]))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return types.Candle{}, fmt.Errorf("bad candle values")
	}
	return types.Candle{
		Venue:     venue,
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
		CloseTime: time.UnixMilli(int64(closeMs)).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

func toLevels(raw [][]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		price, _ := decimalFromString(lvl[0])
		qty, _ := decimalFromString(lvl[1])
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

// PlaceOrder submits a new order to the venue. In dry-run mode it returns
// a synthetic acceptance without making any HTTP call, matching the
// reference bot's dry-run short-circuit on PostOrders.
func (c *Client) PlaceOrder(ctx context.Context, order types.Order) (venueOrderID string, status types.OrderStatus, err error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "client_order_id", order.ClientOrderID, "symbol", order.Symbol)
		return "dry-run-" + order.ClientOrderID, types.OrderNew, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", venueSide(order.Side))
	params.Set("type", venueOrderType(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newClientOrderId", order.ClientOrderID)
	if order.Price != nil {
		params.Set("price", order.Price.String())
	}
	if order.TimeInForce != "" {
		params.Set("timeInForce", string(order.TimeInForce))
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var result struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &result)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", types.OrderRejected, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return strconv.FormatInt(result.OrderID, 10), mapVenueStatus(result.Status), nil
}

// CancelOrder cancels a single resting order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "venue_order_id", venueOrderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)

	resp, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAllOrders cancels every open order for a symbol on this venue
// connection — the reduce-only leg of the Risk Engine's emergency stop.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	resp, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Warn("all orders cancelled", "symbol", symbol)
	return nil
}

// FetchPositions fetches the venue's view of every open position.
func (c *Client) FetchPositions(ctx context.Context, userID string) ([]types.Position, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
	}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &raw)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("position risk: status %d: %s", resp.StatusCode(), resp.String())
	}

	positions := make([]types.Position, 0, len(raw))
	for _, r := range raw {
		qty, _ := decimalFromString(r.PositionAmt)
		if qty.IsZero() {
			continue
		}
		entry, _ := decimalFromString(r.EntryPrice)
		mark, _ := decimalFromString(r.MarkPrice)
		unreal, _ := decimalFromString(r.UnRealizedProfit)
		liq, _ := decimalFromString(r.LiquidationPrice)
		leverage, _ := strconv.Atoi(r.Leverage)

		positions = append(positions, types.Position{
			UserID:           userID,
			Venue:            c.venue,
			Symbol:           r.Symbol,
			Quantity:         qty,
			AvgEntryPrice:    entry,
			MarkPrice:        mark,
			UnrealizedPnl:    unreal,
			LiquidationPrice: liq,
			Leverage:         leverage,
			Status:           types.PositionOpen,
			UpdatedAt:        time.Now().UTC(),
		})
	}
	return positions, nil
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, result any) (*resty.Response, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("signed request to %s requires credentials", path)
	}
	query := c.auth.SignedQuery(params, recvWindowMs)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.auth.APIKey())
	if result != nil {
		req = req.SetResult(result)
	}

	switch method {
	case http.MethodGet:
		return req.Get(path + "?" + query)
	case http.MethodPost:
		return req.Post(path + "?" + query)
	case http.MethodDelete:
		return req.Delete(path + "?" + query)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
}

func venueSide(s types.Side) string {
	if s == types.Sell {
		return "SELL"
	}
	return "BUY"
}

func venueOrderType(t types.OrderType) string {
	switch t {
	case types.OrderMarket:
		return "MARKET"
	case types.OrderStop:
		return "STOP"
	case types.OrderStopMarket:
		return "STOP_MARKET"
	case types.OrderTakeProfit:
		return "TAKE_PROFIT"
	case types.OrderTrailingStop:
		return "TRAILING_STOP_MARKET"
	default:
		return "LIMIT"
	}
}

func mapVenueStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderNew
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "CANCELLED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	case "EXPIRED":
		return types.OrderExpired
	default:
		return types.OrderPending
	}
}

func decimalFromString(s string) (types.D, error) {
	if s == "" {
		return types.Zero, nil
	}
	return decimal.NewFromString(s)
}
