package backtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/titancore/futurescore/pkg/types"
)

// pendingOrder is an order the broker has accepted but not yet filled.
type pendingOrder struct {
	order       types.Order
	submittedAt int // candle index the order was submitted on
}

// SimulatedBroker stands in for the Order Router during a backtest (spec
// §4.9): limit/stop orders fill when the candle's range crosses the order
// price (a single boundary-cross fills fully; partial fills are not
// simulated), market orders fill at the open of the next candle. It
// satisfies the same minimal Router interface the Bot Runtime's strategies
// depend on, so a strategy requires no code change to run in either C8 or
// C9 — the shared strategy surface spec §4.9 point 2 requires.
type SimulatedBroker struct {
	cfg types.BacktestConfig

	mu              sync.Mutex
	balance         types.D
	positionQty     types.D // signed: positive long, negative short
	avgEntry        types.D
	pendingLimits   []pendingOrder
	pendingMarkets  []pendingOrder // filled at next candle's open
	trades          []types.BacktestTrade
	rolling30dNotional types.D

	slippage *slippageEngine
}

// NewSimulatedBroker constructs a broker seeded with cfg.StartingBalance.
func NewSimulatedBroker(cfg types.BacktestConfig) *SimulatedBroker {
	return &SimulatedBroker{
		cfg:      cfg,
		balance:  cfg.StartingBalance,
		positionQty: types.Zero,
		avgEntry: types.Zero,
		slippage: newSlippageEngine(cfg),
		rolling30dNotional: types.Zero,
	}
}

// PlaceOrder queues the order for simulation against future candles.
// Matches the bot.Router interface so strategies are broker-agnostic.
func (b *SimulatedBroker) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order.Status = types.OrderNew
	pending := pendingOrder{order: order}
	if order.Type == types.OrderMarket {
		b.pendingMarkets = append(b.pendingMarkets, pending)
	} else {
		b.pendingLimits = append(b.pendingLimits, pending)
	}
	return order, nil
}

// CancelOrder removes a resting limit/stop order from the book.
func (b *SimulatedBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.pendingLimits {
		if p.order.ClientOrderID == orderID {
			b.pendingLimits = append(b.pendingLimits[:i], b.pendingLimits[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("order %s not found among resting orders", orderID)
}

// AdvanceCandle fills any eligible pending orders against candle, in the
// order spec §4.9 describes: queued market orders fill first at this
// candle's open, then resting limit/stop orders are checked against this
// candle's high/low range.
func (b *SimulatedBroker) AdvanceCandle(candle types.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pendingMarkets) > 0 {
		for _, p := range b.pendingMarkets {
			b.fill(p.order, candle.Open, candle)
		}
		b.pendingMarkets = nil
	}

	remaining := b.pendingLimits[:0]
	for _, p := range b.pendingLimits {
		fillPrice, filled := b.crossCheck(p.order, candle)
		if filled {
			b.fill(p.order, fillPrice, candle)
			continue
		}
		remaining = append(remaining, p)
	}
	b.pendingLimits = remaining

	b.rolling30dNotional = b.rolling30dNotional.Add(candle.Volume.Mul(candle.Close))
}

// crossCheck reports whether order's trigger price was touched within
// candle's [low, high] range, and the price it would fill at.
func (b *SimulatedBroker) crossCheck(order types.Order, candle types.Candle) (types.D, bool) {
	switch order.Type {
	case types.OrderLimit:
		if order.Price == nil {
			return types.Zero, false
		}
		price := *order.Price
		if order.Side == types.Buy && candle.Low.LessThanOrEqual(price) {
			return price, true
		}
		if order.Side == types.Sell && candle.High.GreaterThanOrEqual(price) {
			return price, true
		}
	case types.OrderStop, types.OrderStopMarket, types.OrderTakeProfit, types.OrderTrailingStop:
		if order.StopPrice == nil {
			return types.Zero, false
		}
		trigger := *order.StopPrice
		if order.Side == types.Buy && candle.High.GreaterThanOrEqual(trigger) {
			return trigger, true
		}
		if order.Side == types.Sell && candle.Low.LessThanOrEqual(trigger) {
			return trigger, true
		}
	}
	return types.Zero, false
}

func (b *SimulatedBroker) fill(order types.Order, rawPrice types.D, candle types.Candle) {
	fillPrice, slip := b.slippage.apply(order.Side, rawPrice, candle.Volume)
	notional := fillPrice.Mul(order.Quantity)
	commission := commissionFor(b.cfg, notional, b.rolling30dNotional)

	var pnl types.D
	signedQty := order.Quantity
	if order.Side == types.Sell {
		signedQty = signedQty.Neg()
	}

	prevQty := b.positionQty
	newQty := prevQty.Add(signedQty)

	switch {
	case prevQty.IsZero() || sameSign(prevQty, signedQty):
		// opening or adding to a position: roll the weighted-average entry.
		totalCost := b.avgEntry.Mul(prevQty.Abs()).Add(fillPrice.Mul(order.Quantity))
		totalQty := prevQty.Abs().Add(order.Quantity)
		if totalQty.IsPositive() {
			b.avgEntry = totalCost.Div(totalQty)
		}
	default:
		// reducing or flipping: realize PnL on the closed portion.
		closedQty := decimalMin(order.Quantity, prevQty.Abs())
		if prevQty.IsPositive() {
			pnl = fillPrice.Sub(b.avgEntry).Mul(closedQty)
		} else {
			pnl = b.avgEntry.Sub(fillPrice).Mul(closedQty)
		}
		if order.Quantity.GreaterThan(prevQty.Abs()) {
			// flipped through flat: remaining quantity opens a new position.
			b.avgEntry = fillPrice
		}
	}
	b.positionQty = newQty
	b.balance = b.balance.Add(pnl).Sub(commission)

	b.trades = append(b.trades, types.BacktestTrade{
		Timestamp:  candle.CloseTime,
		Side:       order.Side,
		Price:      fillPrice,
		Quantity:   order.Quantity,
		Commission: commission,
		Slippage:   slip,
		Pnl:        pnl,
		Reason:     string(order.Type),
	})
}

func sameSign(a, b types.D) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.IsPositive() == b.IsPositive()
}

func decimalMin(a, b types.D) types.D {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Equity returns balance plus unrealized PnL at markPrice.
func (b *SimulatedBroker) Equity(markPrice types.D) types.D {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.positionQty.IsZero() {
		return b.balance
	}
	unrealized := markPrice.Sub(b.avgEntry).Mul(b.positionQty)
	return b.balance.Add(unrealized)
}

// Trades returns every simulated fill recorded so far.
func (b *SimulatedBroker) Trades() []types.BacktestTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BacktestTrade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Position returns the broker's current signed quantity and average entry.
func (b *SimulatedBroker) Position() (qty, avgEntry types.D) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionQty, b.avgEntry
}
