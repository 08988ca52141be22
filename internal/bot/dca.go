package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

// DCAParams configures the dollar-cost-averaging strategy (spec §4.8).
type DCAParams struct {
	Symbol            string
	Venue             string
	IntervalSeconds   int
	NotionalPerBuy    types.D
	MaxPositionSize   types.D
	TakeProfitPercent types.D
}

// Validate rejects malformed parameters at create-time.
func (p DCAParams) Validate() error {
	if p.IntervalSeconds <= 0 {
		return fmt.Errorf("intervalSeconds must be positive")
	}
	if !p.NotionalPerBuy.IsPositive() {
		return fmt.Errorf("notionalPerBuy must be positive")
	}
	if !p.MaxPositionSize.IsPositive() {
		return fmt.Errorf("maxPositionSize must be positive")
	}
	return nil
}

// DCAStrategy buys a fixed notional amount at a fixed cadence until the
// position reaches maxPositionSize, then only manages the existing
// position's take-profit.
type DCAStrategy struct {
	params DCAParams
	router Router
	userID string
	botID  string

	lastBuy        time.Time
	positionQty    types.D
	avgEntry       types.D
	takeProfitSent bool
}

// NewDCAStrategy constructs a DCA strategy instance.
func NewDCAStrategy(userID, botID string, params DCAParams, router Router) *DCAStrategy {
	return &DCAStrategy{params: params, router: router, userID: userID, botID: botID, positionQty: types.Zero, avgEntry: types.Zero}
}

// OnTick buys notionalPerBuy worth of the symbol every intervalSeconds,
// until maxPositionSize is reached.
func (d *DCAStrategy) OnTick(ctx context.Context, event types.MarketTickEvent) error {
	if event.MarkPrice.IsZero() {
		return nil
	}
	if d.positionQty.GreaterThanOrEqual(d.params.MaxPositionSize) {
		return d.maybeTakeProfit(ctx, event.MarkPrice)
	}
	if !d.lastBuy.IsZero() && time.Since(d.lastBuy) < time.Duration(d.params.IntervalSeconds)*time.Second {
		return nil
	}

	qty := d.params.NotionalPerBuy.Div(event.MarkPrice)
	remaining := d.params.MaxPositionSize.Sub(d.positionQty)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	if !qty.IsPositive() {
		return nil
	}

	price := event.MarkPrice
	_, err := d.router.PlaceOrder(ctx, types.Order{
		UserID:   d.userID,
		BotID:    d.botID,
		Venue:    d.params.Venue,
		Symbol:   d.params.Symbol,
		Side:     types.Buy,
		Type:     types.OrderMarket,
		Quantity: qty,
		Price:    &price,
	})
	if err != nil {
		return fmt.Errorf("place DCA buy: %w", err)
	}
	d.lastBuy = time.Now().UTC()
	return nil
}

func (d *DCAStrategy) maybeTakeProfit(ctx context.Context, mark types.D) error {
	if d.takeProfitSent || d.avgEntry.IsZero() || d.params.TakeProfitPercent.IsZero() {
		return nil
	}
	target := d.avgEntry.Mul(types.One.Add(d.params.TakeProfitPercent.Div(types.Hundred)))
	if mark.LessThan(target) {
		return nil
	}
	_, err := d.router.PlaceOrder(ctx, types.Order{
		UserID:     d.userID,
		BotID:      d.botID,
		Venue:      d.params.Venue,
		Symbol:     d.params.Symbol,
		Side:       types.Sell,
		Type:       types.OrderMarket,
		Quantity:   d.positionQty,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("place DCA take-profit: %w", err)
	}
	d.takeProfitSent = true
	return nil
}

// OnOrderUpdate updates local cost-basis bookkeeping from fills; the
// authoritative position figures live in the Portfolio Store, this is only
// used for the take-profit trigger.
func (d *DCAStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error {
	if order.Status != types.OrderFilled && order.Status != types.OrderPartiallyFilled {
		return nil
	}
	if order.Side == types.Buy {
		totalCost := d.avgEntry.Mul(d.positionQty).Add(order.AvgFillPrice.Mul(order.FilledQty))
		d.positionQty = d.positionQty.Add(order.FilledQty)
		if d.positionQty.IsPositive() {
			d.avgEntry = totalCost.Div(d.positionQty)
		}
	} else {
		d.positionQty = d.positionQty.Sub(order.FilledQty)
		if !d.positionQty.IsPositive() {
			d.positionQty = types.Zero
			d.avgEntry = types.Zero
			d.takeProfitSent = false
		}
	}
	return nil
}

// OnPositionUpdate reconciles local bookkeeping against the authoritative
// Portfolio Store snapshot.
func (d *DCAStrategy) OnPositionUpdate(ctx context.Context, position types.Position) error {
	d.positionQty = position.Quantity
	d.avgEntry = position.AvgEntryPrice
	return nil
}

// Checkpoint serializes enough state to resume cleanly after a restart.
func (d *DCAStrategy) Checkpoint() map[string]any {
	return map[string]any{
		"last_buy":         d.lastBuy.Format(time.RFC3339Nano),
		"position_qty":     d.positionQty.String(),
		"avg_entry":        d.avgEntry.String(),
		"take_profit_sent": d.takeProfitSent,
	}
}

// Restore reloads a checkpoint produced by Checkpoint.
func (d *DCAStrategy) Restore(state map[string]any) {
	if s, ok := state["last_buy"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			d.lastBuy = t
		}
	}
	if s, ok := state["position_qty"].(string); ok {
		if v, err := decimal.NewFromString(s); err == nil {
			d.positionQty = v
		}
	}
	if s, ok := state["avg_entry"].(string); ok {
		if v, err := decimal.NewFromString(s); err == nil {
			d.avgEntry = v
		}
	}
	if b, ok := state["take_profit_sent"].(bool); ok {
		d.takeProfitSent = b
	}
}
