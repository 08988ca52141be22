package bot

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

// GridParams configures the Grid strategy (spec §4.8): a ladder of
// reduce-on-tp limit orders between lowerPrice and upperPrice.
type GridParams struct {
	Symbol           string
	Venue            string
	LowerPrice       types.D
	UpperPrice       types.D
	GridCount        int
	QuantityPerGrid  types.D
	TakeProfitPercent *types.D
	StopLossPercent   *types.D
}

// Validate rejects out-of-range parameters at create-time per spec §4.8.
func (p GridParams) Validate() error {
	if p.GridCount < 2 {
		return fmt.Errorf("gridCount must be >= 2, got %d", p.GridCount)
	}
	if !p.UpperPrice.GreaterThan(p.LowerPrice) {
		return fmt.Errorf("upperPrice must be greater than lowerPrice")
	}
	if !p.QuantityPerGrid.IsPositive() {
		return fmt.Errorf("quantityPerGrid must be positive")
	}
	return nil
}

// gridLevel is one rung of the ladder.
type gridLevel struct {
	Price    types.D
	Filled   bool
	OrderID  string // client order ID of the resting order at this level
}

// GridStrategy maintains a ladder of buy/sell limit orders: levels at or
// above the current mark are sells, levels below are buys. On a fill, it
// posts the opposite-side order at the next grid level above the fill
// (spec §13 Open Question #1: "next-grid-above" for a buy fill, mirrored
// for a sell fill landing one level below).
type GridStrategy struct {
	params GridParams
	router Router
	userID string
	botID  string

	levels []gridLevel
	armed  bool // true once the initial ladder has been posted
}

// NewGridStrategy constructs a Grid strategy instance. params must already
// be validated.
func NewGridStrategy(userID, botID string, params GridParams, router Router) *GridStrategy {
	step := params.UpperPrice.Sub(params.LowerPrice).Div(decimal.NewFromInt(int64(params.GridCount - 1)))
	levels := make([]gridLevel, params.GridCount)
	for i := range levels {
		levels[i].Price = params.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return &GridStrategy{params: params, router: router, userID: userID, botID: botID, levels: levels}
}

// OnTick posts the initial ladder on the first tick; subsequent ticks are a
// no-op since the ladder self-maintains via OnOrderUpdate fills.
func (g *GridStrategy) OnTick(ctx context.Context, event types.MarketTickEvent) error {
	if g.armed {
		return nil
	}
	mark := event.MarkPrice
	if mark.IsZero() {
		return nil // no mark yet, wait for a real tick
	}
	for i := range g.levels {
		if err := g.postLevel(ctx, i, mark); err != nil {
			return fmt.Errorf("post grid level %d: %w", i, err)
		}
	}
	g.armed = true
	return nil
}

// postLevel places a buy below mark, a sell at or above mark, matching the
// reference lifecycle example (spec §9 P2): a level at or above current
// mark is a sell.
func (g *GridStrategy) postLevel(ctx context.Context, idx int, mark types.D) error {
	lvl := &g.levels[idx]
	side := types.Buy
	if lvl.Price.GreaterThanOrEqual(mark) {
		side = types.Sell
	}
	order := types.Order{
		UserID:   g.userID,
		BotID:    g.botID,
		Venue:    g.params.Venue,
		Symbol:   g.params.Symbol,
		Side:     side,
		Type:     types.OrderLimit,
		Quantity: g.params.QuantityPerGrid,
		Price:    &lvl.Price,
	}
	placed, err := g.router.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}
	lvl.OrderID = placed.ClientOrderID
	return nil
}

// OnOrderUpdate reacts to a fill by posting the opposite-side order at the
// next grid level above the filled level for a buy fill, or at the next
// level below it for a sell fill.
func (g *GridStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error {
	if order.Status != types.OrderFilled {
		return nil
	}
	idx := g.indexOf(order.ClientOrderID)
	if idx < 0 {
		return nil // not one of ours
	}
	g.levels[idx].Filled = true

	nextIdx := idx + 1
	if order.Side == types.Sell {
		nextIdx = idx - 1
	}
	if nextIdx < 0 || nextIdx >= len(g.levels) {
		return nil // edge of the ladder, no level to post at
	}

	opposite := types.Sell
	if order.Side == types.Sell {
		opposite = types.Buy
	}
	price := g.levels[nextIdx].Price
	reduceOnly := g.params.TakeProfitPercent != nil
	placed, err := g.router.PlaceOrder(ctx, types.Order{
		UserID:     g.userID,
		BotID:      g.botID,
		Venue:      g.params.Venue,
		Symbol:     g.params.Symbol,
		Side:       opposite,
		Type:       types.OrderLimit,
		Quantity:   g.params.QuantityPerGrid,
		Price:      &price,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return fmt.Errorf("post reverse-fill grid order: %w", err)
	}
	g.levels[nextIdx].OrderID = placed.ClientOrderID
	return nil
}

func (g *GridStrategy) indexOf(clientOrderID string) int {
	for i, lvl := range g.levels {
		if lvl.OrderID == clientOrderID {
			return i
		}
	}
	return -1
}

// OnPositionUpdate is a no-op: the Grid strategy tracks its state purely
// through order fills.
func (g *GridStrategy) OnPositionUpdate(ctx context.Context, position types.Position) error {
	return nil
}

// Checkpoint serializes enough state to resume the ladder after a restart.
func (g *GridStrategy) Checkpoint() map[string]any {
	levels := make([]map[string]any, len(g.levels))
	for i, lvl := range g.levels {
		levels[i] = map[string]any{
			"price":    lvl.Price.String(),
			"filled":   lvl.Filled,
			"order_id": lvl.OrderID,
		}
	}
	return map[string]any{"armed": g.armed, "levels": levels}
}

// Restore reloads a checkpoint produced by Checkpoint.
func (g *GridStrategy) Restore(state map[string]any) {
	armed, _ := state["armed"].(bool)
	g.armed = armed
	levels, ok := state["levels"].([]any)
	if !ok {
		return
	}
	for i, raw := range levels {
		if i >= len(g.levels) {
			break
		}
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if filled, ok := m["filled"].(bool); ok {
			g.levels[i].Filled = filled
		}
		if orderID, ok := m["order_id"].(string); ok {
			g.levels[i].OrderID = orderID
		}
	}
}
