package bot

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

// MomentumParams configures the Momentum strategy (spec §4.8): signals on
// fast-MA crossing slow-MA.
type MomentumParams struct {
	Symbol            string
	Venue             string
	FastPeriod        int
	SlowPeriod        int
	Notional          types.D
	StopLossPercent   types.D
	TakeProfitPercent types.D
}

// Validate rejects malformed parameters at create-time.
func (p MomentumParams) Validate() error {
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 {
		return fmt.Errorf("fastPeriod and slowPeriod must be positive")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("fastPeriod must be less than slowPeriod")
	}
	if !p.Notional.IsPositive() {
		return fmt.Errorf("notional must be positive")
	}
	return nil
}

type crossState string

const (
	crossNone  crossState = "none"
	crossLong  crossState = "long"
	crossShort crossState = "short"
)

// MomentumStrategy tracks a rolling fast and slow simple moving average of
// mark price and enters/exits on crossover, with a fixed stop-loss and
// take-profit around the entry price.
type MomentumStrategy struct {
	params MomentumParams
	router Router
	userID string
	botID  string

	fastWindow []types.D
	slowWindow []types.D
	state      crossState
	entryPrice types.D
}

// NewMomentumStrategy constructs a Momentum strategy instance.
func NewMomentumStrategy(userID, botID string, params MomentumParams, router Router) *MomentumStrategy {
	return &MomentumStrategy{params: params, router: router, userID: userID, botID: botID, state: crossNone}
}

func average(window []types.D) types.D {
	if len(window) == 0 {
		return types.Zero
	}
	sum := types.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window))))
}

func pushWindow(window []types.D, v types.D, size int) []types.D {
	window = append(window, v)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

// OnTick updates the moving averages and acts on a crossover or on the
// current position's stop-loss/take-profit.
func (m *MomentumStrategy) OnTick(ctx context.Context, event types.MarketTickEvent) error {
	if event.MarkPrice.IsZero() {
		return nil
	}
	mark := event.MarkPrice

	m.fastWindow = pushWindow(m.fastWindow, mark, m.params.FastPeriod)
	m.slowWindow = pushWindow(m.slowWindow, mark, m.params.SlowPeriod)
	if len(m.slowWindow) < m.params.SlowPeriod {
		return nil // not enough history yet
	}

	if m.state != crossNone {
		if exited, err := m.checkExit(ctx, mark); err != nil {
			return err
		} else if exited {
			return nil
		}
	}

	fast := average(m.fastWindow)
	slow := average(m.slowWindow)

	switch {
	case m.state == crossNone && fast.GreaterThan(slow):
		return m.enter(ctx, types.Buy, mark, crossLong)
	case m.state == crossNone && fast.LessThan(slow):
		return m.enter(ctx, types.Sell, mark, crossShort)
	}
	return nil
}

func (m *MomentumStrategy) enter(ctx context.Context, side types.Side, mark types.D, next crossState) error {
	_, err := m.router.PlaceOrder(ctx, types.Order{
		UserID:   m.userID,
		BotID:    m.botID,
		Venue:    m.params.Venue,
		Symbol:   m.params.Symbol,
		Side:     side,
		Type:     types.OrderMarket,
		Quantity: m.params.Notional.Div(mark),
	})
	if err != nil {
		return fmt.Errorf("enter momentum position: %w", err)
	}
	m.state = next
	m.entryPrice = mark
	return nil
}

// checkExit closes the position if mark has breached the stop-loss or
// take-profit band around entryPrice, returning true if it acted.
func (m *MomentumStrategy) checkExit(ctx context.Context, mark types.D) (bool, error) {
	if m.entryPrice.IsZero() {
		return false, nil
	}

	var pnlPct types.D
	exitSide := types.Sell
	if m.state == crossLong {
		pnlPct = mark.Sub(m.entryPrice).Div(m.entryPrice).Mul(types.Hundred)
		exitSide = types.Sell
	} else {
		pnlPct = m.entryPrice.Sub(mark).Div(m.entryPrice).Mul(types.Hundred)
		exitSide = types.Buy
	}

	hitStop := !m.params.StopLossPercent.IsZero() && pnlPct.LessThanOrEqual(m.params.StopLossPercent.Neg())
	hitTarget := !m.params.TakeProfitPercent.IsZero() && pnlPct.GreaterThanOrEqual(m.params.TakeProfitPercent)
	if !hitStop && !hitTarget {
		return false, nil
	}

	_, err := m.router.PlaceOrder(ctx, types.Order{
		UserID:     m.userID,
		BotID:      m.botID,
		Venue:      m.params.Venue,
		Symbol:     m.params.Symbol,
		Side:       exitSide,
		Type:       types.OrderMarket,
		Quantity:   m.params.Notional.Div(m.entryPrice),
		ReduceOnly: true,
	})
	if err != nil {
		return false, fmt.Errorf("exit momentum position: %w", err)
	}
	m.state = crossNone
	m.entryPrice = types.Zero
	return true, nil
}

// OnOrderUpdate is a no-op: state transitions happen at the point of
// placing the order rather than waiting for a fill confirmation, matching
// the reference strategy's fire-and-forget quote reconciliation style.
func (m *MomentumStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error { return nil }

// OnPositionUpdate is a no-op; the strategy tracks its own entry price.
func (m *MomentumStrategy) OnPositionUpdate(ctx context.Context, position types.Position) error {
	return nil
}

// Checkpoint serializes the moving-average windows and position state.
func (m *MomentumStrategy) Checkpoint() map[string]any {
	return map[string]any{
		"fast_window": decimalsToStrings(m.fastWindow),
		"slow_window": decimalsToStrings(m.slowWindow),
		"state":       string(m.state),
		"entry_price": m.entryPrice.String(),
	}
}

// Restore reloads a checkpoint produced by Checkpoint.
func (m *MomentumStrategy) Restore(state map[string]any) {
	if v, ok := state["fast_window"].([]any); ok {
		m.fastWindow = stringsToDecimals(v)
	}
	if v, ok := state["slow_window"].([]any); ok {
		m.slowWindow = stringsToDecimals(v)
	}
	if s, ok := state["state"].(string); ok {
		m.state = crossState(s)
	}
	if s, ok := state["entry_price"].(string); ok {
		if v, err := decimal.NewFromString(s); err == nil {
			m.entryPrice = v
		}
	}
}

func decimalsToStrings(ds []types.D) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func stringsToDecimals(raw []any) []types.D {
	out := make([]types.D, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
