package bot

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

// MeanReversionParams configures the Mean-reversion strategy (spec §4.8):
// enters when the rolling z-score of mark price exceeds zScoreEntry, exits
// when it reverts within zScoreExit.
type MeanReversionParams struct {
	Symbol      string
	Venue       string
	Period      int
	ZScoreEntry types.D
	ZScoreExit  types.D
	Notional    types.D
}

// Validate rejects malformed parameters at create-time.
func (p MeanReversionParams) Validate() error {
	if p.Period < 2 {
		return fmt.Errorf("period must be >= 2")
	}
	if !p.ZScoreEntry.GreaterThan(p.ZScoreExit) {
		return fmt.Errorf("zScoreEntry must be greater than zScoreExit")
	}
	if !p.Notional.IsPositive() {
		return fmt.Errorf("notional must be positive")
	}
	return nil
}

// MeanReversionStrategy fades extreme z-scores of mark price around its own
// rolling mean/stddev, betting on reversion toward the mean.
type MeanReversionStrategy struct {
	params MeanReversionParams
	router Router
	userID string
	botID  string

	window []types.D
	state  crossState // crossLong (bought the dip) / crossShort (sold the spike) / crossNone
}

// NewMeanReversionStrategy constructs a Mean-reversion strategy instance.
func NewMeanReversionStrategy(userID, botID string, params MeanReversionParams, router Router) *MeanReversionStrategy {
	return &MeanReversionStrategy{params: params, router: router, userID: userID, botID: botID, state: crossNone}
}

func stddev(window []types.D, mean types.D) types.D {
	if len(window) < 2 {
		return types.Zero
	}
	sumSq := 0.0
	meanF, _ := mean.Float64()
	for _, v := range window {
		vf, _ := v.Float64()
		d := vf - meanF
		sumSq += d * d
	}
	variance := sumSq / float64(len(window))
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// OnTick updates the rolling window and enters/exits on z-score thresholds.
func (r *MeanReversionStrategy) OnTick(ctx context.Context, event types.MarketTickEvent) error {
	if event.MarkPrice.IsZero() {
		return nil
	}
	mark := event.MarkPrice
	r.window = pushWindow(r.window, mark, r.params.Period)
	if len(r.window) < r.params.Period {
		return nil
	}

	mean := average(r.window)
	sd := stddev(r.window, mean)
	if sd.IsZero() {
		return nil
	}
	z := mark.Sub(mean).Div(sd)

	switch r.state {
	case crossNone:
		if z.LessThanOrEqual(r.params.ZScoreEntry.Neg()) {
			return r.enter(ctx, types.Buy, mark, crossLong)
		}
		if z.GreaterThanOrEqual(r.params.ZScoreEntry) {
			return r.enter(ctx, types.Sell, mark, crossShort)
		}
	case crossLong:
		if z.GreaterThanOrEqual(r.params.ZScoreExit.Neg()) {
			return r.exit(ctx, types.Sell, mark)
		}
	case crossShort:
		if z.LessThanOrEqual(r.params.ZScoreExit) {
			return r.exit(ctx, types.Buy, mark)
		}
	}
	return nil
}

func (r *MeanReversionStrategy) enter(ctx context.Context, side types.Side, mark types.D, next crossState) error {
	_, err := r.router.PlaceOrder(ctx, types.Order{
		UserID:   r.userID,
		BotID:    r.botID,
		Venue:    r.params.Venue,
		Symbol:   r.params.Symbol,
		Side:     side,
		Type:     types.OrderMarket,
		Quantity: r.params.Notional.Div(mark),
	})
	if err != nil {
		return fmt.Errorf("enter mean-reversion position: %w", err)
	}
	r.state = next
	return nil
}

func (r *MeanReversionStrategy) exit(ctx context.Context, side types.Side, mark types.D) error {
	_, err := r.router.PlaceOrder(ctx, types.Order{
		UserID:     r.userID,
		BotID:      r.botID,
		Venue:      r.params.Venue,
		Symbol:     r.params.Symbol,
		Side:       side,
		Type:       types.OrderMarket,
		Quantity:   r.params.Notional.Div(mark),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("exit mean-reversion position: %w", err)
	}
	r.state = crossNone
	return nil
}

// OnOrderUpdate is a no-op: entry/exit state is tracked at order-placement
// time, matching MomentumStrategy's style.
func (r *MeanReversionStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error {
	return nil
}

// OnPositionUpdate is a no-op; the strategy tracks its own entry state.
func (r *MeanReversionStrategy) OnPositionUpdate(ctx context.Context, position types.Position) error {
	return nil
}

// Checkpoint serializes the rolling window and position state.
func (r *MeanReversionStrategy) Checkpoint() map[string]any {
	return map[string]any{
		"window": decimalsToStrings(r.window),
		"state":  string(r.state),
	}
}

// Restore reloads a checkpoint produced by Checkpoint.
func (r *MeanReversionStrategy) Restore(state map[string]any) {
	if v, ok := state["window"].([]any); ok {
		r.window = stringsToDecimals(v)
	}
	if s, ok := state["state"].(string); ok {
		r.state = crossState(s)
	}
}
