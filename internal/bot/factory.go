package bot

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

// NewStrategy builds the strategy instance named by kind from its raw
// parameter map (as stored on types.Bot.Config or types.BacktestConfig.
// StrategyParams), the same dynamic-parameter shape both the Bot Runtime
// and the Backtest Engine accept so a strategy config is portable between
// a live bot and a backtest of it unchanged.
func NewStrategy(kind types.StrategyKind, params map[string]any, userID, botID string, router Router) (Strategy, error) {
	switch kind {
	case types.StrategyGrid:
		p := GridParams{
			Symbol:            decodeString(params, "symbol"),
			Venue:             decodeString(params, "venue"),
			LowerPrice:        decodeDecimal(params, "lowerPrice"),
			UpperPrice:        decodeDecimal(params, "upperPrice"),
			GridCount:         decodeInt(params, "gridCount"),
			QuantityPerGrid:   decodeDecimal(params, "quantityPerGrid"),
			TakeProfitPercent: decodeOptionalDecimal(params, "takeProfitPercent"),
			StopLossPercent:   decodeOptionalDecimal(params, "stopLossPercent"),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewGridStrategy(userID, botID, p, router), nil

	case types.StrategyDCA:
		p := DCAParams{
			Symbol:            decodeString(params, "symbol"),
			Venue:             decodeString(params, "venue"),
			IntervalSeconds:   decodeInt(params, "intervalSeconds"),
			NotionalPerBuy:    decodeDecimal(params, "notionalPerBuy"),
			MaxPositionSize:   decodeDecimal(params, "maxPositionSize"),
			TakeProfitPercent: decodeDecimal(params, "takeProfitPercent"),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewDCAStrategy(userID, botID, p, router), nil

	case types.StrategyMomentum:
		p := MomentumParams{
			Symbol:            decodeString(params, "symbol"),
			Venue:             decodeString(params, "venue"),
			FastPeriod:        decodeInt(params, "fastPeriod"),
			SlowPeriod:        decodeInt(params, "slowPeriod"),
			Notional:          decodeDecimal(params, "notional"),
			StopLossPercent:   decodeDecimal(params, "stopLossPercent"),
			TakeProfitPercent: decodeDecimal(params, "takeProfitPercent"),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewMomentumStrategy(userID, botID, p, router), nil

	case types.StrategyMeanReversion:
		p := MeanReversionParams{
			Symbol:      decodeString(params, "symbol"),
			Venue:       decodeString(params, "venue"),
			Period:      decodeInt(params, "period"),
			ZScoreEntry: decodeDecimal(params, "zScoreEntry"),
			ZScoreExit:  decodeDecimal(params, "zScoreExit"),
			Notional:    decodeDecimal(params, "notional"),
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewMeanReversionStrategy(userID, botID, p, router), nil

	default:
		return nil, corerr.New(corerr.ValidationError, fmt.Sprintf("unknown strategy kind %q", kind))
	}
}

func decodeString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func decodeInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func decodeDecimal(m map[string]any, key string) types.D {
	switch v := m[key].(type) {
	case types.D:
		return v
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return types.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	default:
		return types.Zero
	}
}

func decodeOptionalDecimal(m map[string]any, key string) *types.D {
	if _, ok := m[key]; !ok {
		return nil
	}
	d := decodeDecimal(m, key)
	return &d
}
