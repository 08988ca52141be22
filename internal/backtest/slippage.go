package backtest

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/types"
)

// slippageEngine applies a configured slippage model to a simulated fill
// price. The random-bounded model uses a seeded PRNG so a run is
// byte-identical across replays given the same seed (spec §4.9
// determinism requirement).
type slippageEngine struct {
	cfg  types.BacktestConfig
	rng  *rand.Rand
}

func newSlippageEngine(cfg types.BacktestConfig) *slippageEngine {
	seed := cfg.SlippageSeed
	if seed == 0 {
		seed = 1
	}
	return &slippageEngine{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// apply returns the slippage-adjusted price and the absolute slippage
// amount (always moving the fill against the trader: worse for buys,
// worse for sells).
func (s *slippageEngine) apply(side types.Side, price, candleVolume types.D) (types.D, types.D) {
	var bps types.D
	switch s.cfg.Slippage {
	case types.SlippageNone, "":
		return price, types.Zero
	case types.SlippageFixed:
		bps = s.cfg.SlippageBps
	case types.SlippagePercentage:
		bps = s.cfg.SlippageBps
	case types.SlippageVolumeBased:
		bps = s.cfg.SlippageBps
		if candleVolume.IsPositive() {
			// thinner candles (less volume) slip more; scale inversely,
			// capped at 5x the configured base bps.
			scale := decimal.NewFromInt(1000000).Div(candleVolume.Add(decimal.NewFromInt(1)))
			if scale.GreaterThan(decimal.NewFromInt(5)) {
				scale = decimal.NewFromInt(5)
			}
			if scale.LessThan(types.One) {
				scale = types.One
			}
			bps = bps.Mul(scale)
		}
	case types.SlippageRandomBound:
		// uniform in [0, SlippageBps], seeded for determinism.
		bps = s.cfg.SlippageBps.Mul(decimal.NewFromFloat(s.rng.Float64()))
	default:
		return price, types.Zero
	}

	amount := price.Mul(bps).Div(decimal.NewFromInt(10000))
	if side == types.Buy {
		return price.Add(amount), amount
	}
	return price.Sub(amount), amount
}
