package backtest

import (
	"github.com/titancore/futurescore/pkg/types"
)

// commissionFor computes the commission charged on one fill given the
// configured model (spec §4.9). rolling30dNotional only matters for the
// tiered model.
func commissionFor(cfg types.BacktestConfig, notional, rolling30dNotional types.D) types.D {
	switch cfg.Commission {
	case types.CommissionNone, "":
		return types.Zero
	case types.CommissionFixed:
		return cfg.CommissionRate
	case types.CommissionPercentage:
		return notional.Mul(cfg.CommissionRate)
	case types.CommissionTiered:
		return notional.Mul(tierRate(cfg.CommissionTiers, rolling30dNotional))
	default:
		return types.Zero
	}
}

// tierRate finds the rate for the highest tier whose MinNotional30d does
// not exceed volume, falling back to the lowest tier's rate.
func tierRate(tiers []types.CommissionTier, volume types.D) types.D {
	if len(tiers) == 0 {
		return types.Zero
	}
	rate := tiers[0].Rate
	for _, tier := range tiers {
		if volume.GreaterThanOrEqual(tier.MinNotional30d) {
			rate = tier.Rate
		}
	}
	return rate
}
