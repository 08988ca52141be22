package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/titancore/futurescore/pkg/types"
)

// tradingPeriodsPerYear annualizes daily-equity-sample statistics, matching
// the pack's own convention (aristath-sentinel/trader-go's 252-trading-day
// annualization for daily series).
const tradingPeriodsPerYear = 252.0

// computeMetrics derives the 25 performance metrics (spec §3 BacktestResult)
// from the equity curve and trade list. Returns zero-valued metrics if
// there are fewer than two equity points.
func computeMetrics(equity []types.EquityPoint, trades []types.BacktestTrade, startingBalance types.D) types.PerformanceMetrics {
	var m types.PerformanceMetrics
	if len(equity) < 2 {
		return m
	}

	returns := equityReturns(equity)
	finalEquity := equity[len(equity)-1].Equity

	m.TotalReturn = finalEquity.Sub(startingBalance).Div(startingBalance).Mul(types.Hundred)

	years := equity[len(equity)-1].Timestamp.Sub(equity[0].Timestamp).Hours() / (24 * 365)
	if years > 0 {
		ratio, _ := finalEquity.Div(startingBalance).Float64()
		cagr := math.Pow(ratio, 1/years) - 1
		m.CAGR = decimal.NewFromFloat(cagr * 100)
		m.AnnualizedReturn = m.CAGR
	}

	meanRet := stat.Mean(returns, nil)
	stdRet := stat.StdDev(returns, nil)
	m.Volatility = decimal.NewFromFloat(stdRet * math.Sqrt(tradingPeriodsPerYear) * 100)

	downside := downsideReturns(returns)
	downsideDev := stat.StdDev(downside, nil)
	m.DownsideDeviation = decimal.NewFromFloat(downsideDev * math.Sqrt(tradingPeriodsPerYear) * 100)

	if stdRet > 0 {
		m.Sharpe = decimal.NewFromFloat(meanRet / stdRet * math.Sqrt(tradingPeriodsPerYear))
	}
	if downsideDev > 0 {
		m.Sortino = decimal.NewFromFloat(meanRet / downsideDev * math.Sqrt(tradingPeriodsPerYear))
	}

	maxDD, maxDDDuration := maxDrawdown(equity)
	m.MaxDrawdown = maxDD
	m.MaxDrawdownDuration = maxDDDuration
	if maxDD.IsPositive() && !m.CAGR.IsZero() {
		m.Calmar = m.CAGR.Div(maxDD)
	}

	applyTradeMetrics(&m, trades)
	return m
}

func equityReturns(equity []types.EquityPoint) []float64 {
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev, _ := equity[i-1].Equity.Float64()
		cur, _ := equity[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

func downsideReturns(returns []float64) []float64 {
	out := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []float64{0}
	}
	return out
}

// maxDrawdown walks the equity curve tracking the running peak, returning
// the largest percentage decline from peak and how long it took to recover
// (or the remainder of the series if it never recovered).
func maxDrawdown(equity []types.EquityPoint) (types.D, time.Duration) {
	peak := equity[0].Equity
	peakTime := equity[0].Timestamp
	maxDD := types.Zero
	maxDDDuration := time.Duration(0)
	inDrawdown := false
	drawdownStart := peakTime

	for _, p := range equity {
		if p.Equity.GreaterThanOrEqual(peak) {
			if inDrawdown {
				duration := p.Timestamp.Sub(drawdownStart)
				if duration > maxDDDuration {
					maxDDDuration = duration
				}
				inDrawdown = false
			}
			peak = p.Equity
			peakTime = p.Timestamp
			continue
		}
		if !inDrawdown {
			inDrawdown = true
			drawdownStart = peakTime
		}
		dd := peak.Sub(p.Equity).Div(peak).Mul(types.Hundred)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	if inDrawdown {
		duration := equity[len(equity)-1].Timestamp.Sub(drawdownStart)
		if duration > maxDDDuration {
			maxDDDuration = duration
		}
	}
	return maxDD, maxDDDuration
}

func applyTradeMetrics(m *types.PerformanceMetrics, trades []types.BacktestTrade) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}
	// The simulated broker holds a single net position per symbol, so at
	// most one position is ever open simultaneously in this engine.
	m.MaxSimultaneousPositions = 1

	var grossWin, grossLoss, sumWin, sumLoss types.D
	var largestWin, largestLoss types.D
	consecWins, consecLosses := 0, 0
	var exposureSum types.D
	var runOfSameExposure int

	for _, t := range trades {
		net := t.Pnl.Sub(t.Commission)
		if net.IsPositive() {
			m.WinningTrades++
			grossWin = grossWin.Add(net)
			sumWin = sumWin.Add(net)
			if net.GreaterThan(largestWin) {
				largestWin = net
			}
			consecWins++
			consecLosses = 0
		} else if net.IsNegative() {
			m.LosingTrades++
			grossLoss = grossLoss.Add(net.Abs())
			sumLoss = sumLoss.Add(net)
			if net.Abs().GreaterThan(largestLoss) {
				largestLoss = net.Abs()
			}
			consecLosses++
			consecWins = 0
		}
		if consecWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = consecWins
		}
		if consecLosses > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = consecLosses
		}
		exposureSum = exposureSum.Add(t.Price.Mul(t.Quantity))
		runOfSameExposure++
	}

	if m.WinningTrades > 0 {
		m.AverageWin = sumWin.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = sumLoss.Abs().Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	m.LargestWin = largestWin
	m.LargestLoss = largestLoss
	m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades))).Mul(types.Hundred)

	if grossLoss.IsPositive() {
		m.ProfitFactor = grossWin.Div(grossLoss)
	}
	if !m.AverageLoss.IsZero() {
		m.PayoffRatio = m.AverageWin.Div(m.AverageLoss)
	}

	winRateFrac := decimal.NewFromInt(int64(m.WinningTrades)).Div(decimal.NewFromInt(int64(m.TotalTrades)))
	lossRateFrac := types.One.Sub(winRateFrac)
	m.ExpectedValue = winRateFrac.Mul(m.AverageWin).Sub(lossRateFrac.Mul(m.AverageLoss))

	if runOfSameExposure > 0 {
		m.AverageExposure = exposureSum.Div(decimal.NewFromInt(int64(runOfSameExposure)))
	}

	// Risk of ruin approximation per the classic win-rate/payoff formula,
	// bounded to [0, 1]; undefined (0) when there have been no losses.
	if m.LosingTrades > 0 && !m.PayoffRatio.IsZero() {
		p, _ := winRateFrac.Float64()
		r, _ := m.PayoffRatio.Float64()
		if r > 0 {
			edge := p - (1-p)/r
			if edge <= 0 {
				m.RiskOfRuin = types.One
			} else {
				m.RiskOfRuin = decimal.NewFromFloat(math.Exp(-2 * edge * r))
			}
		}
	}
}
