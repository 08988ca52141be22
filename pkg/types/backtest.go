package types

import "time"

// CommissionModel enumerates the pluggable commission calculations the
// Backtest Engine applies to each simulated fill (spec §4.9).
type CommissionModel string

const (
	CommissionNone       CommissionModel = "none"
	CommissionFixed      CommissionModel = "fixed"
	CommissionPercentage CommissionModel = "percentage"
	CommissionTiered     CommissionModel = "tiered"
)

// SlippageModel enumerates the pluggable slippage calculations applied to
// each simulated fill price (spec §4.9).
type SlippageModel string

const (
	SlippageNone         SlippageModel = "none"
	SlippageFixed        SlippageModel = "fixed"
	SlippagePercentage   SlippageModel = "percentage"
	SlippageVolumeBased  SlippageModel = "volume-based"
	SlippageRandomBound  SlippageModel = "random"
)

// CommissionTier is one bracket of a tiered commission schedule, ordered by
// ascending MinNotional30d.
type CommissionTier struct {
	MinNotional30d D
	Rate           D // fraction of notional, e.g. 0.0004 = 4bps
}

// BacktestConfig is the full set of inputs that determine a run's outcome;
// hashed/recorded alongside the result for reproducibility.
type BacktestConfig struct {
	Symbol          string
	Timeframe       string
	Start           time.Time
	End              time.Time
	StrategyType    StrategyKind
	StrategyParams  map[string]any
	StartingBalance D
	Commission      CommissionModel
	CommissionRate  D
	CommissionTiers []CommissionTier
	Slippage        SlippageModel
	SlippageBps     D
	SlippageSeed    int64
}

// EquityPoint is one sample of the backtest's equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    D
}

// BacktestTrade records one simulated fill for the trade list.
type BacktestTrade struct {
	Timestamp  time.Time
	Side       Side
	Price      D
	Quantity   D
	Commission D
	Slippage   D
	Pnl        D
	Reason     string // "limit", "stop", "market", "take-profit", "stop-loss"
}

// PerformanceMetrics is the 25-metric summary computed at the end of a
// backtest run (spec §3 BacktestResult).
type PerformanceMetrics struct {
	TotalReturn          D
	AnnualizedReturn     D
	CAGR                 D
	Sharpe               D
	Sortino              D
	Calmar               D
	MaxDrawdown          D
	MaxDrawdownDuration  time.Duration
	Volatility           D
	DownsideDeviation    D
	WinRate              D
	ProfitFactor         D
	PayoffRatio          D
	ExpectedValue        D
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	AverageWin           D
	AverageLoss          D
	LargestWin           D
	LargestLoss          D
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageExposure      D
	MaxSimultaneousPositions int
	RiskOfRuin           D
}

// BacktestResult is the persisted output of a completed backtest run.
type BacktestResult struct {
	RunID        string
	EquityCurve  []EquityPoint
	Trades       []BacktestTrade
	Metrics      PerformanceMetrics
	SlippageSeed int64
	CompletedAt  time.Time
}

// BacktestProgressEvent is emitted every 100 candles during a run (spec §4.9).
type BacktestProgressEvent struct {
	RunID           string
	CandlesProcessed int
	TotalCandles     int
	CurrentEquity    D
	Timestamp        time.Time
}
