// Package backtest implements the Backtest Engine (C9): deterministic,
// event-driven candle replay against a simulated broker, using the same
// Strategy surface the Bot Runtime (C8) drives in production (spec §4.9
// point 2). Commission and slippage are pluggable models; a seeded PRNG
// makes the random-slippage model reproducible run to run.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/titancore/futurescore/internal/bot"
	"github.com/titancore/futurescore/pkg/types"
)

// CandleSource supplies historical candles for (symbol, timeframe, range).
// Injected so this package never depends on a concrete data store.
type CandleSource interface {
	LoadCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Candle, error)
}

// ProgressSink receives a BacktestProgressEvent every 100 candles (spec
// §4.9) so the Client Distribution Hub can fan progress out to subscribers.
type ProgressSink interface {
	PublishBacktestProgress(types.BacktestProgressEvent)
}

// progressInterval is how often (in candles) progress events are emitted.
const progressInterval = 100

// Engine replays one backtest run to completion or cancellation.
type Engine struct {
	candles  CandleSource
	progress ProgressSink
	logger   *slog.Logger
}

// New constructs a backtest Engine.
func New(candles CandleSource, progress ProgressSink, logger *slog.Logger) *Engine {
	return &Engine{candles: candles, progress: progress, logger: logger.With("component", "backtest")}
}

// Run executes one backtest end to end: load candles, instantiate the
// broker, replay candle by candle (publish onTick, then advance the
// broker), compute metrics, and return the result. Returns
// (nil, nil) if cancelled via ctx before completion — cancellation
// persists no result record, matching spec §4.9.
func (e *Engine) Run(ctx context.Context, runID string, cfg types.BacktestConfig, strategy bot.Strategy) (*types.BacktestResult, error) {
	candles, err := e.candles.LoadCandles(ctx, cfg.Symbol, cfg.Timeframe, cfg.Start, cfg.End)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s %s in range", cfg.Symbol, cfg.Timeframe)
	}

	broker := NewSimulatedBroker(cfg)
	equity := make([]types.EquityPoint, 0, len(candles))

	for i, candle := range candles {
		select {
		case <-ctx.Done():
			e.logger.Info("backtest cancelled", "run_id", runID, "processed", i, "total", len(candles))
			return nil, nil
		default:
		}

		event := types.MarketTickEvent{
			Venue: "backtest", Symbol: cfg.Symbol,
			MarkPrice: candle.Close, EventTime: candle.CloseTime,
		}
		if err := strategy.OnTick(ctx, event); err != nil {
			return nil, fmt.Errorf("strategy tick at candle %d: %w", i, err)
		}

		broker.AdvanceCandle(candle)
		equity = append(equity, types.EquityPoint{Timestamp: candle.CloseTime, Equity: broker.Equity(candle.Close)})

		if (i+1)%progressInterval == 0 && e.progress != nil {
			e.progress.PublishBacktestProgress(types.BacktestProgressEvent{
				RunID: runID, CandlesProcessed: i + 1, TotalCandles: len(candles),
				CurrentEquity: equity[len(equity)-1].Equity, Timestamp: time.Now().UTC(),
			})
		}
	}

	trades := broker.Trades()
	metrics := computeMetrics(equity, trades, cfg.StartingBalance)

	return &types.BacktestResult{
		RunID: runID, EquityCurve: equity, Trades: trades, Metrics: metrics,
		SlippageSeed: cfg.SlippageSeed, CompletedAt: time.Now().UTC(),
	}, nil
}
