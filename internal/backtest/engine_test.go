package backtest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/internal/bot"
	"github.com/titancore/futurescore/pkg/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type fakeCandleSource struct {
	candles []types.Candle
}

func (f *fakeCandleSource) LoadCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Candle, error) {
	return f.candles, nil
}

type fakeProgressSink struct {
	events []types.BacktestProgressEvent
}

func (f *fakeProgressSink) PublishBacktestProgress(e types.BacktestProgressEvent) {
	f.events = append(f.events, e)
}

// buyAndHoldStrategy buys once on the first tick and never trades again —
// enough to exercise the replay loop without depending on a specific C8
// strategy's internals.
type buyAndHoldStrategy struct {
	router bot.Router
	bought bool
}

func (s *buyAndHoldStrategy) OnTick(ctx context.Context, event types.MarketTickEvent) error {
	if s.bought {
		return nil
	}
	s.bought = true
	_, err := s.router.PlaceOrder(ctx, types.Order{
		Symbol: event.Symbol, Side: types.Buy, Type: types.OrderMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	return err
}
func (s *buyAndHoldStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error       { return nil }
func (s *buyAndHoldStrategy) OnPositionUpdate(ctx context.Context, position types.Position) error { return nil }
func (s *buyAndHoldStrategy) Checkpoint() map[string]any                                      { return nil }
func (s *buyAndHoldStrategy) Restore(state map[string]any)                                    {}

func candleSeries(n int, start types.D, step types.D) []types.Candle {
	out := make([]types.Candle, 0, n)
	price := start
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := price.Add(step)
		out = append(out, types.Candle{
			Symbol: "ETHUSDT", Interval: "1h",
			OpenTime: base.Add(time.Duration(i) * time.Hour), CloseTime: base.Add(time.Duration(i+1) * time.Hour),
			Open: price, High: price.Add(step).Add(decimal.NewFromInt(1)), Low: price.Sub(decimal.NewFromInt(1)),
			Close: close, Volume: decimal.NewFromInt(1000), Closed: true,
		})
		price = close
	}
	return out
}

func baseConfig() types.BacktestConfig {
	return types.BacktestConfig{
		Symbol: "ETHUSDT", Timeframe: "1h",
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		StartingBalance: decimal.NewFromInt(10000),
		Commission:      types.CommissionNone,
		Slippage:        types.SlippageNone,
	}
}

func TestRunReplaysCandlesAndProducesResult(t *testing.T) {
	t.Parallel()
	candles := candleSeries(250, decimal.NewFromInt(1000), decimal.NewFromInt(1))
	source := &fakeCandleSource{candles: candles}
	progress := &fakeProgressSink{}
	engine := New(source, progress, discardLogger())

	cfg := baseConfig()
	broker := NewSimulatedBroker(cfg)
	strategy := &buyAndHoldStrategy{router: broker}

	result, err := engine.Run(context.Background(), "run-1", cfg, strategy)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "run-1", result.RunID)
	require.Len(t, result.EquityCurve, len(candles))
	require.Len(t, result.Trades, 1)
	require.Equal(t, types.Buy, result.Trades[0].Side)

	// 250 candles -> progress events at 100 and 200
	require.Len(t, progress.events, 2)
	require.Equal(t, 100, progress.events[0].CandlesProcessed)
	require.Equal(t, 200, progress.events[1].CandlesProcessed)
	require.Equal(t, len(candles), progress.events[0].TotalCandles)
}

func TestRunIsDeterministicGivenIdenticalConfigAndSeed(t *testing.T) {
	t.Parallel()
	candles := candleSeries(120, decimal.NewFromInt(1000), decimal.NewFromInt(2))
	cfg := baseConfig()
	cfg.Slippage = types.SlippageRandomBound
	cfg.SlippageBps = decimal.NewFromInt(10)
	cfg.SlippageSeed = 42

	run := func() *types.BacktestResult {
		source := &fakeCandleSource{candles: candles}
		engine := New(source, nil, discardLogger())
		broker := NewSimulatedBroker(cfg)
		strategy := &buyAndHoldStrategy{router: broker}
		result, err := engine.Run(context.Background(), "run-det", cfg, strategy)
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()
	require.Equal(t, first.Trades[0].Price.String(), second.Trades[0].Price.String())
	require.Equal(t, first.Metrics, second.Metrics)
}

func TestRunAppliesCommissionAndSlippage(t *testing.T) {
	t.Parallel()
	candles := candleSeries(5, decimal.NewFromInt(1000), decimal.NewFromInt(1))
	cfg := baseConfig()
	cfg.Commission = types.CommissionPercentage
	cfg.CommissionRate = decimal.RequireFromString("0.001")
	cfg.Slippage = types.SlippageFixed
	cfg.SlippageBps = decimal.NewFromInt(5)

	source := &fakeCandleSource{candles: candles}
	engine := New(source, nil, discardLogger())
	broker := NewSimulatedBroker(cfg)
	strategy := &buyAndHoldStrategy{router: broker}

	result, err := engine.Run(context.Background(), "run-fee", cfg, strategy)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	require.True(t, result.Trades[0].Commission.IsPositive())
	require.True(t, result.Trades[0].Slippage.IsPositive())
	// buy slippage moves the fill price above the candle open it filled at
	require.True(t, result.Trades[0].Price.GreaterThan(candles[0].Open))
}

func TestRunCancellationPersistsNoResult(t *testing.T) {
	t.Parallel()
	candles := candleSeries(300, decimal.NewFromInt(1000), decimal.NewFromInt(1))
	source := &fakeCandleSource{candles: candles}
	progress := &fakeProgressSink{}
	engine := New(source, progress, discardLogger())

	cfg := baseConfig()
	broker := NewSimulatedBroker(cfg)
	strategy := &buyAndHoldStrategy{router: broker}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, "run-cancel", cfg, strategy)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestRunErrorsOnEmptyCandleRange(t *testing.T) {
	t.Parallel()
	source := &fakeCandleSource{candles: nil}
	engine := New(source, nil, discardLogger())
	cfg := baseConfig()
	broker := NewSimulatedBroker(cfg)
	strategy := &buyAndHoldStrategy{router: broker}

	_, err := engine.Run(context.Background(), "run-empty", cfg, strategy)
	require.Error(t, err)
}
