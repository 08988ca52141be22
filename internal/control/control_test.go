package control

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/internal/backtest"
	"github.com/titancore/futurescore/internal/bot"
	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/internal/distribution"
	"github.com/titancore/futurescore/internal/marketdata"
	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/internal/queue"
	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/internal/router"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// fakeStore is an in-memory implementation of control.Store for tests.
type fakeStore struct {
	mu          sync.Mutex
	bots        map[string]types.Bot
	strategies  map[string]types.Strategy
	riskLimits  map[string]types.RiskLimit
	connections map[string]types.ExchangeConnection
	backtests   map[string]types.BacktestRun
	orders      map[string]types.Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:        make(map[string]types.Bot),
		strategies:  make(map[string]types.Strategy),
		riskLimits:  make(map[string]types.RiskLimit),
		connections: make(map[string]types.ExchangeConnection),
		backtests:   make(map[string]types.BacktestRun),
		orders:      make(map[string]types.Order),
	}
}

func (s *fakeStore) SaveBot(_ context.Context, b types.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[b.ID] = b
	return nil
}
func (s *fakeStore) GetBot(_ context.Context, botID string) (types.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return types.Bot{}, errNotFound
	}
	return b, nil
}
func (s *fakeStore) DeleteBot(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	return nil
}
func (s *fakeStore) ListBotsByUser(_ context.Context, userID string) ([]types.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Bot
	for _, b := range s.bots {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}
func (s *fakeStore) GetStrategy(_ context.Context, strategyID string) (types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return types.Strategy{}, errNotFound
	}
	return st, nil
}
func (s *fakeStore) SaveStrategy(_ context.Context, st types.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[st.ID] = st
	return nil
}
func (s *fakeStore) SaveRiskLimit(_ context.Context, l types.RiskLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskLimits[l.ID] = l
	return nil
}
func (s *fakeStore) GetRiskLimit(_ context.Context, limitID string) (types.RiskLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.riskLimits[limitID]
	if !ok {
		return types.RiskLimit{}, errNotFound
	}
	return l, nil
}
func (s *fakeStore) DeleteRiskLimit(_ context.Context, limitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.riskLimits, limitID)
	return nil
}
func (s *fakeStore) SaveExchangeConnection(_ context.Context, c types.ExchangeConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
	return nil
}
func (s *fakeStore) GetExchangeConnection(_ context.Context, connID string) (types.ExchangeConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connID]
	if !ok {
		return types.ExchangeConnection{}, errNotFound
	}
	return c, nil
}
func (s *fakeStore) DeleteExchangeConnection(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connID)
	return nil
}
func (s *fakeStore) SaveBacktestRun(_ context.Context, r types.BacktestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtests[r.ID] = r
	return nil
}
func (s *fakeStore) GetBacktestRun(_ context.Context, runID string) (types.BacktestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.backtests[runID]
	if !ok {
		return types.BacktestRun{}, errNotFound
	}
	return r, nil
}
func (s *fakeStore) GetOrder(_ context.Context, orderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, errNotFound
	}
	return o, nil
}
func (s *fakeStore) ListOpenOrders(_ context.Context, userID string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.UserID == userID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

var errNotFound = corerr.New(corerr.NotFound, "not found")

// fakeVenue is a minimal router.VenueClient that always accepts.
type fakeVenue struct {
	mu     sync.Mutex
	placed []types.Order
}

func (f *fakeVenue) PlaceOrder(_ context.Context, order types.Order) (string, types.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	return "venue-" + order.ClientOrderID, types.OrderNew, nil
}
func (f *fakeVenue) CancelOrder(_ context.Context, symbol, venueOrderID string) error { return nil }

// fakeRiskStore backs risk.Manager with no configured limits, so every
// evaluation allows.
type fakeRiskStore struct{}

func (fakeRiskStore) ListLimits(_ context.Context, userID, botID string) ([]types.RiskLimit, error) {
	return nil, nil
}
func (fakeRiskStore) SaveAlert(_ context.Context, alert types.RiskAlert) error { return nil }
func (fakeRiskStore) ListOpenAlerts(_ context.Context, userID string) ([]types.RiskAlert, error) {
	return nil, nil
}
func (fakeRiskStore) ResolveAlert(_ context.Context, alertID string) error { return nil }

// routerStoreAdapter lets the fakeStore's order map double as router.Store
// for these tests (same shape, different consumer interface).
type routerStoreAdapter struct{ store *fakeStore }

func (a *routerStoreAdapter) SaveOrder(_ context.Context, order types.Order) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if order.ID == "" {
		order.ID = order.ClientOrderID
	}
	a.store.orders[order.ID] = order
	return nil
}
func (a *routerStoreAdapter) LoadOrder(_ context.Context, orderID string) (types.Order, error) {
	return a.store.GetOrder(context.Background(), orderID)
}
func (a *routerStoreAdapter) LoadOrderByClientID(_ context.Context, clientOrderID string) (types.Order, bool, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	for _, o := range a.store.orders {
		if o.ClientOrderID == clientOrderID {
			return o, true, nil
		}
	}
	return types.Order{}, false, nil
}

type planeFixture struct {
	plane *Plane
	store *fakeStore
	venue *fakeVenue
}

func newPlaneFixture(t *testing.T) *planeFixture {
	t.Helper()
	logger := discardLogger()
	store := newFakeStore()
	venue := &fakeVenue{}

	portfolios := portfolio.New(logger)
	portfolios.SetBalance("user-1", decimal.NewFromFloat(1_000_000))
	riskMgr := risk.NewManager(fakeRiskStore{}, portfolios, nil, time.Hour, logger)

	symbolCatalog := router.NewSymbolCatalog([]types.Symbol{
		{Venue: "binance-futures", Base: "BTC", Quote: "USDT",
			TickSize: decimal.NewFromFloat(0.01), LotSize: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromFloat(10)},
	})
	rtr := router.New(map[string]router.VenueClient{"binance-futures": venue}, riskMgr, &routerStoreAdapter{store}, &noopEvents{}, symbolCatalog, portfolios, logger)

	marketHub := marketdata.New(logger)
	c := cache.New("127.0.0.1:0", 0)
	jobs := queue.New(c, logger)
	scheduler := queue.NewScheduler(jobs, logger)
	btEngine := backtest.New(&noopCandles{}, nil, logger)
	distHub := distribution.NewHub(marketHub, logger)

	plane := New(store, rtr, riskMgr, portfolios, marketHub, jobs, scheduler, btEngine, distHub, c, 2, time.Second, logger)

	// risk.NewManager takes its EmergencyActions at construction, before
	// the Plane exists; main.go bridges that with a proxy back-filled after
	// control.New. This fixture's riskMgr passes nil actions: the
	// emergency-stop test calls f.plane.EmergencyStop on this same fixture,
	// which reaches the Plane's own cancel/close/stop paths directly.
	return &planeFixture{plane: plane, store: store, venue: venue}
}

type noopEvents struct{}

func (noopEvents) PublishOrderUpdated(types.OrderUpdatedEvent) {}

type noopCandles struct{}

func (noopCandles) LoadCandles(_ context.Context, symbol, timeframe string, start, end time.Time) ([]types.Candle, error) {
	return nil, nil
}

func TestCreateBotRejectsStrategyOwnedByAnotherUser(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	f.store.SaveStrategy(ctx, types.Strategy{ID: "strat-1", UserID: "owner", Type: types.StrategyDCA})

	_, err := f.plane.CreateBot(ctx, "intruder", "strat-1", nil)
	require.Error(t, err)
	require.Equal(t, corerr.NotFound, corerr.KindOf(err))
}

func TestCreateBotPersistsPendingBot(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	f.store.SaveStrategy(ctx, types.Strategy{ID: "strat-1", UserID: "user-1", Type: types.StrategyDCA})

	botID, err := f.plane.CreateBot(ctx, "user-1", "strat-1", map[string]any{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	require.NotEmpty(t, botID)

	b, err := f.store.GetBot(ctx, botID)
	require.NoError(t, err)
	require.Equal(t, types.BotPending, b.Status)
	require.Equal(t, "user-1", b.UserID)
}

func TestDeleteBotRejectsWhileActive(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	b := types.Bot{ID: "bot-1", UserID: "user-1", Status: types.BotActive}
	f.store.SaveBot(ctx, b)

	err := f.plane.DeleteBot(ctx, "user-1", "bot-1")
	require.Error(t, err)
	require.Equal(t, corerr.InvalidState, corerr.KindOf(err))
}

func TestCancelOrderRejectsNonOwnerAndTerminalOrders(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	f.store.orders["order-1"] = types.Order{ID: "order-1", UserID: "user-1", Status: types.OrderNew}
	err := f.plane.CancelOrder(ctx, "someone-else", "order-1")
	require.Error(t, err)
	require.Equal(t, corerr.NotFound, corerr.KindOf(err))

	f.store.orders["order-2"] = types.Order{ID: "order-2", UserID: "user-1", Status: types.OrderFilled}
	err = f.plane.CancelOrder(ctx, "user-1", "order-2")
	require.Error(t, err)
	require.Equal(t, corerr.NotCancellable, corerr.KindOf(err))
}

func TestEnqueueJobRejectsUnknownHandler(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	_, err := f.plane.EnqueueJob(ctx, "user-1", "nonexistent-handler", nil, types.PriorityNormal, nil)
	require.Error(t, err)
	require.Equal(t, corerr.ValidationError, corerr.KindOf(err))
}

func TestCreateRiskLimitAppliesDefaultFractions(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	limitID, err := f.plane.CreateRiskLimit(ctx, "user-1", "", types.RiskLimit{
		Type:      types.LimitMaxPositionSize,
		Threshold: decimal.NewFromFloat(10000),
		Enabled:   true,
	})
	require.NoError(t, err)

	limit, err := f.store.GetRiskLimit(ctx, limitID)
	require.NoError(t, err)
	require.True(t, limit.WarningFraction.Equal(types.DefaultWarningFraction))
	require.True(t, limit.CriticalFraction.Equal(types.DefaultCriticalFraction))
}

func TestCloseAllPositionsSubmitsReduceOnlyOppositeSideOrders(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	portfolios := portfolio.New(discardLogger())
	f.plane.portfolios = portfolios
	_, err := portfolios.ApplyFill("user-1", "binance-futures", "BTCUSDT", types.Buy,
		decimal.NewFromFloat(50000), decimal.NewFromFloat(1), decimal.Zero, time.Now())
	require.NoError(t, err)

	err = f.plane.CloseAllPositions(ctx, "user-1")
	require.NoError(t, err)

	f.venue.mu.Lock()
	defer f.venue.mu.Unlock()
	require.Len(t, f.venue.placed, 1)
	require.Equal(t, types.Sell, f.venue.placed[0].Side)
	require.True(t, f.venue.placed[0].ReduceOnly)
}

func TestEmergencyStopReturnsSummaryAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	f.store.mu.Lock()
	f.store.orders["o1"] = types.Order{ID: "o1", UserID: "user-1", Status: types.OrderNew}
	f.store.orders["o2"] = types.Order{ID: "o2", UserID: "user-1", Status: types.OrderNew}
	f.store.mu.Unlock()

	_, err := f.plane.portfolios.ApplyFill("user-1", "binance-futures", "BTCUSDT", types.Buy,
		decimal.NewFromFloat(50000), decimal.NewFromFloat(1), decimal.Zero, time.Now())
	require.NoError(t, err)

	summary, err := f.plane.EmergencyStop(ctx, "user-1", "manual trigger")
	require.NoError(t, err)
	require.Equal(t, 2, summary.OrdersCancelled)
	require.Equal(t, 1, summary.PositionsClosed)
	require.Equal(t, 0, summary.BotsStopped)

	again, err := f.plane.EmergencyStop(ctx, "user-1", "manual trigger")
	require.NoError(t, err)
	require.Equal(t, EmergencyStopSummary{}, again)
}

func TestStopAllBotsOnlyStopsTargetUsersBots(t *testing.T) {
	t.Parallel()
	f := newPlaneFixture(t)
	ctx := context.Background()

	for _, b := range []types.Bot{{ID: "bot-a", UserID: "user-1"}, {ID: "bot-b", UserID: "user-2"}} {
		rt := bot.New(b, idleStrategy{}, nil, nil, nil, discardLogger())
		require.NoError(t, rt.Start(ctx, nil))
		f.plane.mu.Lock()
		f.plane.bots[b.ID] = &runningBot{runtime: rt, userID: b.UserID, cancel: func() {}, done: closedChan()}
		f.plane.mu.Unlock()
	}

	require.NoError(t, f.plane.StopAllBots(ctx, "user-1", "test"))

	f.plane.mu.Lock()
	defer f.plane.mu.Unlock()
	require.NotContains(t, f.plane.bots, "bot-a")
	require.Contains(t, f.plane.bots, "bot-b")
}

// idleStrategy is a bot.Strategy that does nothing, for tests that only
// drive a Runtime's lifecycle.
type idleStrategy struct{}

func (idleStrategy) OnTick(context.Context, types.MarketTickEvent) error    { return nil }
func (idleStrategy) OnOrderUpdate(context.Context, types.Order) error       { return nil }
func (idleStrategy) OnPositionUpdate(context.Context, types.Position) error { return nil }
func (idleStrategy) Checkpoint() map[string]any                             { return nil }
func (idleStrategy) Restore(map[string]any)                                 {}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
