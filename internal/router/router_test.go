package router

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type fakeVenue struct {
	mu          sync.Mutex
	placeStatus types.OrderStatus
	placeErr    error
	cancelErr   error
	placed      []types.Order
	cancelled   []string
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, order types.Order) (string, types.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	if f.placeErr != nil {
		return "", types.OrderRejected, f.placeErr
	}
	return "venue-" + order.ClientOrderID, f.placeStatus, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, venueOrderID)
	return f.cancelErr
}

type fakeRiskGate struct {
	decision risk.Decision
	reasons  []string
}

func (f *fakeRiskGate) EvaluateNewOrder(ctx context.Context, userID string, order types.Order) (risk.Evaluation, error) {
	return risk.Evaluation{Decision: f.decision, Reasons: f.reasons}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]types.Order
	byClient map[string]types.Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]types.Order), byClient: make(map[string]types.Order)}
}

func (s *fakeStore) SaveOrder(ctx context.Context, order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == "" {
		order.ID = order.ClientOrderID
	}
	s.byID[order.ID] = order
	s.byClient[order.ClientOrderID] = order
	return nil
}

func (s *fakeStore) LoadOrder(ctx context.Context, orderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[orderID], nil
}

func (s *fakeStore) LoadOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byClient[clientOrderID]
	return o, ok, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []types.OrderUpdatedEvent
}

func (f *fakeEvents) PublishOrderUpdated(e types.OrderUpdatedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

// fakeSymbols is a SymbolStore stub that always resolves to a fixed
// symbol, ignoring the venue/symbol it was asked for.
type fakeSymbols struct {
	sym types.Symbol
	ok  bool
}

func (f fakeSymbols) Symbol(venue, symbol string) (types.Symbol, bool) { return f.sym, f.ok }

func defaultTestSymbol() types.Symbol {
	return types.Symbol{
		Venue: "binance-futures", Base: "BTC", Quote: "USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		LotSize:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromFloat(10),
	}
}

type fakeBalance struct{ available types.D }

func (f fakeBalance) AvailableBalance(userID string) types.D { return f.available }

// newTestRouter wires a Router with a permissive symbol catalog and
// effectively unlimited balance, the shared defaults every test other
// than the ones specifically exercising normalize/balance overrides.
func newTestRouter(venues map[string]VenueClient, gate RiskGate, store Store, events EventSink) *Router {
	return New(venues, gate, store, events,
		fakeSymbols{sym: defaultTestSymbol(), ok: true},
		fakeBalance{available: decimal.NewFromFloat(1_000_000)},
		discardLogger())
}

func newTestOrder() types.Order {
	price := decimal.NewFromFloat(50000)
	return types.Order{
		UserID:   "user-1",
		Venue:    "binance-futures",
		Symbol:   "BTCUSDT",
		Side:     types.Buy,
		Type:     types.OrderLimit,
		Quantity: decimal.NewFromFloat(0.01),
		Price:    &price,
	}
}

func TestPlaceOrderHappyPath(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	placed, err := r.PlaceOrder(context.Background(), newTestOrder())
	require.NoError(t, err)
	require.Equal(t, types.OrderNew, placed.Status)
	require.NotEmpty(t, placed.ClientOrderID)
	require.NotEmpty(t, placed.VenueOrderID)
	require.Len(t, venue.placed, 1)
	require.Len(t, events.events, 1)
	require.Equal(t, types.OrderPending, events.events[0].PrevStatus)
}

func TestPlaceOrderIsIdempotentOnClientOrderID(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	order := newTestOrder()
	order.ClientOrderID = "fixed-cid"

	first, err := r.PlaceOrder(context.Background(), order)
	require.NoError(t, err)

	second, err := r.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, first.ClientOrderID, second.ClientOrderID)
	require.Len(t, venue.placed, 1, "second call must not resubmit to the venue")
}

func TestPlaceOrderRejectedByRiskGateNeverReachesVenue(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionViolation, reasons: []string{"max position size exceeded"}}, store, events)

	_, err := r.PlaceOrder(context.Background(), newTestOrder())
	require.Error(t, err)
	require.Empty(t, venue.placed)
}

func TestPlaceOrderUnknownVenueMarksRejected(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	order := newTestOrder()
	order.Venue = "nonexistent"
	_, err := r.PlaceOrder(context.Background(), order)
	require.Error(t, err)
	require.Len(t, events.events, 1)
	require.Equal(t, types.OrderRejected, events.events[0].Order.Status)
}

func TestCancelOrderSkipsTerminalOrders(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	order := newTestOrder()
	order.ID = "order-1"
	order.ClientOrderID = "order-1"
	order.Status = types.OrderFilled
	require.NoError(t, store.SaveOrder(context.Background(), order))

	require.NoError(t, r.CancelOrder(context.Background(), "order-1"))
	require.Empty(t, venue.cancelled)
}

func TestCancelOrderCancelsRestingOrder(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	order := newTestOrder()
	order.ID = "order-2"
	order.ClientOrderID = "order-2"
	order.VenueOrderID = "venue-order-2"
	order.Status = types.OrderNew
	require.NoError(t, store.SaveOrder(context.Background(), order))

	require.NoError(t, r.CancelOrder(context.Background(), "order-2"))
	require.Len(t, venue.cancelled, 1)

	loaded, _ := store.LoadOrder(context.Background(), "order-2")
	require.Equal(t, types.OrderCancelled, loaded.Status)
}

func TestReconcileOrderAppliesFillAndRejectsInvalidTransition(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{}
	store := newFakeStore()
	events := &fakeEvents{}
	r := newTestRouter(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events)

	order := newTestOrder()
	order.ID = "order-3"
	order.ClientOrderID = "order-3"
	order.Status = types.OrderNew
	require.NoError(t, store.SaveOrder(context.Background(), order))

	fillQty := decimal.NewFromFloat(0.01)
	fillPrice := decimal.NewFromFloat(50010)
	filled := order
	filled.Status = types.OrderFilled
	require.NoError(t, r.ReconcileOrder(context.Background(), types.OrderUpdatedEvent{
		Order:     filled,
		FillQty:   &fillQty,
		FillPrice: &fillPrice,
	}))

	loaded, _ := store.LoadOrder(context.Background(), "order-3")
	require.Equal(t, types.OrderFilled, loaded.Status)
	require.True(t, loaded.FilledQty.Equal(fillQty))

	// filled -> new is not a valid transition; must be ignored, not errored.
	backToNew := loaded
	backToNew.Status = types.OrderNew
	require.NoError(t, r.ReconcileOrder(context.Background(), types.OrderUpdatedEvent{Order: backToNew}))

	stillFilled, _ := store.LoadOrder(context.Background(), "order-3")
	require.Equal(t, types.OrderFilled, stillFilled.Status)
}

func TestPlaceOrderRoundsToLotAndTickSizes(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	sym := types.Symbol{
		Venue: "binance-futures", Base: "BTC", Quote: "USDT",
		TickSize: decimal.NewFromFloat(0.5), LotSize: decimal.NewFromFloat(0.01), MinNotional: decimal.NewFromFloat(100),
	}
	r := New(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events,
		fakeSymbols{sym: sym, ok: true}, fakeBalance{available: decimal.NewFromFloat(1_000_000)}, discardLogger())

	order := newTestOrder()
	price := decimal.NewFromFloat(50000.37)
	order.Price = &price
	order.Quantity = decimal.NewFromFloat(0.017)

	placed, err := r.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	require.True(t, placed.Quantity.Equal(decimal.NewFromFloat(0.01)), "quantity = %s", placed.Quantity)
	require.True(t, placed.Price.Equal(decimal.NewFromFloat(50000)), "price = %s", placed.Price)
}

func TestPlaceOrderRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	sym := types.Symbol{
		Venue: "binance-futures", Base: "BTC", Quote: "USDT",
		TickSize: decimal.NewFromFloat(0.01), LotSize: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromFloat(1000),
	}
	r := New(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events,
		fakeSymbols{sym: sym, ok: true}, fakeBalance{available: decimal.NewFromFloat(1_000_000)}, discardLogger())

	order := newTestOrder()
	tinyPrice := decimal.NewFromFloat(100)
	order.Price = &tinyPrice
	order.Quantity = decimal.NewFromFloat(0.001)

	_, err := r.PlaceOrder(context.Background(), order)
	require.Error(t, err)
	require.Equal(t, corerr.ValidationError, corerr.KindOf(err))
	require.Empty(t, venue.placed)
}

func TestPlaceOrderFailsInsufficientBalance(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	r := New(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events,
		fakeSymbols{sym: defaultTestSymbol(), ok: true}, fakeBalance{available: decimal.Zero}, discardLogger())

	_, err := r.PlaceOrder(context.Background(), newTestOrder())
	require.Error(t, err)
	require.Equal(t, corerr.InsufficientBal, corerr.KindOf(err))
	require.Empty(t, venue.placed)
}

func TestPlaceOrderReduceOnlySkipsBalanceCheck(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeStatus: types.OrderNew}
	store := newFakeStore()
	events := &fakeEvents{}
	r := New(map[string]VenueClient{"binance-futures": venue}, &fakeRiskGate{decision: risk.DecisionAllowed}, store, events,
		fakeSymbols{sym: defaultTestSymbol(), ok: true}, fakeBalance{available: decimal.Zero}, discardLogger())

	order := newTestOrder()
	order.ReduceOnly = true
	_, err := r.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, venue.placed, 1)
}

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()
	require.True(t, CanTransition(types.OrderPending, types.OrderNew))
	require.True(t, CanTransition(types.OrderPending, types.OrderRejected))
	require.False(t, CanTransition(types.OrderPending, types.OrderFilled))
	require.True(t, CanTransition(types.OrderNew, types.OrderPartiallyFilled))
	require.True(t, CanTransition(types.OrderPartiallyFilled, types.OrderFilled))
	require.False(t, CanTransition(types.OrderFilled, types.OrderNew))
	require.True(t, CanTransition(types.OrderFilled, types.OrderFilled))
}
