// Package router implements the Order Router (C6): normalizes, risk-gates,
// submits, and reconciles orders against a venue, and drives the order
// status state machine. It plays the role the reference bot's engine
// loop played for its cancel/place convergence logic, generalized from a
// single quote-pair diff to a full per-order lifecycle with idempotent
// client order IDs and venue reconciliation.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/idgen"
	"github.com/titancore/futurescore/pkg/types"
)

// VenueClient is the subset of the exchange adapter the router needs.
type VenueClient interface {
	PlaceOrder(ctx context.Context, order types.Order) (venueOrderID string, status types.OrderStatus, err error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
}

// RiskGate is implemented by the Risk Engine.
type RiskGate interface {
	EvaluateNewOrder(ctx context.Context, userID string, order types.Order) (risk.Evaluation, error)
}

// Store is the persistence surface the router needs.
type Store interface {
	SaveOrder(ctx context.Context, order types.Order) error
	LoadOrder(ctx context.Context, orderID string) (types.Order, error)
	LoadOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, bool, error)
}

// EventSink receives order lifecycle notifications for the Client
// Distribution Hub to fan out.
type EventSink interface {
	PublishOrderUpdated(types.OrderUpdatedEvent)
}

// SymbolStore looks up a venue's trading rules for one symbol, the tick/
// lot/minNotional catalog normalize enforces before an order ever reaches
// a venue.
type SymbolStore interface {
	Symbol(venue, symbol string) (types.Symbol, bool)
}

// BalanceGate reports how much margin userID has free to open new
// exposure with, satisfied by the Portfolio Store.
type BalanceGate interface {
	AvailableBalance(userID string) types.D
}

// SymbolCatalog is a static, in-memory SymbolStore built once at startup
// from configuration.
type SymbolCatalog struct {
	bySymbol map[string]types.Symbol // venue|symbol -> rules
}

// NewSymbolCatalog indexes symbols by venue and base+quote pair.
func NewSymbolCatalog(symbols []types.Symbol) *SymbolCatalog {
	c := &SymbolCatalog{bySymbol: make(map[string]types.Symbol, len(symbols))}
	for _, sym := range symbols {
		c.bySymbol[sym.Venue+"|"+sym.String()] = sym
	}
	return c
}

// Symbol returns the trading rules for venue/symbol, if known.
func (c *SymbolCatalog) Symbol(venue, symbol string) (types.Symbol, bool) {
	sym, ok := c.bySymbol[venue+"|"+symbol]
	return sym, ok
}

// transitions is the order status state machine (spec §4.2): a pure table
// of which statuses may follow which. Anything not listed is rejected,
// except that CanTransition always accepts a status following itself.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderPending:         {types.OrderNew, types.OrderRejected},
	types.OrderNew:             {types.OrderPartiallyFilled, types.OrderFilled, types.OrderCancelled, types.OrderExpired},
	types.OrderPartiallyFilled: {types.OrderPartiallyFilled, types.OrderFilled, types.OrderCancelled, types.OrderExpired},
}

// CanTransition reports whether an order may move from `from` to `to`.
func CanTransition(from, to types.OrderStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Router places, cancels, and reconciles orders for every user.
type Router struct {
	venues  map[string]VenueClient // venue name -> client
	risk    RiskGate
	store   Store
	events  EventSink
	symbols SymbolStore
	balance BalanceGate
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-orderID serialization
}

// New constructs a Router. venues maps venue name to its exchange client.
// symbols supplies tick/lot/minNotional rounding and rejection; balance
// supplies the margin check PlaceOrder runs before submitting to a venue.
func New(venues map[string]VenueClient, risk RiskGate, store Store, events EventSink, symbols SymbolStore, balance BalanceGate, logger *slog.Logger) *Router {
	return &Router{
		venues:  venues,
		risk:    risk,
		store:   store,
		events:  events,
		symbols: symbols,
		balance: balance,
		logger:  logger.With("component", "router"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Router) lockFor(orderID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.locks[orderID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[orderID] = m
	}
	return m
}

// PlaceOrder normalizes, risk-gates, persists, submits, and updates one
// order end to end: normalize -> clientOrderId -> risk gate -> persist
// pending -> submit -> update+emit (spec §4.6 placeOrder pipeline).
func (r *Router) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	sym, ok := r.symbols.Symbol(order.Venue, order.Symbol)
	if !ok {
		return types.Order{}, corerr.New(corerr.ValidationError,
			fmt.Sprintf("unknown symbol %s on venue %s", order.Symbol, order.Venue))
	}
	order, err := normalize(order, sym)
	if err != nil {
		return types.Order{}, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = idgen.New()
	}

	if existing, found, err := r.store.LoadOrderByClientID(ctx, order.ClientOrderID); err != nil {
		return types.Order{}, fmt.Errorf("idempotency check: %w", err)
	} else if found {
		return existing, nil
	}

	// ReduceOnly orders flatten existing exposure rather than opening new
	// risk, so they never need fresh margin — and market orders have no
	// Price to size a pre-trade notional against.
	if !order.ReduceOnly && order.Price != nil {
		leverage := decimal.NewFromInt(int64(order.Leverage))
		if leverage.LessThanOrEqual(types.Zero) {
			leverage = types.One
		}
		required := order.Quantity.Mul(*order.Price).Div(leverage)
		if available := r.balance.AvailableBalance(order.UserID); required.GreaterThan(available) {
			return types.Order{}, corerr.New(corerr.InsufficientBal,
				fmt.Sprintf("required margin %s exceeds available balance %s", required.String(), available.String()))
		}
	}

	eval, err := r.risk.EvaluateNewOrder(ctx, order.UserID, order)
	if err != nil {
		return types.Order{}, fmt.Errorf("risk evaluation: %w", err)
	}
	if eval.Decision == risk.DecisionViolation {
		return types.Order{}, corerr.New(corerr.RiskViolation, fmt.Sprintf("order rejected by risk engine: %v", eval.Reasons))
	}

	order.Status = types.OrderPending
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return types.Order{}, fmt.Errorf("persist pending order: %w", err)
	}

	venue, ok := r.venues[order.Venue]
	if !ok {
		return r.markRejected(ctx, order, "unknown venue "+order.Venue)
	}

	venueOrderID, status, err := venue.PlaceOrder(ctx, order)
	if err != nil {
		return r.markRejected(ctx, order, err.Error())
	}

	prevStatus := order.Status
	order.VenueOrderID = venueOrderID
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return types.Order{}, fmt.Errorf("persist submitted order: %w", err)
	}

	r.events.PublishOrderUpdated(types.OrderUpdatedEvent{Order: order, PrevStatus: prevStatus, VenueTimestamp: order.UpdatedAt})
	return order, nil
}

func (r *Router) markRejected(ctx context.Context, order types.Order, reason string) (types.Order, error) {
	prevStatus := order.Status
	order.Status = types.OrderRejected
	order.UpdatedAt = time.Now().UTC()
	_ = r.store.SaveOrder(ctx, order)
	r.events.PublishOrderUpdated(types.OrderUpdatedEvent{Order: order, PrevStatus: prevStatus, VenueTimestamp: order.UpdatedAt})
	return order, fmt.Errorf("order rejected: %s", reason)
}

// normalize rounds quantity and price down to the symbol's lot and tick
// sizes and rejects the order if the resulting notional falls below
// minNotional, so nothing that would be rejected outright at the venue
// ever leaves the router.
func normalize(order types.Order, sym types.Symbol) (types.Order, error) {
	if order.TimeInForce == "" {
		order.TimeInForce = types.TIFGTC
	}
	if order.PositionSide == "" {
		order.PositionSide = types.PosBoth
	}

	order.Quantity = roundToStep(order.Quantity, sym.LotSize)
	if order.Price != nil {
		rounded := roundToStep(*order.Price, sym.TickSize)
		order.Price = &rounded
	}

	if order.Price != nil && sym.MinNotional.IsPositive() {
		notional := order.Quantity.Mul(*order.Price)
		if notional.LessThan(sym.MinNotional) {
			return types.Order{}, corerr.New(corerr.ValidationError,
				fmt.Sprintf("order notional %s below minimum %s for %s", notional.String(), sym.MinNotional.String(), sym.String()))
		}
	}
	return order, nil
}

// roundToStep floors value down to the nearest multiple of step. A
// zero or negative step leaves value untouched, since some symbols
// (and every test fixture that doesn't care about precision) leave
// tick/lot sizes unset.
func roundToStep(value, step types.D) types.D {
	if step.LessThanOrEqual(types.Zero) {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// CancelOrder cancels a resting order, serialized per order ID so a
// concurrent fill and cancel on the same order never race.
func (r *Router) CancelOrder(ctx context.Context, orderID string) error {
	lock := r.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := r.store.LoadOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order.Status.Terminal() {
		return nil
	}

	venue, ok := r.venues[order.Venue]
	if !ok {
		return fmt.Errorf("unknown venue %s", order.Venue)
	}
	if err := venue.CancelOrder(ctx, order.Symbol, order.VenueOrderID); err != nil {
		return fmt.Errorf("cancel at venue: %w", err)
	}

	prevStatus := order.Status
	order.Status = types.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("persist cancelled order: %w", err)
	}
	r.events.PublishOrderUpdated(types.OrderUpdatedEvent{Order: order, PrevStatus: prevStatus, VenueTimestamp: order.UpdatedAt})
	return nil
}

// ReconcileOrder folds a venue-originated fill/status update into the
// local order record, serialized per order ID. An update is screened only
// against the status transition table, so one that would move a terminal
// order is dropped. Its venue timestamp and venueTradeId are not compared
// with the stored record: a late or repeated update that the table allows
// is applied, and its fill quantity is added again.
func (r *Router) ReconcileOrder(ctx context.Context, update types.OrderUpdatedEvent) error {
	orderID := update.Order.ClientOrderID
	lock := r.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := r.store.LoadOrderByClientID(ctx, update.Order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if !found {
		return fmt.Errorf("reconcile: unknown client order id %s", update.Order.ClientOrderID)
	}

	if !CanTransition(existing.Status, update.Order.Status) {
		r.logger.Warn("ignoring invalid order transition",
			"order", existing.ID, "from", existing.Status, "to", update.Order.Status)
		return nil
	}

	prevStatus := existing.Status
	if update.FillQty != nil {
		existing.FilledQty = existing.FilledQty.Add(*update.FillQty)
	}
	if update.FillPrice != nil {
		existing.AvgFillPrice = *update.FillPrice
	}
	existing.Status = update.Order.Status
	existing.VenueOrderID = update.Order.VenueOrderID
	existing.UpdatedAt = update.VenueTimestamp

	if err := r.store.SaveOrder(ctx, existing); err != nil {
		return fmt.Errorf("persist reconciled order: %w", err)
	}

	update.Order = existing
	update.PrevStatus = prevStatus
	r.events.PublishOrderUpdated(update)
	return nil
}
