// Package portfolio implements the Portfolio Store (C4): the authoritative
// in-memory view of every user's positions, kept consistent with fills from
// the Order Router and periodic reconciliation against the venue. The fill
// application math generalizes the reference bot's weighted-average-entry/
// realized-PnL inventory tracker from float64 binary-market YES/NO holdings
// to decimal FIFO lots across arbitrary (venue, symbol) pairs.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

// lot is one FIFO entry-price parcel within a position, used to compute
// realized PnL on reduction the same way the reference bot tracked average
// entry price, but preserving per-parcel cost basis instead of collapsing
// immediately to a single running average on every fill.
type lot struct {
	qty   types.D
	price types.D
}

// tracked is the mutable working state for one (user, venue, symbol).
type tracked struct {
	mu       sync.Mutex
	position types.Position
	lots     []lot // same-side open lots, oldest first
}

// Store is the process-wide holder of every user's positions. Reads take
// the map's read lock and the position's own mutex and return snapshots;
// writes serialize per (user, venue, symbol) exactly
// like the reference bot's per-market Inventory, generalized to a shared
// map instead of one instance per market goroutine.
type Store struct {
	logger *slog.Logger

	mu    sync.RWMutex
	byKey map[string]*tracked // key: userID|venue|symbol

	balMu    sync.RWMutex
	balances map[string]types.D // userID -> deposited balance
}

// New constructs an empty Store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:   logger.With("component", "portfolio"),
		byKey:    make(map[string]*tracked),
		balances: make(map[string]types.D),
	}
}

// SetBalance records userID's deposited account balance, as reported by
// the exchange adapter on connection or reconciliation. AvailableBalance
// builds margin headroom on top of whatever is recorded here.
func (s *Store) SetBalance(userID string, balance types.D) {
	s.balMu.Lock()
	defer s.balMu.Unlock()
	s.balances[userID] = balance
}

// AvailableBalance returns userID's deposited balance plus realized and
// unrealized PnL across every open position, less the margin already
// tied up holding those positions — the same equity-minus-used-margin
// figure the reference bot checked before sizing a new order, generalized
// here from a single market to a whole portfolio.
func (s *Store) AvailableBalance(userID string) types.D {
	s.balMu.RLock()
	equity := s.balances[userID]
	s.balMu.RUnlock()

	var usedMargin types.D
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.byKey {
		t.mu.Lock()
		if t.position.UserID == userID && !t.position.Quantity.IsZero() {
			equity = equity.Add(t.position.RealizedPnl).Add(t.position.UnrealizedPnl)
			notional := t.position.Quantity.Abs().Mul(t.position.MarkPrice)
			leverage := decimal.NewFromInt(int64(t.position.Leverage))
			if leverage.LessThanOrEqual(types.Zero) {
				leverage = types.One
			}
			usedMargin = usedMargin.Add(notional.Div(leverage))
		}
		t.mu.Unlock()
	}
	return equity.Sub(usedMargin)
}

func key(userID, venue, symbol string) string {
	return userID + "|" + venue + "|" + symbol
}

func (s *Store) entry(userID, venue, symbol string) *tracked {
	k := key(userID, venue, symbol)

	s.mu.RLock()
	t, ok := s.byKey[k]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.byKey[k]; ok {
		return t
	}
	t = &tracked{
		position: types.Position{
			UserID: userID,
			Venue:  venue,
			Symbol: symbol,
			Side:   types.PosBoth,
			Status: types.PositionOpen,
		},
	}
	s.byKey[k] = t
	return t
}

// ApplyFill folds one trade execution into the position, growing the
// position's weighted-average entry on an increasing fill and realizing
// FIFO PnL on a reducing fill — the same two branches as the reference
// bot's applyYesFill/applyNoFill, decimal-native and side-generic.
func (s *Store) ApplyFill(userID, venue, symbol string, side types.Side, price, qty, fee types.D, tradeTime time.Time) (types.Trade, error) {
	if qty.LessThanOrEqual(types.Zero) {
		return types.Trade{}, corerr.New(corerr.ValidationError, "fill quantity must be positive")
	}
	t := s.entry(userID, venue, symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	signedQty := qty
	if side == types.Sell {
		signedQty = qty.Neg()
	}

	currentQty := t.position.Quantity // positive = long, negative = short, 0 = flat
	sameDirection := currentQty.IsZero() || (currentQty.IsPositive() && side == types.Buy) || (currentQty.IsNegative() && side == types.Sell)

	var realized types.D
	if sameDirection {
		t.lots = append(t.lots, lot{qty: qty, price: price})
		t.position.Quantity = currentQty.Add(signedQty)
		t.position.AvgEntryPrice = weightedAvg(t.lots)
	} else {
		realized, t.lots = reduceFIFO(t.lots, qty, price, currentQty.IsPositive())
		t.position.RealizedPnl = t.position.RealizedPnl.Add(realized).Sub(fee)
		t.position.Quantity = currentQty.Add(signedQty)

		if t.position.Quantity.IsZero() {
			t.lots = nil
			t.position.AvgEntryPrice = types.Zero
			t.position.Status = types.PositionClosed
		} else if t.position.Quantity.Sign() != currentQty.Sign() {
			// Flipped through flat: the remainder opens a new position in
			// the opposite direction at this fill's price.
			remainder := t.position.Quantity.Abs()
			t.lots = []lot{{qty: remainder, price: price}}
			t.position.AvgEntryPrice = price
			t.position.Status = types.PositionOpen
		} else {
			t.position.AvgEntryPrice = weightedAvg(t.lots)
			t.position.Status = types.PositionOpen
		}
	}

	if t.position.Quantity.IsPositive() {
		t.position.Side = types.PosLong
	} else if t.position.Quantity.IsNegative() {
		t.position.Side = types.PosShort
	}
	t.position.UpdatedAt = tradeTime

	trade := types.Trade{
		Venue:    venue,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Fee:      fee,
		Pnl:      realized,
		CreatedAt: tradeTime,
	}
	return trade, nil
}

func weightedAvg(lots []lot) types.D {
	if len(lots) == 0 {
		return types.Zero
	}
	totalCost := types.Zero
	totalQty := types.Zero
	for _, l := range lots {
		totalCost = totalCost.Add(l.qty.Mul(l.price))
		totalQty = totalQty.Add(l.qty)
	}
	if totalQty.IsZero() {
		return types.Zero
	}
	return totalCost.Div(totalQty)
}

// reduceFIFO consumes qty from the oldest lots first, realizing PnL at
// fillPrice against each lot's cost basis, and returns the remaining lots.
func reduceFIFO(lots []lot, qty, fillPrice types.D, wasLong bool) (realized types.D, remaining []lot) {
	realized = types.Zero
	remainingQty := qty

	i := 0
	for i < len(lots) && remainingQty.GreaterThan(types.Zero) {
		l := lots[i]
		consumed := decimal.Min(l.qty, remainingQty)

		diff := fillPrice.Sub(l.price)
		if !wasLong {
			diff = diff.Neg()
		}
		realized = realized.Add(diff.Mul(consumed))

		l.qty = l.qty.Sub(consumed)
		remainingQty = remainingQty.Sub(consumed)
		if l.qty.IsZero() {
			i++
		} else {
			lots[i] = l
		}
	}
	return realized, lots[i:]
}

// UpdateMarkPrice recomputes unrealized PnL for a position given the latest
// mark price from the Market-Data Hub. It does not compute liquidation
// distance.
func (s *Store) UpdateMarkPrice(userID, venue, symbol string, mark types.D) {
	s.mu.RLock()
	t, ok := s.byKey[key(userID, venue, symbol)]
	s.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.position.Quantity.IsZero() {
		return
	}
	t.position.MarkPrice = mark
	diff := mark.Sub(t.position.AvgEntryPrice)
	t.position.UnrealizedPnl = diff.Mul(t.position.Quantity)
}

// Position returns a snapshot of one (user, venue, symbol) position.
func (s *Store) Position(userID, venue, symbol string) (types.Position, bool) {
	s.mu.RLock()
	t, ok := s.byKey[key(userID, venue, symbol)]
	s.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position, true
}

// ActiveUsers lists every userID with at least one tracked position.
func (s *Store) ActiveUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, t := range s.byKey {
		t.mu.Lock()
		if !t.position.Quantity.IsZero() {
			seen[t.position.UserID] = struct{}{}
		}
		t.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out
}

// Positions lists every open (non-zero quantity) position for userID,
// across every (venue, symbol) tracked — consumed by the Control Plane's
// emergency-stop flattening path.
func (s *Store) Positions(userID string) []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Position, 0)
	for _, t := range s.byKey {
		t.mu.Lock()
		if t.position.UserID == userID && !t.position.Quantity.IsZero() {
			out = append(out, t.position)
		}
		t.mu.Unlock()
	}
	return out
}

// UserSnapshot aggregates pre-normalized risk inputs across all of a
// user's open positions, consumed directly by the Risk Engine's scoring
// formula and pre-trade limit checks.
type UserSnapshot struct {
	MaxSinglePositionNotional types.D
	MaxLeverageInUse          types.D
	DailyLoss                 types.D
	Drawdown                  types.D
	OpenPositionCount         int

	ExposureScore   types.D
	LeverageScore   types.D
	VolatilityScore types.D
	DrawdownScore   types.D
}

// UserSnapshot aggregates the current risk-relevant state for userID.
// Score components are normalized to [0,1]; volatility is left at zero
// here since it depends on the Market-Data Hub's recent price history,
// wired in by the caller that owns that feed.
func (s *Store) UserSnapshot(userID string) UserSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := UserSnapshot{
		MaxSinglePositionNotional: types.Zero,
		MaxLeverageInUse:          types.Zero,
		DailyLoss:                 types.Zero,
	}

	for _, t := range s.byKey {
		t.mu.Lock()
		if t.position.UserID == userID && !t.position.Quantity.IsZero() {
			notional := t.position.Quantity.Abs().Mul(t.position.MarkPrice)
			if notional.GreaterThan(snap.MaxSinglePositionNotional) {
				snap.MaxSinglePositionNotional = notional
			}
			lev := decimal.NewFromInt(int64(t.position.Leverage))
			if lev.GreaterThan(snap.MaxLeverageInUse) {
				snap.MaxLeverageInUse = lev
			}
			if t.position.UnrealizedPnl.IsNegative() {
				snap.DailyLoss = snap.DailyLoss.Sub(t.position.UnrealizedPnl)
			}
			snap.OpenPositionCount++
		}
		t.mu.Unlock()
	}

	snap.ExposureScore = normalize(snap.MaxSinglePositionNotional, decimal.NewFromInt(100000))
	snap.LeverageScore = normalize(snap.MaxLeverageInUse, decimal.NewFromInt(125))
	snap.DrawdownScore = normalize(snap.Drawdown, decimal.NewFromInt(1))
	return snap
}

func normalize(v, ceiling types.D) types.D {
	if ceiling.IsZero() {
		return types.Zero
	}
	ratio := v.Div(ceiling)
	if ratio.GreaterThan(types.One) {
		return types.One
	}
	if ratio.IsNegative() {
		return types.Zero
	}
	return ratio
}

// ExchangeReconciler supplies the venue's positions so SyncFromExchange
// never imports a concrete venue client. exchange.Client's FetchPositions
// takes no venue argument, so it does not satisfy this interface directly.
type ExchangeReconciler interface {
	FetchPositions(ctx context.Context, userID, venue string) ([]types.Position, error)
}

// toleranceFraction is how far a local position's quantity may drift from
// the venue's reported quantity before it is logged as a discrepancy
// rather than silently reconciled.
var toleranceFraction = decimal.NewFromFloat(0.0001)

// SyncFromExchange reconciles the local book against the venue's reported
// positions for userID/venue, logging (but not silently discarding) any
// discrepancy beyond toleranceFraction.
func (s *Store) SyncFromExchange(ctx context.Context, rec ExchangeReconciler, userID, venue string) error {
	remote, err := rec.FetchPositions(ctx, userID, venue)
	if err != nil {
		return fmt.Errorf("fetch venue positions: %w", err)
	}

	for _, rp := range remote {
		t := s.entry(userID, venue, rp.Symbol)
		t.mu.Lock()
		local := t.position.Quantity
		if !local.IsZero() {
			drift := local.Sub(rp.Quantity).Abs()
			tolerance := local.Abs().Mul(toleranceFraction)
			if drift.GreaterThan(tolerance) {
				s.logger.Warn("position drift vs venue",
					"user", userID, "venue", venue, "symbol", rp.Symbol,
					"local", local.String(), "venue_qty", rp.Quantity.String())
			}
		}
		t.position.Quantity = rp.Quantity
		t.position.AvgEntryPrice = rp.AvgEntryPrice
		t.position.MarkPrice = rp.MarkPrice
		t.position.LiquidationPrice = rp.LiquidationPrice
		t.position.Leverage = rp.Leverage
		t.position.UpdatedAt = time.Now().UTC()
		t.mu.Unlock()
	}
	return nil
}
