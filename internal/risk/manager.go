// Package risk implements the Risk Engine (C5): pre-trade order gating and
// a continuous background sweep over every user's open positions and risk
// limits. It mirrors the reference bot's single kill-switch goroutine, but
// generalizes the limit catalog from a hardcoded handful of float fields to
// the full per-user, per-bot RiskLimit table and emits typed RiskAlerts
// instead of a single KillSignal.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/pkg/types"
)

// Decision is the outcome of a pre-trade risk check.
type Decision string

const (
	DecisionAllowed   Decision = "allowed"
	DecisionWarning   Decision = "warning"
	DecisionViolation Decision = "violation"
)

// Evaluation is returned by EvaluateNewOrder.
type Evaluation struct {
	Decision Decision
	Reasons  []string
	Score    types.D
}

// Store is the persistence surface the risk engine needs. It is satisfied
// by the platform's storage layer; defined here so this package never
// imports a concrete database driver.
type Store interface {
	ListLimits(ctx context.Context, userID, botID string) ([]types.RiskLimit, error)
	SaveAlert(ctx context.Context, alert types.RiskAlert) error
	ListOpenAlerts(ctx context.Context, userID string) ([]types.RiskAlert, error)
	ResolveAlert(ctx context.Context, alertID string) error
}

// EmergencyActions is the set of side effects EmergencyStop triggers. Kept
// as an interface so the risk engine stays decoupled from the order router
// and bot runtime it must halt.
type EmergencyActions interface {
	CancelAllOrders(ctx context.Context, userID string) error
	CloseAllPositions(ctx context.Context, userID string) error
	StopAllBots(ctx context.Context, userID, reason string) error
}

// Weights are the risk-score component weights (spec §4.6 risk score
// formula): exposure 0.25, leverage 0.25, volatility 0.20, drawdown 0.30.
var Weights = struct {
	Exposure   types.D
	Leverage   types.D
	Volatility types.D
	Drawdown   types.D
}{
	Exposure:   decimal.NewFromFloat(0.25),
	Leverage:   decimal.NewFromFloat(0.25),
	Volatility: decimal.NewFromFloat(0.20),
	Drawdown:   decimal.NewFromFloat(0.30),
}

// Manager runs the continuous risk sweep and serves pre-trade evaluations.
// One Manager instance serves every user in the process, mirroring the
// reference bot's single-process risk manager generalized from "per
// market" to "per user".
type Manager struct {
	store      Store
	portfolios *portfolio.Store
	actions    EmergencyActions
	logger     *slog.Logger

	sweepInterval time.Duration

	mu               sync.Mutex
	emergencyStopped map[string]time.Time // userID -> when emergency stop fired (idempotency window)

	alertCh chan types.RiskAlert
}

// NewManager constructs a risk Manager bound to the given store, portfolio
// snapshot source, and emergency-stop side effects.
func NewManager(store Store, portfolios *portfolio.Store, actions EmergencyActions, sweepInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:            store,
		portfolios:       portfolios,
		actions:          actions,
		logger:           logger.With("component", "risk"),
		sweepInterval:    sweepInterval,
		emergencyStopped: make(map[string]time.Time),
		alertCh:          make(chan types.RiskAlert, 256),
	}
}

// Alerts returns the channel new RiskAlerts are published on, for the
// Client Distribution Hub to fan out as "risk-alert" events.
func (m *Manager) Alerts() <-chan types.RiskAlert {
	return m.alertCh
}

// Run starts the periodic sweep. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce evaluates every user with an open position against their
// configured limits, in the order the store lists them (spec §4.6).
func (m *Manager) sweepOnce(ctx context.Context) {
	for _, userID := range m.portfolios.ActiveUsers() {
		limits, err := m.store.ListLimits(ctx, userID, "")
		if err != nil {
			m.logger.Error("list risk limits failed", "user", userID, "error", err)
			continue
		}
		snapshot := m.portfolios.UserSnapshot(userID)

		for _, limit := range limits {
			if !limit.Enabled {
				continue
			}
			m.evaluateLimit(ctx, userID, limit, snapshot)
		}
	}
}

func (m *Manager) evaluateLimit(ctx context.Context, userID string, limit types.RiskLimit, snapshot portfolio.UserSnapshot) {
	current := currentValueFor(limit.Type, snapshot)
	if limit.Threshold.IsZero() {
		return
	}

	warnFrac := limit.WarningFraction
	if warnFrac.IsZero() {
		warnFrac = types.DefaultWarningFraction
	}
	critFrac := limit.CriticalFraction
	if critFrac.IsZero() {
		critFrac = types.DefaultCriticalFraction
	}

	ratio := current.Div(limit.Threshold)

	var severity types.RiskSeverity
	switch {
	case ratio.GreaterThanOrEqual(types.One):
		severity = types.SeverityBreach
	case ratio.GreaterThanOrEqual(critFrac):
		severity = types.SeverityCritical
	case ratio.GreaterThanOrEqual(warnFrac):
		severity = types.SeverityWarning
	default:
		return
	}

	alert := types.RiskAlert{
		UserID:    userID,
		LimitID:   limit.ID,
		Severity:  severity,
		Message:   fmt.Sprintf("%s at %.1f%% of threshold", limit.Type, ratio.Mul(types.Hundred).InexactFloat64()),
		Metrics:   map[string]any{"current": current.String(), "threshold": limit.Threshold.String()},
		TriggeredAt: time.Now().UTC(),
	}
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		m.logger.Error("save risk alert failed", "error", err)
	}
	m.publish(alert)

	if severity == types.SeverityBreach {
		m.EmergencyStop(ctx, userID, string(limit.Type)+" breached")
	}
}

func currentValueFor(kind types.RiskLimitType, snapshot portfolio.UserSnapshot) types.D {
	switch kind {
	case types.LimitMaxPositionSize:
		return snapshot.MaxSinglePositionNotional
	case types.LimitMaxLeverage:
		return snapshot.MaxLeverageInUse
	case types.LimitMaxDailyLoss:
		return snapshot.DailyLoss
	case types.LimitMaxDrawdown:
		return snapshot.Drawdown
	case types.LimitMaxOpenPositions:
		return decimal.NewFromInt(int64(snapshot.OpenPositionCount))
	default:
		return types.Zero
	}
}

func (m *Manager) publish(alert types.RiskAlert) {
	select {
	case m.alertCh <- alert:
	default:
		select {
		case <-m.alertCh:
		default:
		}
		m.alertCh <- alert
	}
}

// EvaluateNewOrder is the pre-trade gate the Order Router calls before
// submitting any order to a venue. It never blocks on I/O beyond the
// limits already cached in the portfolio snapshot.
func (m *Manager) EvaluateNewOrder(ctx context.Context, userID string, order types.Order) (Evaluation, error) {
	if m.IsEmergencyStopped(userID) {
		return Evaluation{Decision: DecisionViolation, Reasons: []string{"emergency stop active"}}, nil
	}

	limits, err := m.store.ListLimits(ctx, userID, order.BotID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("list risk limits: %w", err)
	}
	snapshot := m.portfolios.UserSnapshot(userID)

	orderNotional := order.Quantity
	if order.Price != nil {
		orderNotional = order.Quantity.Mul(*order.Price)
	}

	var reasons []string
	decision := DecisionAllowed

	for _, limit := range limits {
		if !limit.Enabled {
			continue
		}
		switch limit.Type {
		case types.LimitMaxOrderSize:
			if orderNotional.GreaterThan(limit.Threshold) {
				reasons = append(reasons, "order notional exceeds max-order-size limit")
				decision = DecisionViolation
			}
		case types.LimitMaxPositionSize:
			projected := snapshot.MaxSinglePositionNotional.Add(orderNotional)
			if projected.GreaterThan(limit.Threshold) {
				reasons = append(reasons, "projected position would exceed max-position-size limit")
				decision = DecisionViolation
			} else if projected.GreaterThanOrEqual(limit.Threshold.Mul(types.DefaultWarningFraction)) {
				if decision == DecisionAllowed {
					decision = DecisionWarning
				}
				reasons = append(reasons, "projected position approaching max-position-size limit")
			}
		case types.LimitMaxOpenPositions:
			if decimal.NewFromInt(int64(snapshot.OpenPositionCount)).GreaterThanOrEqual(limit.Threshold) {
				reasons = append(reasons, "max open positions reached")
				decision = DecisionViolation
			}
		}
	}

	score := riskScore(snapshot)
	return Evaluation{Decision: decision, Reasons: reasons, Score: score}, nil
}

// riskScore computes the weighted composite score (spec §4.6): exposure
// 0.25, leverage 0.25, volatility 0.20, drawdown 0.30 — each component
// pre-normalized to [0,1] by the portfolio snapshot.
func riskScore(s portfolio.UserSnapshot) types.D {
	return s.ExposureScore.Mul(Weights.Exposure).
		Add(s.LeverageScore.Mul(Weights.Leverage)).
		Add(s.VolatilityScore.Mul(Weights.Volatility)).
		Add(s.DrawdownScore.Mul(Weights.Drawdown))
}

// IsEmergencyStopped reports whether userID currently has an active
// emergency stop in effect.
func (m *Manager) IsEmergencyStopped(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.emergencyStopped[userID]
	return ok
}

// MarkEmergencyStopped flags userID as emergency-stopped and reports
// whether it was already flagged. Exposed so a caller that needs to run
// the cancel/close/stop sequence itself (and collect the resulting
// counts, as the Control Plane's EmergencyStop command does) can share
// EmergencyStop's idempotency window without triggering EmergencyStop's
// own fire-and-forget side effects a second time.
func (m *Manager) MarkEmergencyStopped(userID string) (alreadyStopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.emergencyStopped[userID]; already {
		return true
	}
	m.emergencyStopped[userID] = time.Now().UTC()
	return false
}

// EmergencyStop cancels every open order, closes every open position with
// reduce-only market orders, and stops every active bot for userID. It is
// idempotent: a second call while the first is still in effect is a no-op,
// mirroring the reference bot's kill-switch cooldown but scoped per user
// instead of globally.
func (m *Manager) EmergencyStop(ctx context.Context, userID, reason string) {
	if already := m.MarkEmergencyStopped(userID); already {
		return
	}

	m.logger.Error("EMERGENCY STOP", "user", userID, "reason", reason)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := m.actions.CancelAllOrders(ctx, userID); err != nil {
			m.logger.Error("emergency cancel orders failed", "user", userID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.actions.CloseAllPositions(ctx, userID); err != nil {
			m.logger.Error("emergency close positions failed", "user", userID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.actions.StopAllBots(ctx, userID, reason); err != nil {
			m.logger.Error("emergency stop bots failed", "user", userID, "error", err)
		}
	}()
	wg.Wait()
}

// ClearEmergencyStop lifts the emergency stop for userID, allowing new
// orders and bot starts again. Requires explicit operator action — there
// is no automatic cooldown expiry, unlike the reference bot's kill switch.
func (m *Manager) ClearEmergencyStop(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emergencyStopped, userID)
}
