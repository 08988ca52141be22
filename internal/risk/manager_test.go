package risk

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/pkg/types"
)

type fakeStore struct {
	mu     sync.Mutex
	limits map[string][]types.RiskLimit // userID -> limits
	alerts []types.RiskAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{limits: make(map[string][]types.RiskLimit)}
}

func (f *fakeStore) ListLimits(_ context.Context, userID, botID string) ([]types.RiskLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.RiskLimit
	for _, l := range f.limits[userID] {
		if l.BotID == "" || l.BotID == botID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAlert(_ context.Context, alert types.RiskAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeStore) ListOpenAlerts(_ context.Context, userID string) ([]types.RiskAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.RiskAlert
	for _, a := range f.alerts {
		if a.UserID == userID && a.AcknowledgedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			now := time.Now()
			f.alerts[i].AcknowledgedAt = &now
		}
	}
	return nil
}

type fakeActions struct {
	mu             sync.Mutex
	cancelledUsers []string
	closedUsers    []string
	stoppedUsers   []string
}

func (f *fakeActions) CancelAllOrders(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledUsers = append(f.cancelledUsers, userID)
	return nil
}

func (f *fakeActions) CloseAllPositions(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedUsers = append(f.closedUsers, userID)
	return nil
}

func (f *fakeActions) StopAllBots(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedUsers = append(f.stoppedUsers, userID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager() (*Manager, *fakeStore, *fakeActions) {
	store := newFakeStore()
	actions := &fakeActions{}
	portfolios := portfolio.New(testLogger())
	mgr := NewManager(store, portfolios, actions, time.Minute, testLogger())
	return mgr, store, actions
}

func TestEvaluateNewOrderAllowedWithNoLimits(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager()

	order := types.Order{UserID: "user1", Quantity: decimal.NewFromInt(1), Price: decimalPtr(decimal.NewFromInt(100))}
	eval, err := mgr.EvaluateNewOrder(context.Background(), "user1", order)
	if err != nil {
		t.Fatalf("EvaluateNewOrder: %v", err)
	}
	if eval.Decision != DecisionAllowed {
		t.Errorf("Decision = %v, want %v", eval.Decision, DecisionAllowed)
	}
}

func TestEvaluateNewOrderViolatesMaxOrderSize(t *testing.T) {
	t.Parallel()
	mgr, store, _ := newTestManager()
	store.limits["user1"] = []types.RiskLimit{
		{ID: "l1", UserID: "user1", Type: types.LimitMaxOrderSize, Threshold: decimal.NewFromInt(1000), Enabled: true},
	}

	order := types.Order{UserID: "user1", Quantity: decimal.NewFromInt(100), Price: decimalPtr(decimal.NewFromInt(100))}
	eval, err := mgr.EvaluateNewOrder(context.Background(), "user1", order)
	if err != nil {
		t.Fatalf("EvaluateNewOrder: %v", err)
	}
	if eval.Decision != DecisionViolation {
		t.Errorf("Decision = %v, want %v", eval.Decision, DecisionViolation)
	}
	if len(eval.Reasons) == 0 {
		t.Error("expected at least one reason")
	}
}

func TestEvaluateNewOrderDisabledLimitIgnored(t *testing.T) {
	t.Parallel()
	mgr, store, _ := newTestManager()
	store.limits["user1"] = []types.RiskLimit{
		{ID: "l1", UserID: "user1", Type: types.LimitMaxOrderSize, Threshold: decimal.NewFromInt(1), Enabled: false},
	}

	order := types.Order{UserID: "user1", Quantity: decimal.NewFromInt(100), Price: decimalPtr(decimal.NewFromInt(100))}
	eval, err := mgr.EvaluateNewOrder(context.Background(), "user1", order)
	if err != nil {
		t.Fatalf("EvaluateNewOrder: %v", err)
	}
	if eval.Decision != DecisionAllowed {
		t.Errorf("Decision = %v, want %v (disabled limit should not gate)", eval.Decision, DecisionAllowed)
	}
}

func TestEvaluateNewOrderBlockedByEmergencyStop(t *testing.T) {
	t.Parallel()
	mgr, _, actions := newTestManager()
	mgr.EmergencyStop(context.Background(), "user1", "test")

	order := types.Order{UserID: "user1", Quantity: decimal.NewFromInt(1), Price: decimalPtr(decimal.NewFromInt(100))}
	eval, err := mgr.EvaluateNewOrder(context.Background(), "user1", order)
	if err != nil {
		t.Fatalf("EvaluateNewOrder: %v", err)
	}
	if eval.Decision != DecisionViolation {
		t.Errorf("Decision = %v, want %v", eval.Decision, DecisionViolation)
	}
	if len(actions.cancelledUsers) != 1 || len(actions.closedUsers) != 1 || len(actions.stoppedUsers) != 1 {
		t.Errorf("expected emergency actions to fire exactly once each, got cancel=%d close=%d stop=%d",
			len(actions.cancelledUsers), len(actions.closedUsers), len(actions.stoppedUsers))
	}
}

func TestEmergencyStopIsIdempotent(t *testing.T) {
	t.Parallel()
	mgr, _, actions := newTestManager()

	mgr.EmergencyStop(context.Background(), "user1", "first")
	mgr.EmergencyStop(context.Background(), "user1", "second")

	if len(actions.cancelledUsers) != 1 {
		t.Errorf("CancelAllOrders called %d times, want 1 (idempotent)", len(actions.cancelledUsers))
	}
	if !mgr.IsEmergencyStopped("user1") {
		t.Error("expected user1 to remain emergency-stopped")
	}
}

func TestClearEmergencyStopAllowsNewOrders(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager()

	mgr.EmergencyStop(context.Background(), "user1", "test")
	if !mgr.IsEmergencyStopped("user1") {
		t.Fatal("expected user1 to be emergency-stopped")
	}

	mgr.ClearEmergencyStop("user1")
	if mgr.IsEmergencyStopped("user1") {
		t.Error("expected user1 to no longer be emergency-stopped after clear")
	}

	order := types.Order{UserID: "user1", Quantity: decimal.NewFromInt(1), Price: decimalPtr(decimal.NewFromInt(100))}
	eval, err := mgr.EvaluateNewOrder(context.Background(), "user1", order)
	if err != nil {
		t.Fatalf("EvaluateNewOrder: %v", err)
	}
	if eval.Decision == DecisionViolation {
		t.Error("expected order to be allowed after clearing emergency stop")
	}
}

func decimalPtr(d types.D) *types.D { return &d }
