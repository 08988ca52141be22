package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/titancore/futurescore/pkg/types"
)

func TestSaveAndGetBot(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	bot := types.Bot{ID: "bot1", UserID: "user1", StrategyID: "strat1", Status: types.BotActive}

	if err := s.SaveBot(ctx, bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}

	loaded, err := s.GetBot(ctx, "bot1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if loaded.UserID != bot.UserID || loaded.Status != bot.Status {
		t.Errorf("GetBot = %+v, want %+v", loaded, bot)
	}
}

func TestGetBotMissing(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.GetBot(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBot error = %v, want ErrNotFound", err)
	}
}

func TestDeleteBot(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	bot := types.Bot{ID: "bot1", UserID: "user1"}
	if err := s.SaveBot(ctx, bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	if err := s.DeleteBot(ctx, "bot1"); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}
	if _, err := s.GetBot(ctx, "bot1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBot after delete = %v, want ErrNotFound", err)
	}
}

func TestListBotsByUser(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.SaveBot(ctx, types.Bot{ID: "bot1", UserID: "user1"})
	_ = s.SaveBot(ctx, types.Bot{ID: "bot2", UserID: "user1"})
	_ = s.SaveBot(ctx, types.Bot{ID: "bot3", UserID: "user2"})

	bots, err := s.ListBotsByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ListBotsByUser: %v", err)
	}
	if len(bots) != 2 {
		t.Errorf("ListBotsByUser returned %d bots, want 2", len(bots))
	}
}

func TestSaveOrderDefaultsIDFromClientOrderID(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	order := types.Order{ClientOrderID: "client1", UserID: "user1", Status: types.OrderNew}
	if err := s.SaveOrder(ctx, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	loaded, err := s.LoadOrder(ctx, "client1")
	if err != nil {
		t.Fatalf("LoadOrder: %v", err)
	}
	if loaded.ClientOrderID != "client1" {
		t.Errorf("ClientOrderID = %q, want client1", loaded.ClientOrderID)
	}
}

func TestLoadOrderByClientID(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	order := types.Order{ID: "order1", ClientOrderID: "client1", UserID: "user1", Status: types.OrderNew}
	if err := s.SaveOrder(ctx, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	loaded, found, err := s.LoadOrderByClientID(ctx, "client1")
	if err != nil {
		t.Fatalf("LoadOrderByClientID: %v", err)
	}
	if !found {
		t.Fatal("LoadOrderByClientID: expected found=true")
	}
	if loaded.ID != "order1" {
		t.Errorf("ID = %q, want order1", loaded.ID)
	}

	if _, found, err := s.LoadOrderByClientID(ctx, "nonexistent"); err != nil || found {
		t.Errorf("LoadOrderByClientID(nonexistent) = found=%v err=%v, want found=false err=nil", found, err)
	}
}

func TestListOpenOrdersExcludesTerminal(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.SaveOrder(ctx, types.Order{ID: "o1", UserID: "user1", Status: types.OrderNew})
	_ = s.SaveOrder(ctx, types.Order{ID: "o2", UserID: "user1", Status: types.OrderFilled})
	_ = s.SaveOrder(ctx, types.Order{ID: "o3", UserID: "user1", Status: types.OrderCancelled})
	_ = s.SaveOrder(ctx, types.Order{ID: "o4", UserID: "user2", Status: types.OrderNew})

	open, err := s.ListOpenOrders(ctx, "user1")
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].ID != "o1" {
		t.Errorf("ListOpenOrders = %+v, want [o1]", open)
	}
}

func TestListLimitsScopesToUserAndBot(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.SaveRiskLimit(ctx, types.RiskLimit{ID: "l1", UserID: "user1", BotID: "", Type: types.LimitMaxDailyLoss})
	_ = s.SaveRiskLimit(ctx, types.RiskLimit{ID: "l2", UserID: "user1", BotID: "bot1", Type: types.LimitMaxLeverage})
	_ = s.SaveRiskLimit(ctx, types.RiskLimit{ID: "l3", UserID: "user1", BotID: "bot2", Type: types.LimitMaxLeverage})
	_ = s.SaveRiskLimit(ctx, types.RiskLimit{ID: "l4", UserID: "user2", BotID: "", Type: types.LimitMaxDailyLoss})

	limits, err := s.ListLimits(ctx, "user1", "bot1")
	if err != nil {
		t.Fatalf("ListLimits: %v", err)
	}
	if len(limits) != 2 {
		t.Fatalf("ListLimits returned %d limits, want 2 (global l1 + scoped l2)", len(limits))
	}
}

func TestAlertLifecycle(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	alert := types.RiskAlert{UserID: "user1", LimitID: "limit1", Severity: types.SeverityWarning, TriggeredAt: time.Now()}
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	open, err := s.ListOpenAlerts(ctx, "user1")
	if err != nil {
		t.Fatalf("ListOpenAlerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("ListOpenAlerts returned %d alerts, want 1", len(open))
	}

	if err := s.ResolveAlert(ctx, open[0].ID); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	stillOpen, err := s.ListOpenAlerts(ctx, "user1")
	if err != nil {
		t.Fatalf("ListOpenAlerts after resolve: %v", err)
	}
	if len(stillOpen) != 0 {
		t.Errorf("ListOpenAlerts after resolve = %d, want 0", len(stillOpen))
	}
}
