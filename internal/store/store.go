// Package store persists every entity the core owns to JSON files using
// atomic file replacement (write to .tmp, then rename), the same
// crash-safety idiom the reference bot used for its single per-market
// position file, generalized here to one directory per entity kind (bots,
// strategies, risk limits, exchange connections, backtest runs, orders,
// risk alerts) so it can back the Order Router, Risk Engine, and Control
// Plane's persistence interfaces without a database dependency.
//
// This is a development/single-process backing store: concurrent writers
// across processes are not coordinated beyond the OS's atomic rename, and
// list operations scan a directory rather than querying an index. See
// DESIGN.md for why a real database driver was not introduced instead.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/titancore/futurescore/pkg/types"
)

// ErrNotFound is returned by a Get when no record exists for the given ID.
var ErrNotFound = errors.New("store: not found")

const (
	dirBots        = "bots"
	dirStrategies  = "strategies"
	dirRiskLimits  = "risk_limits"
	dirConns       = "connections"
	dirBacktests   = "backtests"
	dirOrders      = "orders"
	dirAlerts      = "alerts"
)

// Store is a JSON-file-backed persistence layer for every entity kind the
// Control Plane, Order Router, and Risk Engine need.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store rooted at dir, creating the per-entity
// subdirectories on first use.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) path(subdir, id string) string {
	return filepath.Join(s.dir, subdir, id+".json")
}

// save atomically writes v under subdir/id.json.
func (s *Store) save(subdir, id string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, subdir), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", subdir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subdir, err)
	}
	path := s.path(subdir, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", subdir, err)
	}
	return os.Rename(tmp, path)
}

// load reads subdir/id.json into v. Returns ErrNotFound if absent.
func (s *Store) load(subdir, id string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(subdir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", subdir, err)
	}
	return json.Unmarshal(data, v)
}

func (s *Store) remove(subdir, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(subdir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", subdir, err)
	}
	return nil
}

// scan loads every record under subdir matching keep, which receives the
// decoded record and reports whether to include it.
func scan[T any](s *Store, subdir string, keep func(T) bool) ([]T, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(filepath.Join(s.dir, subdir))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", subdir, err)
	}

	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		var v T
		if err := s.load(subdir, id, &v); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// ———————————————————————————————————————————————————————————————————————
// Bot — satisfies control.Store's bot methods.
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveBot(_ context.Context, b types.Bot) error { return s.save(dirBots, b.ID, b) }

func (s *Store) GetBot(_ context.Context, botID string) (types.Bot, error) {
	var b types.Bot
	err := s.load(dirBots, botID, &b)
	return b, err
}

func (s *Store) DeleteBot(_ context.Context, botID string) error { return s.remove(dirBots, botID) }

func (s *Store) ListBotsByUser(_ context.Context, userID string) ([]types.Bot, error) {
	return scan[types.Bot](s, dirBots, func(b types.Bot) bool { return b.UserID == userID })
}

// ———————————————————————————————————————————————————————————————————————
// Strategy
// ———————————————————————————————————————————————————————————————————————

func (s *Store) GetStrategy(_ context.Context, strategyID string) (types.Strategy, error) {
	var st types.Strategy
	err := s.load(dirStrategies, strategyID, &st)
	return st, err
}

func (s *Store) SaveStrategy(_ context.Context, st types.Strategy) error {
	return s.save(dirStrategies, st.ID, st)
}

// ———————————————————————————————————————————————————————————————————————
// RiskLimit — satisfies both control.Store and risk.Store's ListLimits.
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveRiskLimit(_ context.Context, l types.RiskLimit) error {
	return s.save(dirRiskLimits, l.ID, l)
}

func (s *Store) GetRiskLimit(_ context.Context, limitID string) (types.RiskLimit, error) {
	var l types.RiskLimit
	err := s.load(dirRiskLimits, limitID, &l)
	return l, err
}

func (s *Store) DeleteRiskLimit(_ context.Context, limitID string) error {
	return s.remove(dirRiskLimits, limitID)
}

// ListLimits satisfies risk.Store: every limit for userID, enabled or not, scoped
// to botID when given, plus every account-wide limit (BotID == "").
func (s *Store) ListLimits(_ context.Context, userID, botID string) ([]types.RiskLimit, error) {
	return scan[types.RiskLimit](s, dirRiskLimits, func(l types.RiskLimit) bool {
		if l.UserID != userID {
			return false
		}
		return l.BotID == "" || l.BotID == botID
	})
}

// ———————————————————————————————————————————————————————————————————————
// ExchangeConnection
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveExchangeConnection(_ context.Context, c types.ExchangeConnection) error {
	return s.save(dirConns, c.ID, c)
}

func (s *Store) GetExchangeConnection(_ context.Context, connID string) (types.ExchangeConnection, error) {
	var c types.ExchangeConnection
	err := s.load(dirConns, connID, &c)
	return c, err
}

func (s *Store) DeleteExchangeConnection(_ context.Context, connID string) error {
	return s.remove(dirConns, connID)
}

// ———————————————————————————————————————————————————————————————————————
// BacktestRun
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveBacktestRun(_ context.Context, r types.BacktestRun) error {
	return s.save(dirBacktests, r.ID, r)
}

func (s *Store) GetBacktestRun(_ context.Context, runID string) (types.BacktestRun, error) {
	var r types.BacktestRun
	err := s.load(dirBacktests, runID, &r)
	return r, err
}

// ———————————————————————————————————————————————————————————————————————
// Order — satisfies router.Store plus control.Store's read-only surface.
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveOrder(_ context.Context, order types.Order) error {
	if order.ID == "" {
		order.ID = order.ClientOrderID
	}
	return s.save(dirOrders, order.ID, order)
}

func (s *Store) LoadOrder(_ context.Context, orderID string) (types.Order, error) {
	var o types.Order
	err := s.load(dirOrders, orderID, &o)
	return o, err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	return s.LoadOrder(ctx, orderID)
}

func (s *Store) LoadOrderByClientID(_ context.Context, clientOrderID string) (types.Order, bool, error) {
	orders, err := scan[types.Order](s, dirOrders, func(o types.Order) bool {
		return o.ClientOrderID == clientOrderID
	})
	if err != nil {
		return types.Order{}, false, err
	}
	if len(orders) == 0 {
		return types.Order{}, false, nil
	}
	return orders[0], true, nil
}

func (s *Store) ListOpenOrders(_ context.Context, userID string) ([]types.Order, error) {
	return scan[types.Order](s, dirOrders, func(o types.Order) bool {
		return o.UserID == userID && !o.Status.Terminal()
	})
}

// ———————————————————————————————————————————————————————————————————————
// RiskAlert — satisfies risk.Store.
// ———————————————————————————————————————————————————————————————————————

func (s *Store) SaveAlert(_ context.Context, alert types.RiskAlert) error {
	if alert.ID == "" {
		alert.ID = alertID(alert)
	}
	return s.save(dirAlerts, alert.ID, alert)
}

func (s *Store) ListOpenAlerts(_ context.Context, userID string) ([]types.RiskAlert, error) {
	return scan[types.RiskAlert](s, dirAlerts, func(a types.RiskAlert) bool {
		return a.UserID == userID && a.AcknowledgedAt == nil
	})
}

func (s *Store) ResolveAlert(_ context.Context, alertID string) error {
	var a types.RiskAlert
	if err := s.load(dirAlerts, alertID, &a); err != nil {
		return err
	}
	now := time.Now()
	a.AcknowledgedAt = &now
	return s.save(dirAlerts, alertID, a)
}

func alertID(a types.RiskAlert) string {
	return a.UserID + ":" + string(a.Severity) + ":" + a.TriggeredAt.Format("20060102T150405.000000000")
}
