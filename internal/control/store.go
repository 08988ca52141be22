package control

import (
	"context"

	"github.com/titancore/futurescore/pkg/types"
)

// Store is the persistence surface the Control Plane needs for the four
// entity kinds it exclusively owns (Bot, ExchangeConnection, RiskLimit,
// BacktestRun), plus read access to entities owned by other components
// (Strategy, Order, Position) that a command must look up to enforce
// per-user ownership or to drive an emergency stop.
//
// Like router.Store and bot.Store, this interface is defined by its
// consumer. *store.Store (the JSON-file-backed implementation in
// internal/store) satisfies it; a deployment that needs real concurrent
// durability can swap in something else without the Control Plane
// noticing. See DESIGN.md for why a database driver was not added instead.
type Store interface {
	SaveBot(ctx context.Context, b types.Bot) error
	GetBot(ctx context.Context, botID string) (types.Bot, error)
	DeleteBot(ctx context.Context, botID string) error
	ListBotsByUser(ctx context.Context, userID string) ([]types.Bot, error)

	GetStrategy(ctx context.Context, strategyID string) (types.Strategy, error)
	SaveStrategy(ctx context.Context, s types.Strategy) error

	SaveRiskLimit(ctx context.Context, l types.RiskLimit) error
	GetRiskLimit(ctx context.Context, limitID string) (types.RiskLimit, error)
	DeleteRiskLimit(ctx context.Context, limitID string) error

	SaveExchangeConnection(ctx context.Context, c types.ExchangeConnection) error
	GetExchangeConnection(ctx context.Context, connID string) (types.ExchangeConnection, error)
	DeleteExchangeConnection(ctx context.Context, connID string) error

	SaveBacktestRun(ctx context.Context, r types.BacktestRun) error
	GetBacktestRun(ctx context.Context, runID string) (types.BacktestRun, error)

	// GetOrder and ListOpenOrders read entities the Order Router exclusively
	// writes; the Control Plane only ever reads them, for ownership checks
	// and for the emergency cancel-all-orders path.
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	ListOpenOrders(ctx context.Context, userID string) ([]types.Order, error)
}
