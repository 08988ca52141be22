package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Shared enums
// ————————————————————————————————————————————————————————————————————————

type Environment string

const (
	EnvMainnet Environment = "mainnet"
	EnvTestnet Environment = "testnet"
)

type Permission string

const (
	PermRead     Permission = "read"
	PermTrade    Permission = "trade"
	PermWithdraw Permission = "withdraw"
)

type ConnectionStatus string

const (
	ConnActive   ConnectionStatus = "active"
	ConnInactive ConnectionStatus = "inactive"
	ConnError    ConnectionStatus = "error"
)

type AccountPositionMode string

const (
	AccountOneWay AccountPositionMode = "one-way"
	AccountHedge  AccountPositionMode = "hedge"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PositionSide is distinct from AccountPositionMode per spec §9's open
// question resolution: an order's positionSide is long/short/both, an
// account's mode is one-way/hedge. Never unified.
type PositionSide string

const (
	PosLong  PositionSide = "long"
	PosShort PositionSide = "short"
	PosBoth  PositionSide = "both"
)

type OrderType string

const (
	OrderMarket        OrderType = "market"
	OrderLimit         OrderType = "limit"
	OrderStop          OrderType = "stop"
	OrderStopMarket    OrderType = "stop-market"
	OrderTakeProfit    OrderType = "take-profit"
	OrderTrailingStop  OrderType = "trailing-stop"
)

type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // good-till-cancel
	TIFIOC TimeInForce = "IOC" // immediate-or-cancel
	TIFFOK TimeInForce = "FOK" // fill-or-kill
	TIFGTX TimeInForce = "GTX" // good-till-crossing (post-only)
)

type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially-filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether s is an absorbing state per spec §3/§4.2.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

type PositionStatus string

const (
	PositionOpen      PositionStatus = "open"
	PositionClosed    PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

type RiskLimitType string

const (
	LimitMaxPositionSize RiskLimitType = "max-position-size"
	LimitMaxLeverage     RiskLimitType = "max-leverage"
	LimitMaxDailyLoss    RiskLimitType = "max-daily-loss"
	LimitMaxDrawdown     RiskLimitType = "max-drawdown"
	LimitMaxOpenPositions RiskLimitType = "max-open-positions"
	LimitMaxOrderSize    RiskLimitType = "max-order-size"
)

type RiskSeverity string

const (
	SeverityWarning  RiskSeverity = "warning"
	SeverityCritical RiskSeverity = "critical"
	SeverityBreach   RiskSeverity = "breach"
)

type StrategyKind string

const (
	StrategyGrid          StrategyKind = "grid"
	StrategyDCA           StrategyKind = "dca"
	StrategyMomentum      StrategyKind = "momentum"
	StrategyMeanReversion StrategyKind = "mean-reversion"
	StrategyCustom        StrategyKind = "custom"
)

type BotStatus string

const (
	BotPending  BotStatus = "pending"
	BotStarting BotStatus = "starting"
	BotActive   BotStatus = "active"
	BotPaused   BotStatus = "paused"
	BotStopping BotStatus = "stopping"
	BotStopped  BotStatus = "stopped"
	BotError    BotStatus = "error"
)

type JobPriority string

const (
	PriorityCritical JobPriority = "critical"
	PriorityHigh     JobPriority = "high"
	PriorityNormal   JobPriority = "normal"
	PriorityLow      JobPriority = "low"
)

// Priorities lists the dispatch order, highest first (spec §4.7 P4).
var Priorities = []JobPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobRetrying  JobStatus = "retrying"
)

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
)

type BacktestStatus string

const (
	BacktestPending   BacktestStatus = "pending"
	BacktestRunning   BacktestStatus = "running"
	BacktestCompleted BacktestStatus = "completed"
	BacktestFailed    BacktestStatus = "failed"
	BacktestCancelled BacktestStatus = "cancelled"
)

// ————————————————————————————————————————————————————————————————————————
// Entities
// ————————————————————————————————————————————————————————————————————————

type User struct {
	ID           string
	CredHash     string
	Active       bool
	Preferences  map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ExchangeConnection struct {
	ID           string
	UserID       string
	Venue        string
	Env          Environment
	EncryptedKey []byte // credentials encrypted at rest; decrypted only inside the exchange adapter
	Permissions  []Permission
	Status       ConnectionStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Symbol struct {
	Venue              string
	Base               string
	Quote              string
	TickSize           D
	LotSize            D
	MinNotional        D
	PricePrecision     int32
	QuantityPrecision  int32
	Status             string
}

// String returns the canonical venue symbol, e.g. "BTCUSDT".
func (s Symbol) String() string { return s.Base + s.Quote }

type Bot struct {
	ID                 string
	UserID             string
	StrategyID         string
	Config             map[string]any
	Status             BotStatus
	ErrorReason        string
	PerformanceSnap    map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

type Strategy struct {
	ID         string
	UserID     string
	Type       StrategyKind
	Parameters map[string]any
	Version    int
	CreatedAt  time.Time
}

type Order struct {
	ID             string
	UserID         string
	BotID          string // empty if not bot-originated
	Venue          string
	Symbol         string
	Side           Side
	PositionSide   PositionSide
	Type           OrderType
	Quantity       D
	Price          *D
	StopPrice      *D
	TimeInForce    TimeInForce
	ReduceOnly     bool
	Leverage       int
	MarginMode     MarginMode
	Status         OrderStatus
	FilledQty      D
	AvgFillPrice   D
	ClientOrderID  string
	VenueOrderID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Position struct {
	ID               string
	UserID           string
	Venue            string
	Symbol           string
	Side             PositionSide
	Quantity         D
	AvgEntryPrice    D
	MarkPrice        D
	LiquidationPrice D
	Leverage         int
	MarginMode       MarginMode
	UnrealizedPnl    D
	RealizedPnl      D
	Status           PositionStatus
	UpdatedAt        time.Time
}

type Trade struct {
	ID           string
	PositionID   string
	OrderID      string
	Venue        string
	Side         Side
	Price        D
	Quantity     D
	Fee          D
	FeeAsset     string
	Pnl          D
	VenueTradeID string
	CreatedAt    time.Time
}

type RiskLimit struct {
	ID                string
	UserID            string
	BotID             string // empty = applies globally to the user
	Type              RiskLimitType
	Threshold         D
	WarningFraction   D
	CriticalFraction  D
	Enabled           bool
}

// DefaultWarningFraction / DefaultCriticalFraction per spec §9's resolution
// of the documented inconsistency: 0.8 / 0.95, breach at 1.0 (the threshold
// itself).
var (
	DefaultWarningFraction  = decimal.NewFromFloat(0.8)
	DefaultCriticalFraction = decimal.NewFromFloat(0.95)
)

type RiskAlert struct {
	ID             string
	UserID         string
	LimitID        string
	Severity       RiskSeverity
	Message        string
	Metrics        map[string]any
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
}

type Job struct {
	ID           string
	Name         string
	Args         map[string]any
	Priority     JobPriority
	Status       JobStatus
	ScheduledAt  *time.Time
	RetryCount   int
	MaxRetries   int
	Timeout      time.Duration
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
	Result       map[string]any
	UserID       string
}

type ScheduledTask struct {
	Name           string
	JobName        string
	ScheduleType   ScheduleType
	IntervalSecs   int
	CronExpr       string
	RunAt          *time.Time
	Priority       JobPriority
	Enabled        bool
	LastRun        *time.Time
	NextRun        *time.Time
	RunCount       int
}

type BacktestRun struct {
	ID          string
	UserID      string
	StrategyID  string
	Symbol      string
	Timeframe   string
	Start       time.Time
	End         time.Time
	Config      map[string]any
	Status      BacktestStatus
	Progress    int
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResultRef   string
}
