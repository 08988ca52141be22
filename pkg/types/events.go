package types

import "time"

// EventType enumerates the outbound frame types the Client Distribution Hub
// (C10) can deliver, plus the internal event names used on the in-process
// event bus that feeds it (spec §6 client-facing event protocol, §4.10).
type EventType string

const (
	EventTicker       EventType = "ticker"
	EventTrade        EventType = "trade"
	EventDepth        EventType = "depth"
	EventCandle       EventType = "candle"
	EventOrder        EventType = "order"
	EventPosition     EventType = "position"
	EventTradeUser    EventType = "trade-user"
	EventRiskAlert    EventType = "risk-alert"
	EventBotStatus    EventType = "bot-status"
	EventBacktestProgress EventType = "backtest-progress"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
	EventKicked       EventType = "kicked-slow-consumer"

	// Internal-only event names (not delivered verbatim to clients, but
	// consumed by other core components — e.g. the order book re-snapshot
	// on stream-reset).
	EventStreamReset  EventType = "stream-reset"
	EventOrderPlaced  EventType = "order-placed"
	EventOrderUpdated EventType = "order-updated"
	EventTradeClosed  EventType = "trade-closed"
	EventBotError     EventType = "bot-error"
)

// Envelope is the outbound frame shape: {type, ...payload} per spec §6.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ControlMessage is an inbound frame from a distribution-hub client:
// {action, channel, symbols?, interval?}.
type ControlMessage struct {
	Action   string   `json:"action"` // subscribe | unsubscribe | ping
	Channel  string   `json:"channel"`
	Symbols  []string `json:"symbols,omitempty"`
	Interval string   `json:"interval,omitempty"`
}

// OrderUpdatedEvent carries the fields other components need when an order
// transitions, without forcing them to re-fetch the full Order row.
type OrderUpdatedEvent struct {
	Order         Order
	PrevStatus    OrderStatus
	FillPrice     *D
	FillQty       *D
	FillFeeAsset  string
	Fee           *D
	VenueTradeID  string
	VenueTimestamp time.Time
}

// BotStatusEvent reports a bot lifecycle transition.
type BotStatusEvent struct {
	BotID     string
	UserID    string
	Status    BotStatus
	Reason    string
	Timestamp time.Time
}

// RiskAlertEvent reports a risk-gate rejection or a kill-switch transition
// for delivery on a user's risk-alerts channel.
type RiskAlertEvent struct {
	UserID    string
	Kind      string // "order-rejected" | "kill-switch-activated" | "kill-switch-cleared"
	Reason    string
	Timestamp time.Time
}
