// Package distribution implements the Client Distribution Hub (C10): the
// authenticated WebSocket subscription graph that fans market, order,
// position, risk, and bot-status events out to external sessions (spec
// §4.10). It generalizes the reference bot's single-purpose dashboard
// Hub/Client pair (internal/api/stream.go) from a read-only snapshot
// broadcaster into a typed, per-session subscription graph with
// user-scoped and market-scoped channels and slow-consumer eviction.
package distribution

import (
	"log/slog"
	"sync"
	"time"

	"github.com/titancore/futurescore/internal/marketdata"
	"github.com/titancore/futurescore/pkg/types"
)

// mailboxCapacity is the default bounded mailbox size per session (spec §4.10).
const mailboxCapacity = 1000

// userScopedChannels are subscription names that carry no symbol and are
// always scoped to the authenticated session's own user.
var userScopedChannels = map[string]bool{
	"orders":      true,
	"positions":   true,
	"trades":      true,
	"risk-alerts": true,
	"bot-status":  true,
	"backtest":    true,
}

// Hub owns every connected session and the fan-out graph that feeds them.
type Hub struct {
	logger     *slog.Logger
	marketdata *marketdata.Hub

	mu         sync.RWMutex
	sessions   map[string]*Session            // sessionID -> session
	byUser     map[string]map[string]*Session // userID -> sessionID -> session
	runOwners  map[string]string              // backtest runID -> owning userID
}

// NewHub constructs an empty Hub. marketHub supplies the underlying
// market-data fan-out that ticker/trades/depth/candle subscriptions ride on.
func NewHub(marketHub *marketdata.Hub, logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "distribution"),
		marketdata: marketHub,
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]*Session),
		runOwners:  make(map[string]string),
	}
}

// TrackBacktestRun records which user owns runID so a later
// PublishBacktestProgress knows which sessions to reach. The Control Plane
// calls this when it starts a run and should call UntrackBacktestRun once
// it completes.
func (h *Hub) TrackBacktestRun(runID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runOwners[runID] = userID
}

// UntrackBacktestRun drops the runID -> userID mapping once a run finishes.
func (h *Hub) UntrackBacktestRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.runOwners, runID)
}

// Register adds a newly-connected session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	if h.byUser[s.UserID] == nil {
		h.byUser[s.UserID] = make(map[string]*Session)
	}
	h.byUser[s.UserID][s.ID] = s
	h.logger.Info("session registered", "session_id", s.ID, "user_id", s.UserID)
}

// Unregister removes a session and tears down its market subscriptions.
// Per spec §4.10: removing the last session for a user purges that user's
// user-scoped subscriptions; other sessions for that user are unaffected
// because user-scoped channels are evaluated per-session, not globally.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sessions, s.ID)
	if users := h.byUser[s.UserID]; users != nil {
		delete(users, s.ID)
		if len(users) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	s.teardownMarketSubs()
	h.logger.Info("session unregistered", "session_id", s.ID, "user_id", s.UserID)
}

// Subscribe registers channel on session, arming a market-data fan-out
// subscription if channel is a market-scoped type.
func (h *Hub) Subscribe(s *Session, channel string, symbol, interval string) error {
	s.addSubscription(channel, symbol, interval)

	if userScopedChannels[channel] {
		return nil
	}

	key, err := marketSubscriptionKey(channel, symbol, interval)
	if err != nil {
		return err
	}
	sub, unsubscribe := h.marketdata.Subscribe(s.ID+"|"+subscriptionName(channel, symbol, interval), key)
	s.addMarketSub(subscriptionName(channel, symbol, interval), unsubscribe)
	go s.pumpMarketEvents(channel, sub)
	return nil
}

// Unsubscribe removes channel from session.
func (h *Hub) Unsubscribe(s *Session, channel, symbol, interval string) {
	name := subscriptionName(channel, symbol, interval)
	s.removeSubscription(channel, symbol, interval)
	s.removeMarketSub(name)
}

// sessionsFor returns every session belonging to userID.
func (h *Hub) sessionsFor(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := h.byUser[userID]
	out := make([]*Session, 0, len(users))
	for _, s := range users {
		out = append(out, s)
	}
	return out
}

// PublishOrderUpdated satisfies router.EventSink, fanning order lifecycle
// transitions out to every session the owning user has open, on the
// "orders" channel.
func (h *Hub) PublishOrderUpdated(evt types.OrderUpdatedEvent) {
	for _, s := range h.sessionsFor(evt.Order.UserID) {
		if s.hasSubscription("orders") {
			s.deliver(types.Envelope{Type: types.EventOrder, Timestamp: time.Now().UTC(), Payload: evt})
		}
	}
}

// PublishBotStatus satisfies bot.EventSink.
func (h *Hub) PublishBotStatus(evt types.BotStatusEvent) {
	for _, s := range h.sessionsFor(evt.UserID) {
		if s.hasSubscription("bot-status") {
			s.deliver(types.Envelope{Type: types.EventBotStatus, Timestamp: time.Now().UTC(), Payload: evt})
		}
	}
}

// PublishPositionUpdated fans a position change out to the owning user's
// "positions" channel.
func (h *Hub) PublishPositionUpdated(position types.Position) {
	for _, s := range h.sessionsFor(position.UserID) {
		if s.hasSubscription("positions") {
			s.deliver(types.Envelope{Type: types.EventPosition, Timestamp: time.Now().UTC(), Payload: position})
		}
	}
}

// PublishTradeUser fans a realized trade out to the owning user's "trades"
// channel, distinct from the market-wide trades:<symbol> stream.
func (h *Hub) PublishTradeUser(userID string, trade types.Trade) {
	for _, s := range h.sessionsFor(userID) {
		if s.hasSubscription("trades") {
			s.deliver(types.Envelope{Type: types.EventTradeUser, Timestamp: time.Now().UTC(), Payload: trade})
		}
	}
}

// PublishRiskAlert fans a risk event out to the owning user's "risk-alerts"
// channel.
func (h *Hub) PublishRiskAlert(evt types.RiskAlertEvent) {
	for _, s := range h.sessionsFor(evt.UserID) {
		if s.hasSubscription("risk-alerts") {
			s.deliver(types.Envelope{Type: types.EventRiskAlert, Timestamp: time.Now().UTC(), Payload: evt})
		}
	}
}

// PublishBacktestProgress satisfies backtest.ProgressSink, fanning a run's
// progress out to whichever user started it (tracked via TrackBacktestRun).
// Silently dropped if the run's owner is unknown, which only happens for a
// run started before the process restarted.
func (h *Hub) PublishBacktestProgress(evt types.BacktestProgressEvent) {
	h.mu.RLock()
	userID, ok := h.runOwners[evt.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, s := range h.sessionsFor(userID) {
		if s.hasSubscription("backtest") {
			s.deliver(types.Envelope{Type: types.EventBacktestProgress, Timestamp: time.Now().UTC(), Payload: evt})
		}
	}
}
