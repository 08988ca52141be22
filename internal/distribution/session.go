package distribution

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/titancore/futurescore/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Session is one authenticated WebSocket connection: (sessionId, userId,
// socket, subscriptions[], mailbox) per spec §4.10. A user may hold
// multiple concurrent sessions. Grounded on the reference bot's
// Client/writePump/readPump pair, generalized from a single broadcast
// channel to a per-session set of typed subscriptions and bidirectional
// control messages.
type Session struct {
	ID     string
	UserID string

	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	mailbox chan types.Envelope
	kicked  chan struct{}

	mu            sync.Mutex
	subscriptions map[string]bool          // "ticker:ETHUSDT", "orders", ...
	marketSubs    map[string]func()        // subscriptionName -> unsubscribe
}

// NewSession constructs a Session and starts its read/write pumps. conn
// ownership transfers to the session.
func NewSession(hub *Hub, id, userID string, conn *websocket.Conn, logger *slog.Logger) *Session {
	s := &Session{
		ID:            id,
		UserID:        userID,
		hub:           hub,
		conn:          conn,
		logger:        logger.With("component", "distribution-session", "session_id", id),
		mailbox:       make(chan types.Envelope, mailboxCapacity),
		kicked:        make(chan struct{}),
		subscriptions: make(map[string]bool),
		marketSubs:    make(map[string]func()),
	}
	hub.Register(s)
	go s.writePump()
	go s.readPump()
	return s
}

func subscriptionName(channel, symbol, interval string) string {
	name := channel
	if symbol != "" {
		name += ":" + symbol
	}
	if interval != "" {
		name += ":" + interval
	}
	return name
}

func marketSubscriptionKey(channel, symbol, interval string) (types.SubscriptionKey, error) {
	var subType types.SubscriptionType
	switch channel {
	case "ticker":
		subType = types.SubTicker
	case "trades":
		subType = types.SubTrades
	case "depth":
		subType = types.SubDepth
	case "candle":
		subType = types.SubCandle
	default:
		return types.SubscriptionKey{}, fmt.Errorf("unknown market channel %q", channel)
	}
	if symbol == "" {
		return types.SubscriptionKey{}, fmt.Errorf("channel %q requires a symbol", channel)
	}
	// Venue is left blank: the default venue is resolved by the caller
	// wiring this hub to a single-venue marketdata.Hub instance; a
	// multi-venue deployment would carry venue in the control message.
	return types.SubscriptionKey{Symbol: symbol, Type: subType, Interval: interval}, nil
}

func (s *Session) addSubscription(channel, symbol, interval string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionName(channel, symbol, interval)] = true
}

func (s *Session) removeSubscription(channel, symbol, interval string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, subscriptionName(channel, symbol, interval))
}

// hasSubscription checks a user-scoped channel name directly, or a
// market-scoped "channel:symbol[:interval]" name.
func (s *Session) hasSubscription(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[name]
}

func (s *Session) addMarketSub(name string, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketSubs[name] = unsubscribe
}

func (s *Session) removeMarketSub(name string) {
	s.mu.Lock()
	unsubscribe, ok := s.marketSubs[name]
	delete(s.marketSubs, name)
	s.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (s *Session) teardownMarketSubs() {
	s.mu.Lock()
	subs := s.marketSubs
	s.marketSubs = make(map[string]func())
	s.mu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// pumpMarketEvents forwards events off a marketdata.Subscriber onto the
// session's own mailbox as typed envelopes, until the subscriber channel
// is closed (on unsubscribe).
func (s *Session) pumpMarketEvents(channel string, sub interface{ Events() <-chan any }) {
	eventType := types.EventType(channel)
	for evt := range sub.Events() {
		s.deliver(types.Envelope{Type: eventType, Timestamp: time.Now().UTC(), Payload: evt})
	}
}

// deliver pushes an envelope into the mailbox, evicting the session with a
// terminal kicked-slow-consumer frame on overflow (spec §4.10).
func (s *Session) deliver(evt types.Envelope) {
	select {
	case s.mailbox <- evt:
	default:
		s.evict()
	}
}

func (s *Session) evict() {
	select {
	case <-s.kicked:
		return // already evicting
	default:
		close(s.kicked)
	}
	s.logger.Warn("session evicted: slow consumer")
	if s.conn == nil {
		return
	}
	kick := types.Envelope{Type: types.EventKicked, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(kick)
	if err == nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.TextMessage, data)
	}
	s.conn.Close()
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.hub.Unregister(s)
	}()

	for {
		select {
		case evt, ok := <-s.mailbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("failed to marshal envelope", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-s.kicked:
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket error", "error", err)
			}
			return
		}
		s.handleControlMessage(data)
	}
}

func (s *Session) handleControlMessage(data []byte) {
	var msg types.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.deliver(types.Envelope{Type: types.EventError, Timestamp: time.Now().UTC(), Payload: "malformed control message"})
		return
	}

	switch msg.Action {
	case "ping":
		s.deliver(types.Envelope{Type: types.EventPong, Timestamp: time.Now().UTC()})

	case "subscribe":
		s.applyToChannels(msg, func(channel, symbol, interval string) error {
			return s.hub.Subscribe(s, channel, symbol, interval)
		})
		s.deliver(types.Envelope{Type: types.EventSubscribed, Timestamp: time.Now().UTC(), Payload: msg})

	case "unsubscribe":
		s.applyToChannels(msg, func(channel, symbol, interval string) error {
			s.hub.Unsubscribe(s, channel, symbol, interval)
			return nil
		})
		s.deliver(types.Envelope{Type: types.EventUnsubscribed, Timestamp: time.Now().UTC(), Payload: msg})

	default:
		s.deliver(types.Envelope{Type: types.EventError, Timestamp: time.Now().UTC(), Payload: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// applyToChannels invokes fn once per symbol for a symbol-bearing channel,
// or once with an empty symbol for a user-scoped channel.
func (s *Session) applyToChannels(msg types.ControlMessage, fn func(channel, symbol, interval string) error) {
	if userScopedChannels[msg.Channel] {
		if err := fn(msg.Channel, "", ""); err != nil {
			s.deliver(types.Envelope{Type: types.EventError, Timestamp: time.Now().UTC(), Payload: err.Error()})
		}
		return
	}
	if len(msg.Symbols) == 0 {
		s.deliver(types.Envelope{Type: types.EventError, Timestamp: time.Now().UTC(), Payload: fmt.Sprintf("channel %q requires symbols", msg.Channel)})
		return
	}
	for _, symbol := range msg.Symbols {
		if err := fn(msg.Channel, symbol, msg.Interval); err != nil {
			s.deliver(types.Envelope{Type: types.EventError, Timestamp: time.Now().UTC(), Payload: err.Error()})
		}
	}
}
