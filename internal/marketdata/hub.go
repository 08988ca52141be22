package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/titancore/futurescore/internal/exchange"
	"github.com/titancore/futurescore/pkg/types"
)

// mailboxCapacity bounds each subscriber's inbound channel. When a
// subscriber's mailbox is full, publish drops the new event for that
// subscriber with a warning log instead of blocking the hub; the events
// already queued are kept and the subscriber stays registered.
const mailboxCapacity = 500

// Subscriber receives market-data events for the keys it registered for.
type Subscriber struct {
	ID  string
	ch  chan any
}

// Events returns the subscriber's inbound channel.
func (s *Subscriber) Events() <-chan any { return s.ch }

// Hub fans out market data from one or more venue streams to every
// interested subscriber, maintaining the canonical local order book per
// (venue, symbol) generalized from the reference bot's Book/Scanner pair
// into a single subscription graph keyed by types.SubscriptionKey.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	books       map[string]*Book // key: venue|symbol
	subscribers map[string]map[string]*Subscriber // key: subscription key string -> subscriber ID -> subscriber

	streamsMu sync.Mutex
	streams   map[string]*exchange.StreamClient // venue -> market stream
}

// New constructs an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger.With("component", "marketdata"),
		books:       make(map[string]*Book),
		subscribers: make(map[string]map[string]*Subscriber),
		streams:     make(map[string]*exchange.StreamClient),
	}
}

func bookKey(venue, symbol string) string { return venue + "|" + symbol }

func subKey(k types.SubscriptionKey) string {
	return string(k.Type) + "|" + k.Venue + "|" + k.Symbol + "|" + k.Interval
}

// AttachStream registers a venue's market StreamClient and starts reading
// its event channels, fanning events out to subscribers and maintaining
// local order books. Blocks until ctx is cancelled.
func (h *Hub) AttachStream(ctx context.Context, venue string, stream *exchange.StreamClient, fetchSnapshot func(ctx context.Context, symbol string) (types.OrderBook, error)) {
	h.streamsMu.Lock()
	h.streams[venue] = stream
	h.streamsMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-stream.DepthEvents():
			h.handleDepth(ctx, venue, diff, fetchSnapshot)
		case trade := <-stream.TradeEvents():
			trade.Venue = venue
			h.publish(types.SubscriptionKey{Venue: venue, Symbol: trade.Symbol, Type: types.SubTrades}, trade)
		case ticker := <-stream.TickerEvents():
			ticker.Venue = venue
			h.publish(types.SubscriptionKey{Venue: venue, Symbol: ticker.Symbol, Type: types.SubTicker}, ticker)
		case candle := <-stream.CandleEvents():
			candle.Venue = venue
			h.publish(types.SubscriptionKey{Venue: venue, Symbol: candle.Symbol, Type: types.SubCandle, Interval: candle.Interval}, candle)
		case reset := <-stream.ResetEvents():
			reset.Venue = venue
			h.logger.Warn("stream reset, resnapshotting books", "venue", venue, "reason", reset.Reason)
			h.resnapshotAll(ctx, venue, fetchSnapshot)
		}
	}
}

func (h *Hub) handleDepth(ctx context.Context, venue string, diff types.DepthDiff, fetchSnapshot func(ctx context.Context, symbol string) (types.OrderBook, error)) {
	diff.Venue = venue
	b := h.bookFor(venue, diff.Symbol)

	if !b.ApplyDiff(diff) {
		h.logger.Warn("sequence gap detected, resnapshotting", "venue", venue, "symbol", diff.Symbol)
		if fetchSnapshot != nil {
			snap, err := fetchSnapshot(ctx, diff.Symbol)
			if err != nil {
				h.logger.Error("resnapshot failed", "venue", venue, "symbol", diff.Symbol, "error", err)
				return
			}
			b.ApplySnapshot(snap)
		}
		return
	}
	h.publish(types.SubscriptionKey{Venue: venue, Symbol: diff.Symbol, Type: types.SubDepth}, b.Snapshot())
}

func (h *Hub) resnapshotAll(ctx context.Context, venue string, fetchSnapshot func(ctx context.Context, symbol string) (types.OrderBook, error)) {
	if fetchSnapshot == nil {
		return
	}
	h.mu.RLock()
	symbols := make([]string, 0)
	prefix := venue + "|"
	for k := range h.books {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			symbols = append(symbols, k[len(prefix):])
		}
	}
	h.mu.RUnlock()

	for _, symbol := range symbols {
		snap, err := fetchSnapshot(ctx, symbol)
		if err != nil {
			h.logger.Error("resnapshot failed", "venue", venue, "symbol", symbol, "error", err)
			continue
		}
		h.bookFor(venue, symbol).ApplySnapshot(snap)
	}
}

func (h *Hub) bookFor(venue, symbol string) *Book {
	k := bookKey(venue, symbol)

	h.mu.RLock()
	b, ok := h.books[k]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok = h.books[k]; ok {
		return b
	}
	b = NewBook(venue, symbol)
	h.books[k] = b
	return b
}

// Book returns the current local book for (venue, symbol), if tracked.
func (h *Hub) Book(venue, symbol string) (types.OrderBook, bool) {
	h.mu.RLock()
	b, ok := h.books[bookKey(venue, symbol)]
	h.mu.RUnlock()
	if !ok {
		return types.OrderBook{}, false
	}
	return b.Snapshot(), true
}

// Subscribe registers a new subscriber for key and returns it along with
// an unsubscribe func. Each subscriber gets its own bounded mailbox so one
// slow consumer cannot stall the fan-out for others.
func (h *Hub) Subscribe(subscriberID string, key types.SubscriptionKey) (*Subscriber, func()) {
	sub := &Subscriber{ID: subscriberID, ch: make(chan any, mailboxCapacity)}

	k := subKey(key)
	h.mu.Lock()
	if h.subscribers[k] == nil {
		h.subscribers[k] = make(map[string]*Subscriber)
	}
	h.subscribers[k][subscriberID] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers[k], subscriberID)
		if len(h.subscribers[k]) == 0 {
			delete(h.subscribers, k)
		}
		h.mu.Unlock()
		close(sub.ch)
	}
	return sub, unsubscribe
}

func (h *Hub) publish(key types.SubscriptionKey, event any) {
	k := subKey(key)

	h.mu.RLock()
	subs := h.subscribers[k]
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- event:
		default:
			h.logger.Warn("subscriber mailbox full, dropping event", "subscriber", s.ID, "key", k)
		}
	}
}

// Shutdown closes every venue stream's underlying connection.
func (h *Hub) Shutdown() error {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	var firstErr error
	for venue, s := range h.streams {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close stream %s: %w", venue, err)
		}
	}
	return firstErr
}
