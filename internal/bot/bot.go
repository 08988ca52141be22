// Package bot implements the Bot Runtime (C8): a long-lived cooperative task
// per bot instance, driven by an event mailbox of market events, order
// updates, position updates, and timer ticks. Generalizes the reference
// bot's Maker.Run ticker-driven select loop (one market, one hardcoded
// Avellaneda-Stoikov strategy) into a strategy-pluggable runtime over any of
// the built-in strategies, enforcing a per-tick wall-clock budget and
// checkpointing opaque strategy state to the Cache Layer after every tick.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/pkg/types"
)

// tickBudget is the soft per-tick wall-clock budget (spec §4.8): exceeding
// it logs a warning; three consecutive overruns pauses the bot.
const tickBudget = 250 * time.Millisecond

// maxConsecutiveOverruns is the sustained-overrun threshold before the
// runtime auto-pauses a bot.
const maxConsecutiveOverruns = 3

// mailboxCapacity bounds each bot's inbound event channel.
const mailboxCapacity = 256

// checkpointTTL keeps a bot's last-known strategy state around long enough
// to survive a restart without growing the cache unbounded.
const checkpointTTL = 7 * 24 * time.Hour

// Strategy is the minimal surface strategy code sees (spec §4.8): tick on a
// normalized market event, or on an order/position update. Strategies issue
// orders via the Router injected at construction and return their opaque
// state for checkpointing.
type Strategy interface {
	OnTick(ctx context.Context, event types.MarketTickEvent) error
	OnOrderUpdate(ctx context.Context, order types.Order) error
	OnPositionUpdate(ctx context.Context, position types.Position) error
	Checkpoint() map[string]any
	Restore(state map[string]any)
}

// Router is the subset of the Order Router a strategy needs, injected so
// this package never depends on internal/router's concrete type.
type Router interface {
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Store persists bot lifecycle state (status, error reason).
type Store interface {
	UpdateBotStatus(ctx context.Context, botID string, status types.BotStatus, reason string) error
}

// EventSink receives bot lifecycle notifications for the Client
// Distribution Hub to fan out.
type EventSink interface {
	PublishBotStatus(types.BotStatusEvent)
}

var errInvalidTransition = errors.New("bot: invalid state transition")

// botTransitions is the lifecycle state machine (spec §4.8):
// pending -> starting -> active -> (paused | stopping) -> stopped;
// any non-terminal state -> error.
var botTransitions = map[types.BotStatus][]types.BotStatus{
	types.BotPending:  {types.BotStarting, types.BotError},
	types.BotStarting: {types.BotActive, types.BotError, types.BotStopped},
	types.BotActive:   {types.BotPaused, types.BotStopping, types.BotError},
	types.BotPaused:   {types.BotActive, types.BotStarting, types.BotStopping, types.BotError},
	types.BotStopping: {types.BotStopped, types.BotError},
}

// CanTransition reports whether a bot may move from `from` to `to`. `error`
// is reachable from every non-terminal state; `stopped` is terminal.
func CanTransition(from, to types.BotStatus) bool {
	if from == to {
		return true
	}
	if from == types.BotStopped {
		return false
	}
	if to == types.BotError {
		return true
	}
	for _, allowed := range botTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Runtime drives one bot instance's lifecycle and event loop.
type Runtime struct {
	bot      types.Bot
	strategy Strategy
	cache    *cache.Cache
	store    Store
	events   EventSink
	logger   *slog.Logger

	mu     sync.Mutex
	status types.BotStatus

	mailbox   chan any
	stopped   chan struct{}
	overruns  int
}

// New constructs a Runtime for bot in the `pending` state.
func New(botEntity types.Bot, strategy Strategy, c *cache.Cache, store Store, events EventSink, logger *slog.Logger) *Runtime {
	return &Runtime{
		bot:      botEntity,
		strategy: strategy,
		cache:    c,
		store:    store,
		events:   events,
		status:   types.BotPending,
		logger:   logger.With("component", "bot", "bot_id", botEntity.ID),
		mailbox:  make(chan any, mailboxCapacity),
	}
}

// Status returns the bot's current lifecycle state.
func (r *Runtime) Status() types.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runtime) transition(ctx context.Context, to types.BotStatus, reason string) error {
	r.mu.Lock()
	from := r.status
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, from, to)
	}
	r.status = to
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateBotStatus(ctx, r.bot.ID, to, reason); err != nil {
			r.logger.Error("persist bot status failed", "error", err)
		}
	}
	if r.events != nil {
		r.events.PublishBotStatus(types.BotStatusEvent{
			BotID: r.bot.ID, UserID: r.bot.UserID, Status: to, Reason: reason, Timestamp: time.Now().UTC(),
		})
	}
	r.logger.Info("bot transitioned", "from", from, "to", to, "reason", reason)
	return nil
}

// Preflight checks performed before a bot may enter `active` (spec §4.8):
// connection validity, symbol existence, sufficient balance, subscribed
// data channels. Injected as a func so this package never imports the
// concrete exchange/marketdata clients.
type Preflight func(ctx context.Context, bot types.Bot) error

// Start runs preflight and enters `active`. Legal from pending or paused
// (spec §4.8). `stopped` is terminal and Stop closes the mailbox, so a
// stopped Runtime cannot be started again.
func (r *Runtime) Start(ctx context.Context, preflight Preflight) error {
	if err := r.transition(ctx, types.BotStarting, "start requested"); err != nil {
		return err
	}
	if preflight != nil {
		if err := preflight(ctx, r.bot); err != nil {
			_ = r.transition(ctx, types.BotError, fmt.Sprintf("preflight failed: %v", err))
			return fmt.Errorf("preflight: %w", err)
		}
	}
	r.restoreCheckpoint(ctx)
	return r.transition(ctx, types.BotActive, "preflight passed")
}

// Pause halts new signal generation while keeping subscriptions alive.
// Legal only from `active`.
func (r *Runtime) Pause(ctx context.Context, reason string) error {
	return r.transition(ctx, types.BotPaused, reason)
}

// Resume returns a paused bot to `active`.
func (r *Runtime) Resume(ctx context.Context) error {
	return r.transition(ctx, types.BotActive, "resume requested")
}

// Stop cancels open orders (via cancelOpenOrders, supplied by the caller
// since order ownership lives outside this package), flushes a final
// checkpoint, and enters `stopped`.
func (r *Runtime) Stop(ctx context.Context, cancelOpenOrders func(ctx context.Context) error) error {
	if err := r.transition(ctx, types.BotStopping, "stop requested"); err != nil {
		return err
	}
	if cancelOpenOrders != nil {
		if err := cancelOpenOrders(ctx); err != nil {
			r.logger.Error("cancel open orders during stop failed", "error", err)
		}
	}
	r.checkpoint(ctx)
	close(r.mailbox)
	return r.transition(ctx, types.BotStopped, "stop complete")
}

// Fail transitions the bot to `error`, capturing reason, reachable from any
// non-terminal state per spec §4.8.
func (r *Runtime) Fail(ctx context.Context, reason string) error {
	return r.transition(ctx, types.BotError, reason)
}

// Mailbox returns the channel callers push normalized events onto: one of
// types.MarketTickEvent, orderUpdateMsg, positionUpdateMsg, or timerMsg.
func (r *Runtime) Mailbox() chan<- any { return r.mailbox }

type orderUpdateMsg struct{ order types.Order }
type positionUpdateMsg struct{ position types.Position }
type timerMsg struct{}

// PushOrderUpdate enqueues an order-update event, non-blocking.
func (r *Runtime) PushOrderUpdate(o types.Order) {
	select {
	case r.mailbox <- orderUpdateMsg{order: o}:
	default:
		r.logger.Warn("mailbox full, dropping order update")
	}
}

// PushPositionUpdate enqueues a position-update event, non-blocking.
func (r *Runtime) PushPositionUpdate(p types.Position) {
	select {
	case r.mailbox <- positionUpdateMsg{position: p}:
	default:
		r.logger.Warn("mailbox full, dropping position update")
	}
}

// PushMarketTick enqueues a normalized market event, non-blocking.
func (r *Runtime) PushMarketTick(e types.MarketTickEvent) {
	select {
	case r.mailbox <- e:
	default:
		r.logger.Warn("mailbox full, dropping market tick")
	}
}

// Run drains the mailbox and a timer tick at the bot's declared cadence
// until ctx is cancelled or the bot is stopped. Blocks.
func (r *Runtime) Run(ctx context.Context, tickCadence time.Duration) {
	ticker := time.NewTicker(tickCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatch(ctx, timerMsg{})
		case msg, ok := <-r.mailbox:
			if !ok {
				return
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg any) {
	if r.Status() != types.BotActive {
		return
	}

	start := time.Now()
	var err error
	switch m := msg.(type) {
	case types.MarketTickEvent:
		err = r.strategy.OnTick(ctx, m)
	case orderUpdateMsg:
		err = r.strategy.OnOrderUpdate(ctx, m.order)
	case positionUpdateMsg:
		err = r.strategy.OnPositionUpdate(ctx, m.position)
	case timerMsg:
		err = r.strategy.OnTick(ctx, types.MarketTickEvent{})
	}
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Error("strategy tick failed", "error", err)
		_ = r.Fail(ctx, err.Error())
		return
	}

	r.checkpoint(ctx)
	r.enforceBudget(ctx, elapsed)
}

func (r *Runtime) enforceBudget(ctx context.Context, elapsed time.Duration) {
	if elapsed <= tickBudget {
		r.mu.Lock()
		r.overruns = 0
		r.mu.Unlock()
		return
	}

	r.logger.Warn("tick exceeded budget", "elapsed", elapsed, "budget", tickBudget)
	r.mu.Lock()
	r.overruns++
	consecutive := r.overruns
	r.mu.Unlock()

	if consecutive >= maxConsecutiveOverruns {
		r.logger.Warn("sustained tick overruns, pausing bot", "consecutive", consecutive)
		_ = r.Pause(ctx, "sustained tick-budget overruns")
	}
}

func checkpointKey(botID string) string { return "bot:checkpoint:" + botID }

func (r *Runtime) checkpoint(ctx context.Context) {
	if r.cache == nil {
		return
	}
	state := r.strategy.Checkpoint()
	if err := r.cache.Set(ctx, checkpointKey(r.bot.ID), state, checkpointTTL); err != nil {
		r.logger.Error("checkpoint failed", "error", err)
	}
}

func (r *Runtime) restoreCheckpoint(ctx context.Context) {
	if r.cache == nil {
		return
	}
	var state map[string]any
	if err := r.cache.Get(ctx, checkpointKey(r.bot.ID), &state); err != nil {
		return // no checkpoint yet, or cache miss; strategy starts fresh
	}
	r.strategy.Restore(state)
}
