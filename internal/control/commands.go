package control

import (
	"context"
	"fmt"
	"time"

	"github.com/titancore/futurescore/internal/bot"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

const botTickCadence = time.Second

// CreateBot persists a new bot in the `pending` state. It does not start
// it — StartBot does that separately (spec §4.8: created, not yet running).
func (p *Plane) CreateBot(ctx context.Context, userID, strategyID string, config map[string]any) (string, error) {
	strategy, err := p.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return "", corerr.Wrap(corerr.NotFound, "strategy not found", err)
	}
	if err := ensureOwnership(strategy.UserID, userID); err != nil {
		return "", err
	}

	b := types.Bot{
		ID:         newID(),
		UserID:     userID,
		StrategyID: strategyID,
		Config:     config,
		Status:     types.BotPending,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := p.store.SaveBot(ctx, b); err != nil {
		return "", corerr.Wrap(corerr.Internal, "save bot", err)
	}
	return b.ID, nil
}

// UpdateBot replaces a bot's config. Legal only while the bot is not active;
// callers must stop or pause first.
func (p *Plane) UpdateBot(ctx context.Context, userID, botID string, config map[string]any) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}
	if b.Status == types.BotActive {
		return corerr.New(corerr.InvalidState, "pause or stop the bot before updating its config")
	}
	b.Config = config
	b.UpdatedAt = time.Now().UTC()
	return p.store.SaveBot(ctx, b)
}

// DeleteBot removes a bot's record. Legal only while stopped or still
// pending.
func (p *Plane) DeleteBot(ctx context.Context, userID, botID string) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}
	if b.Status != types.BotStopped && b.Status != types.BotPending {
		return corerr.New(corerr.InvalidState, "stop the bot before deleting it")
	}
	return p.store.DeleteBot(ctx, botID)
}

// StartBot loads the bot and its strategy, builds the concrete strategy via
// the bot package's factory, and starts its runtime loop in the
// background. Rejected if the bot is already running under this process.
func (p *Plane) StartBot(ctx context.Context, userID, botID string) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}

	p.mu.Lock()
	if _, running := p.bots[botID]; running {
		p.mu.Unlock()
		return corerr.New(corerr.InvalidState, "bot already running")
	}
	p.mu.Unlock()

	strategy, err := p.store.GetStrategy(ctx, b.StrategyID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "strategy not found", err)
	}

	params := b.Config
	if params == nil {
		params = strategy.Parameters
	}
	strat, err := bot.NewStrategy(strategy.Type, params, userID, botID, p.router)
	if err != nil {
		return corerr.Wrap(corerr.ValidationError, "build strategy", err)
	}

	runtime := bot.New(b, strat, p.cache, &botStoreAdapter{p.store}, p.distHub, p.logger)
	if err := runtime.Start(ctx, p.botPreflight); err != nil {
		return corerr.Wrap(corerr.PreflightFailed, "bot preflight failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rb := &runningBot{runtime: runtime, userID: userID, cancel: cancel, done: done}

	p.mu.Lock()
	p.bots[botID] = rb
	p.mu.Unlock()

	go func() {
		defer close(done)
		runtime.Run(runCtx, botTickCadence)
	}()

	return nil
}

// botPreflight checks the conditions spec §4.8 requires before a bot may
// enter active: no emergency stop in effect, and the market-data hub
// already holds a book for the symbol/venue the strategy will trade (a
// stand-in for "subscribed data channels" — a venue with no book has
// nothing for the strategy to tick against).
func (p *Plane) botPreflight(ctx context.Context, b types.Bot) error {
	if p.riskMgr.IsEmergencyStopped(b.UserID) {
		return fmt.Errorf("user %s is under an active emergency stop", b.UserID)
	}

	symbol, _ := b.Config["symbol"].(string)
	venue, _ := b.Config["venue"].(string)
	if symbol == "" || venue == "" {
		return nil // strategy params don't pin a tradable symbol (shouldn't happen; caught by Validate)
	}
	if _, ok := p.marketHub.Book(venue, symbol); !ok {
		return fmt.Errorf("no market data subscribed for %s %s", venue, symbol)
	}
	return nil
}

// StopBot cancels the bot's open orders, stops its runtime loop, and waits
// for the in-flight tick (if any) to finish cooperatively.
func (p *Plane) StopBot(ctx context.Context, userID, botID string) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}
	return p.stopBotByID(ctx, botID)
}

func (p *Plane) stopBotByID(ctx context.Context, botID string) error {
	p.mu.Lock()
	rb, running := p.bots[botID]
	p.mu.Unlock()
	if !running {
		return nil // already stopped, or never started in this process
	}

	cancelOrders := func(ctx context.Context) error {
		orders, err := p.store.ListOpenOrders(ctx, rb.userID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.BotID != botID {
				continue
			}
			if err := p.router.CancelOrder(ctx, o.ID); err != nil {
				p.logger.Error("cancel bot order during stop failed", "order_id", o.ID, "error", err)
			}
		}
		return nil
	}

	err := rb.runtime.Stop(ctx, cancelOrders)
	rb.cancel()

	select {
	case <-rb.done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	delete(p.bots, botID)
	p.mu.Unlock()

	return err
}

// PauseBot halts signal generation while keeping the bot's subscriptions
// and checkpoint alive.
func (p *Plane) PauseBot(ctx context.Context, userID, botID string, reason string) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}
	p.mu.Lock()
	rb, running := p.bots[botID]
	p.mu.Unlock()
	if !running {
		return corerr.New(corerr.InvalidState, "bot is not running")
	}
	return rb.runtime.Pause(ctx, reason)
}

// ResumeBot returns a paused bot to active.
func (p *Plane) ResumeBot(ctx context.Context, userID, botID string) error {
	b, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "bot not found", err)
	}
	if err := ensureOwnership(b.UserID, userID); err != nil {
		return err
	}
	p.mu.Lock()
	rb, running := p.bots[botID]
	p.mu.Unlock()
	if !running {
		return corerr.New(corerr.InvalidState, "bot is not running")
	}
	return rb.runtime.Resume(ctx)
}

// botStoreAdapter narrows control.Store down to the bot.Store surface the
// Bot Runtime needs (persisting status transitions only).
type botStoreAdapter struct{ store Store }

func (a *botStoreAdapter) UpdateBotStatus(ctx context.Context, botID string, status types.BotStatus, reason string) error {
	b, err := a.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	b.Status = status
	b.ErrorReason = reason
	b.UpdatedAt = time.Now().UTC()
	return a.store.SaveBot(ctx, b)
}

// PlaceOrder is a thin ownership-checked pass-through to the Order Router;
// a manually-placed order carries no BotID.
func (p *Plane) PlaceOrder(ctx context.Context, userID string, order types.Order) (string, error) {
	order.UserID = userID
	placed, err := p.router.PlaceOrder(ctx, order)
	if err != nil {
		return "", err
	}
	return placed.ID, nil
}

// CancelOrder checks ownership before delegating to the Order Router.
func (p *Plane) CancelOrder(ctx context.Context, userID, orderID string) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "order not found", err)
	}
	if err := ensureOwnership(order.UserID, userID); err != nil {
		return err
	}
	if order.Status.Terminal() {
		return corerr.New(corerr.NotCancellable, "order already in a terminal state")
	}
	return p.router.CancelOrder(ctx, orderID)
}

// CreateRiskLimit adds a new limit for userID, optionally scoped to one bot.
func (p *Plane) CreateRiskLimit(ctx context.Context, userID, botID string, limit types.RiskLimit) (string, error) {
	if botID != "" {
		b, err := p.store.GetBot(ctx, botID)
		if err != nil {
			return "", corerr.Wrap(corerr.NotFound, "bot not found", err)
		}
		if err := ensureOwnership(b.UserID, userID); err != nil {
			return "", err
		}
	}
	limit.ID = newID()
	limit.UserID = userID
	limit.BotID = botID
	if limit.WarningFraction.IsZero() {
		limit.WarningFraction = types.DefaultWarningFraction
	}
	if limit.CriticalFraction.IsZero() {
		limit.CriticalFraction = types.DefaultCriticalFraction
	}
	if err := p.store.SaveRiskLimit(ctx, limit); err != nil {
		return "", corerr.Wrap(corerr.Internal, "save risk limit", err)
	}
	return limit.ID, nil
}

// UpdateRiskLimit replaces a limit's threshold/fractions/enabled flag.
func (p *Plane) UpdateRiskLimit(ctx context.Context, userID string, limit types.RiskLimit) error {
	existing, err := p.store.GetRiskLimit(ctx, limit.ID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "risk limit not found", err)
	}
	if err := ensureOwnership(existing.UserID, userID); err != nil {
		return err
	}
	limit.UserID = existing.UserID
	limit.BotID = existing.BotID
	return p.store.SaveRiskLimit(ctx, limit)
}

// DeleteRiskLimit removes a limit.
func (p *Plane) DeleteRiskLimit(ctx context.Context, userID, limitID string) error {
	existing, err := p.store.GetRiskLimit(ctx, limitID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "risk limit not found", err)
	}
	if err := ensureOwnership(existing.UserID, userID); err != nil {
		return err
	}
	return p.store.DeleteRiskLimit(ctx, limitID)
}

// CreateExchangeConnection stores a new venue credential record. The
// caller is expected to have already encrypted the key (spec §4.1): the
// Control Plane never sees plaintext credentials.
func (p *Plane) CreateExchangeConnection(ctx context.Context, userID, venue string, env types.Environment, encryptedKey []byte, perms []types.Permission) (string, error) {
	conn := types.ExchangeConnection{
		ID:           newID(),
		UserID:       userID,
		Venue:        venue,
		Env:          env,
		EncryptedKey: encryptedKey,
		Permissions:  perms,
		Status:       types.ConnectionStatus("active"),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := p.store.SaveExchangeConnection(ctx, conn); err != nil {
		return "", corerr.Wrap(corerr.Internal, "save exchange connection", err)
	}
	return conn.ID, nil
}

// UpdateExchangeConnection replaces permissions/status for an existing connection.
func (p *Plane) UpdateExchangeConnection(ctx context.Context, userID, connID string, status types.ConnectionStatus, perms []types.Permission) error {
	conn, err := p.store.GetExchangeConnection(ctx, connID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "exchange connection not found", err)
	}
	if err := ensureOwnership(conn.UserID, userID); err != nil {
		return err
	}
	conn.Status = status
	conn.Permissions = perms
	conn.UpdatedAt = time.Now().UTC()
	return p.store.SaveExchangeConnection(ctx, conn)
}

// DeleteExchangeConnection removes a venue credential record.
func (p *Plane) DeleteExchangeConnection(ctx context.Context, userID, connID string) error {
	conn, err := p.store.GetExchangeConnection(ctx, connID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "exchange connection not found", err)
	}
	if err := ensureOwnership(conn.UserID, userID); err != nil {
		return err
	}
	return p.store.DeleteExchangeConnection(ctx, connID)
}

// EnqueueJob rejects unknown handler names before the job ever reaches the
// queue (the UnknownHandler failure kind from spec §6's command table has
// no dedicated corerr.Kind, so it maps to ValidationError).
func (p *Plane) EnqueueJob(ctx context.Context, userID, name string, args map[string]any, priority types.JobPriority, scheduledAt *time.Time) (string, error) {
	if !p.jobs.HasHandler(name) {
		return "", corerr.New(corerr.ValidationError, fmt.Sprintf("no handler registered for job %q", name))
	}
	job := types.Job{
		Name:        name,
		Args:        args,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		UserID:      userID,
	}
	return p.jobs.Enqueue(ctx, job)
}

// CancelJob cancels a pending or scheduled job, checking ownership first.
func (p *Plane) CancelJob(ctx context.Context, userID, jobID string) error {
	job, err := p.jobs.JobStatus(ctx, jobID)
	if err != nil {
		return corerr.Wrap(corerr.NotFound, "job not found", err)
	}
	if err := ensureOwnership(job.UserID, userID); err != nil {
		return err
	}
	if err := p.jobs.Cancel(ctx, jobID); err != nil {
		return corerr.Wrap(corerr.InvalidState, "job cannot be cancelled", err)
	}
	return nil
}

// JobStatus returns a job's current record, checking ownership first.
func (p *Plane) JobStatus(ctx context.Context, userID, jobID string) (types.Job, error) {
	job, err := p.jobs.JobStatus(ctx, jobID)
	if err != nil {
		return types.Job{}, corerr.Wrap(corerr.NotFound, "job not found", err)
	}
	if err := ensureOwnership(job.UserID, userID); err != nil {
		return types.Job{}, err
	}
	return job, nil
}

// RunBacktest builds the configured strategy and replays it against
// historical candles in the background, updating the persisted run record
// as it progresses.
func (p *Plane) RunBacktest(ctx context.Context, userID string, cfg types.BacktestConfig) (string, error) {
	if cfg.Symbol == "" || cfg.Timeframe == "" || !cfg.End.After(cfg.Start) {
		return "", corerr.New(corerr.ValidationError, "invalid backtest time range")
	}

	runID := newID()
	strat, err := bot.NewStrategy(cfg.StrategyType, cfg.StrategyParams, userID, runID, p.router)
	if err != nil {
		return "", corerr.Wrap(corerr.ValidationError, "build strategy", err)
	}

	run := types.BacktestRun{
		ID:        runID,
		UserID:    userID,
		Symbol:    cfg.Symbol,
		Timeframe: cfg.Timeframe,
		Start:     cfg.Start,
		End:       cfg.End,
		Status:    types.BacktestPending,
	}
	if err := p.store.SaveBacktestRun(ctx, run); err != nil {
		return "", corerr.Wrap(corerr.Internal, "save backtest run", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.backtests[runID] = &runningBacktest{userID: userID, cancel: cancel}
	p.mu.Unlock()
	p.distHub.TrackBacktestRun(runID, userID)

	go p.executeBacktest(runCtx, runID, cfg, strat)

	return runID, nil
}

func (p *Plane) executeBacktest(ctx context.Context, runID string, cfg types.BacktestConfig, strat bot.Strategy) {
	defer func() {
		p.mu.Lock()
		delete(p.backtests, runID)
		p.mu.Unlock()
		p.distHub.UntrackBacktestRun(runID)
	}()

	started := time.Now().UTC()
	run, err := p.store.GetBacktestRun(context.Background(), runID)
	if err == nil {
		run.Status = types.BacktestRunning
		run.StartedAt = &started
		_ = p.store.SaveBacktestRun(context.Background(), run)
	}

	result, err := p.backtest.Run(ctx, runID, cfg, strat)
	completed := time.Now().UTC()

	run, loadErr := p.store.GetBacktestRun(context.Background(), runID)
	if loadErr != nil {
		return
	}
	switch {
	case err != nil:
		run.Status = types.BacktestFailed
	case result == nil:
		run.Status = types.BacktestCancelled
	default:
		run.Status = types.BacktestCompleted
		run.Progress = 100
		run.ResultRef = result.RunID
	}
	run.CompletedAt = &completed
	_ = p.store.SaveBacktestRun(context.Background(), run)
}

// CancelBacktest cancels an in-flight backtest, checking ownership first.
func (p *Plane) CancelBacktest(ctx context.Context, userID, runID string) error {
	p.mu.Lock()
	rb, running := p.backtests[runID]
	p.mu.Unlock()
	if !running {
		return corerr.New(corerr.InvalidState, "backtest is not running")
	}
	if err := ensureOwnership(rb.userID, userID); err != nil {
		return err
	}
	rb.cancel()
	return nil
}

// EmergencyStopSummary reports the side effects one EmergencyStop command
// carried out for a user: how many bots it stopped, open orders it
// cancelled, and positions it flattened.
type EmergencyStopSummary struct {
	BotsStopped     int
	OrdersCancelled int
	PositionsClosed int
}

// EmergencyStop flags userID as emergency-stopped, runs the cancel/close/
// stop sequence itself, and reports how much it actually did. A second
// call while the stop is still in effect is idempotent and returns a
// zero summary, sharing the same stopped-flag window the risk engine's
// own automatic trigger uses.
func (p *Plane) EmergencyStop(ctx context.Context, userID, reason string) (EmergencyStopSummary, error) {
	if already := p.riskMgr.MarkEmergencyStopped(userID); already {
		return EmergencyStopSummary{}, nil
	}
	p.logger.Error("EMERGENCY STOP", "user", userID, "reason", reason)

	cancelled, cancelErr := p.cancelAllOrdersCounted(ctx, userID)
	if cancelErr != nil {
		p.logger.Error("emergency cancel orders failed", "user", userID, "error", cancelErr)
	}
	closed, closeErr := p.closeAllPositionsCounted(ctx, userID)
	if closeErr != nil {
		p.logger.Error("emergency close positions failed", "user", userID, "error", closeErr)
	}
	stopped, stopErr := p.stopAllBotsCounted(ctx, userID)
	if stopErr != nil {
		p.logger.Error("emergency stop bots failed", "user", userID, "error", stopErr)
	}

	if p.distHub != nil {
		p.distHub.PublishRiskAlert(types.RiskAlertEvent{
			UserID: userID, Kind: "kill-switch-activated", Reason: reason, Timestamp: time.Now().UTC(),
		})
	}

	summary := EmergencyStopSummary{BotsStopped: stopped, OrdersCancelled: cancelled, PositionsClosed: closed}
	if cancelErr != nil {
		return summary, cancelErr
	}
	if closeErr != nil {
		return summary, closeErr
	}
	return summary, stopErr
}

// ClearEmergencyStop lifts a user's emergency stop, allowing new orders and
// bot starts again.
func (p *Plane) ClearEmergencyStop(ctx context.Context, userID string) error {
	p.riskMgr.ClearEmergencyStop(userID)
	if p.distHub != nil {
		p.distHub.PublishRiskAlert(types.RiskAlertEvent{
			UserID: userID, Kind: "kill-switch-cleared", Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// CancelAllOrders satisfies risk.EmergencyActions: cancels every open order
// for userID across every bot and manual placement.
func (p *Plane) CancelAllOrders(ctx context.Context, userID string) error {
	_, err := p.cancelAllOrdersCounted(ctx, userID)
	return err
}

// cancelAllOrdersCounted does the same work as CancelAllOrders but reports
// how many orders it actually cancelled, for EmergencyStop's summary.
func (p *Plane) cancelAllOrdersCounted(ctx context.Context, userID string) (int, error) {
	orders, err := p.store.ListOpenOrders(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	var cancelled int
	var firstErr error
	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		if err := p.router.CancelOrder(ctx, o.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancelled++
	}
	return cancelled, firstErr
}

// CloseAllPositions satisfies risk.EmergencyActions: flattens every open
// position for userID with a reduce-only market order in the opposite
// direction.
func (p *Plane) CloseAllPositions(ctx context.Context, userID string) error {
	_, err := p.closeAllPositionsCounted(ctx, userID)
	return err
}

// closeAllPositionsCounted does the same work as CloseAllPositions but
// reports how many positions it submitted a flattening order for.
func (p *Plane) closeAllPositionsCounted(ctx context.Context, userID string) (int, error) {
	positions := p.portfolios.Positions(userID)
	var closed int
	var firstErr error
	for _, pos := range positions {
		side := types.Sell
		if pos.Side == types.PosShort {
			side = types.Buy
		}
		order := types.Order{
			UserID:       userID,
			Venue:        pos.Venue,
			Symbol:       pos.Symbol,
			Side:         side,
			PositionSide: pos.Side,
			Type:         types.OrderMarket,
			Quantity:     pos.Quantity,
			ReduceOnly:   true,
		}
		if _, err := p.router.PlaceOrder(ctx, order); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

// StopAllBots satisfies risk.EmergencyActions: stops every bot this process
// is running for userID.
func (p *Plane) StopAllBots(ctx context.Context, userID, reason string) error {
	_, err := p.stopAllBotsCounted(ctx, userID)
	return err
}

// stopAllBotsCounted does the same work as StopAllBots but reports how
// many bots it actually stopped.
func (p *Plane) stopAllBotsCounted(ctx context.Context, userID string) (int, error) {
	p.mu.Lock()
	ids := make([]string, 0)
	for id, rb := range p.bots {
		if rb.userID == userID {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	var stopped int
	var firstErr error
	for _, id := range ids {
		if err := p.stopBotByID(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped++
	}
	return stopped, firstErr
}
