// Package control implements the Control Plane (C11): the single owner of
// startup/shutdown ordering and the only entry point that creates or
// destroys a Bot, ExchangeConnection, RiskLimit, or BacktestRun (spec
// §4.2). Every command it exposes carries an invoking user and is rejected
// if the target entity belongs to someone else. It also implements
// risk.EmergencyActions, since it alone holds references to the Order
// Router, the Portfolio Store, and the live bot runtimes an emergency stop
// must reach.
package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/titancore/futurescore/internal/backtest"
	"github.com/titancore/futurescore/internal/bot"
	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/internal/distribution"
	"github.com/titancore/futurescore/internal/marketdata"
	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/internal/queue"
	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/internal/router"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/idgen"
	"github.com/titancore/futurescore/pkg/types"
)

// runningBot pairs a live runtime with the entity snapshot and lifecycle
// plumbing the Plane needs to stop it later.
type runningBot struct {
	runtime *bot.Runtime
	userID  string
	venue   string
	cancel  context.CancelFunc
	done    chan struct{}
}

// runningBacktest tracks an in-flight backtest so CancelBacktest can reach it.
type runningBacktest struct {
	userID string
	cancel context.CancelFunc
}

// Plane wires every other component together and is the sole implementer
// of the command surface (spec §6).
type Plane struct {
	store      Store
	router     *router.Router
	riskMgr    *risk.Manager
	portfolios *portfolio.Store
	marketHub  *marketdata.Hub
	jobs       *queue.Queue
	scheduler  *queue.Scheduler
	backtest   *backtest.Engine
	distHub    *distribution.Hub
	cache      *cache.Cache
	logger     *slog.Logger

	jobWorkers    int
	shutdownGrace time.Duration

	mu        sync.Mutex
	bots      map[string]*runningBot
	backtests map[string]*runningBacktest
}

// New constructs a Plane bound to every already-constructed component.
// jobWorkers sizes the job dispatch pool; shutdownGrace bounds how long
// Shutdown waits for in-flight bot ticks to land and the scheduler to stop.
func New(
	store Store,
	r *router.Router,
	riskMgr *risk.Manager,
	portfolios *portfolio.Store,
	marketHub *marketdata.Hub,
	jobs *queue.Queue,
	scheduler *queue.Scheduler,
	backtestEngine *backtest.Engine,
	distHub *distribution.Hub,
	c *cache.Cache,
	jobWorkers int,
	shutdownGrace time.Duration,
	logger *slog.Logger,
) *Plane {
	return &Plane{
		store:         store,
		router:        r,
		riskMgr:       riskMgr,
		portfolios:    portfolios,
		marketHub:     marketHub,
		jobs:          jobs,
		scheduler:     scheduler,
		backtest:      backtestEngine,
		distHub:       distHub,
		cache:         c,
		logger:        logger.With("component", "control"),
		jobWorkers:    jobWorkers,
		shutdownGrace: shutdownGrace,
		bots:          make(map[string]*runningBot),
		backtests:     make(map[string]*runningBacktest),
	}
}

// Start brings up the background loops: the risk sweep, job dispatch, and
// the scheduler. Bots left active by a previous process are not restarted;
// a bot runs only once StartBot is called for it. Blocks only long enough
// to launch goroutines; returns immediately after.
func (p *Plane) Start(ctx context.Context) error {
	go p.riskMgr.Run(ctx)
	go p.jobs.Run(ctx, p.jobWorkers)
	p.scheduler.Start()

	p.logger.Info("control plane started", "job_workers", p.jobWorkers)
	return nil
}

// Shutdown stops every managed bot (cooperative: each finishes its
// in-flight tick and flushes a checkpoint), then the scheduler, within the
// configured grace window. The risk sweep and job dispatch loops are left
// to the caller's ctx cancellation, since they were started against it.
func (p *Plane) Shutdown(ctx context.Context) error {
	grace, cancel := context.WithTimeout(ctx, p.shutdownGrace)
	defer cancel()

	p.mu.Lock()
	ids := make([]string, 0, len(p.bots))
	for id := range p.bots {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.stopBotByID(grace, id); err != nil {
				p.logger.Error("shutdown: stop bot failed", "bot_id", id, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-grace.Done():
		p.logger.Warn("shutdown grace window elapsed with bots still stopping")
	}

	p.scheduler.Stop(grace)
	p.logger.Info("control plane stopped")
	return nil
}

// ensureOwnership rejects any command whose target entity belongs to a
// different user than the one invoking it. NotFound, not a permissions
// error, so a non-owner learns nothing about whether the entity exists.
func ensureOwnership(entityUserID, callerUserID string) error {
	if entityUserID != callerUserID {
		return corerr.New(corerr.NotFound, "no such resource")
	}
	return nil
}

func newID() string { return idgen.New() }
