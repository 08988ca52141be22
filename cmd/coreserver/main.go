// Core Server — the runtime for an automated cryptocurrency futures
// trading platform.
//
// Architecture:
//
//	main.go                     — entry point: loads config, wires every component, starts the Control Plane, serves HTTP/WS, waits for SIGINT/SIGTERM
//	internal/exchange           — REST + WebSocket venue adapter (C1)
//	internal/marketdata         — order-book hub and per-key subscriber fan-out (C2)
//	internal/cache              — Redis-backed cache/queue primitives (C3)
//	internal/portfolio          — position and fill tracking, per-user risk snapshots (C4)
//	internal/risk               — pre-trade gating and the background risk sweep (C5)
//	internal/router             — order placement, cancellation, and reconciliation (C6)
//	internal/queue              — background job dispatch and cron-style scheduling (C7)
//	internal/bot                — strategy runtimes: grid, DCA, momentum, mean-reversion (C8)
//	internal/backtest           — deterministic candle-replay engine (C9)
//	internal/distribution       — authenticated WebSocket fan-out to clients (C10)
//	internal/control             — command surface, lifecycle ownership, emergency stop (C11)
//	internal/store               — JSON-file entity persistence
//	internal/auth                 — bearer-token issuance/validation
//	internal/jobs                  — handlers for the platform's built-in scheduled jobs
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titancore/futurescore/internal/auth"
	"github.com/titancore/futurescore/internal/backtest"
	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/internal/config"
	"github.com/titancore/futurescore/internal/control"
	"github.com/titancore/futurescore/internal/distribution"
	"github.com/titancore/futurescore/internal/exchange"
	"github.com/titancore/futurescore/internal/jobs"
	"github.com/titancore/futurescore/internal/marketdata"
	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/internal/queue"
	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/internal/router"
	"github.com/titancore/futurescore/internal/store"
	"github.com/titancore/futurescore/pkg/idgen"
	"github.com/titancore/futurescore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CORE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	plane, httpServer, err := wire(*cfg, logger)
	if err != nil {
		logger.Error("failed to wire core", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := plane.Start(ctx); err != nil {
		logger.Error("failed to start control plane", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	if cfg.Server.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("core server started", "port", cfg.Server.Port, "venues", len(cfg.Exchanges.Venues), "dry_run", cfg.Server.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if err := plane.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown failed", "error", err)
	}
	cancel()
}

// emergencyActionsProxy breaks the construction-order cycle between
// risk.NewManager (which needs a risk.EmergencyActions) and control.New
// (which needs the *risk.Manager, and is itself the natural
// EmergencyActions implementer). The proxy is handed to risk.NewManager
// first with plane left nil, then back-filled once control.New returns.
type emergencyActionsProxy struct {
	plane *control.Plane
}

func (p *emergencyActionsProxy) CancelAllOrders(ctx context.Context, userID string) error {
	return p.plane.CancelAllOrders(ctx, userID)
}

func (p *emergencyActionsProxy) CloseAllPositions(ctx context.Context, userID string) error {
	return p.plane.CloseAllPositions(ctx, userID)
}

func (p *emergencyActionsProxy) StopAllBots(ctx context.Context, userID, reason string) error {
	return p.plane.StopAllBots(ctx, userID, reason)
}

// wire constructs every component and returns the fully assembled Control
// Plane plus the HTTP server that fronts it.
func wire(cfg config.Config, logger *slog.Logger) (*control.Plane, *http.Server, error) {
	entityStore, err := store.Open(cfg.Database.DataDir)
	if err != nil {
		return nil, nil, err
	}

	c := cache.New(cfg.Cache.ConnectionString, cfg.Cache.DB)

	venueClients := make(map[string]*exchange.Client, len(cfg.Exchanges.Venues))
	venueRouter := make(map[string]router.VenueClient, len(cfg.Exchanges.Venues))
	var symbols []types.Symbol
	for venue, venueCfg := range cfg.Exchanges.Venues {
		restURL, _, ok := cfg.Exchanges.VenueURLs(venue, cfg.Server.Testnet)
		if !ok || restURL == "" {
			continue
		}
		client := exchange.NewClient(venue, restURL, nil, cfg.Server.DryRun, logger)
		venueClients[venue] = client
		venueRouter[venue] = client
		for _, sc := range venueCfg.Symbols {
			symbols = append(symbols, symbolFromConfig(venue, sc))
		}
	}

	marketHub := marketdata.New(logger)
	portfolios := portfolio.New(logger)
	distHub := distribution.NewHub(marketHub, logger)

	proxy := &emergencyActionsProxy{}
	riskMgr := risk.NewManager(entityStore, portfolios, proxy, cfg.Risk.SweepInterval, logger)
	symbolCatalog := router.NewSymbolCatalog(symbols)
	orderRouter := router.New(venueRouter, riskMgr, entityStore, distHub, symbolCatalog, portfolios, logger)

	jobQueue := queue.New(c, logger)
	scheduler := queue.NewScheduler(jobQueue, logger)
	for _, task := range queue.DefaultScheduledTasks() {
		if err := scheduler.RegisterTask(task); err != nil {
			return nil, nil, err
		}
	}
	jobs.RegisterDefaults(jobQueue, venueClients, symbols, marketHub, portfolios, riskMgr, logger)

	candleSource := &multiVenueCandleSource{clients: venueClients}
	backtestEngine := backtest.New(candleSource, distHub, logger)

	plane := control.New(
		entityStore, orderRouter, riskMgr, portfolios, marketHub,
		jobQueue, scheduler, backtestEngine, distHub, c,
		cfg.Jobs.WorkerPoolSize, cfg.Server.ShutdownGrace, logger,
	)
	proxy.plane = plane

	for venue, client := range venueClients {
		_, streamURL, ok := cfg.Exchanges.VenueURLs(venue, cfg.Server.Testnet)
		if !ok || streamURL == "" {
			continue
		}
		venueClient := client
		stream := exchange.NewMarketStream(streamURL, logger)
		marketHub.AttachStream(context.Background(), venue, stream, func(ctx context.Context, symbol string) (types.OrderBook, error) {
			book, err := venueClient.GetOrderBook(ctx, symbol, 50)
			if err != nil {
				return types.OrderBook{}, err
			}
			return *book, nil
		})
	}

	validator := auth.NewValidator(cfg.Security.JWTSigningKey, cfg.Server.TokenTTL)
	wsServer := distribution.NewServer(distHub, validator, cfg.Server.AllowedOrigins, idgen.New, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWebSocket)
	registerCommandRoutes(mux, plane, validator)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return plane, httpServer, nil
}

func symbolFromConfig(venue string, sc config.SymbolConfig) types.Symbol {
	return types.Symbol{
		Venue:             venue,
		Base:              sc.Base,
		Quote:             sc.Quote,
		TickSize:          mustDecimal(sc.TickSize),
		LotSize:           mustDecimal(sc.LotSize),
		MinNotional:       mustDecimal(sc.MinNotional),
		PricePrecision:    sc.PricePrecision,
		QuantityPrecision: sc.QuantityPrecision,
		Status:            "trading",
	}
}

func mustDecimal(s string) types.D {
	if s == "" {
		return types.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return types.Zero
	}
	return d
}

// multiVenueCandleSource satisfies backtest.CandleSource by trying every
// configured venue's REST client for a symbol's historical candles,
// returning the first non-empty result. Kept here rather than inside
// internal/exchange since picking a venue for a venue-less request is a
// wiring concern of the server, not the adapter.
type multiVenueCandleSource struct {
	clients map[string]*exchange.Client
}

func (m *multiVenueCandleSource) LoadCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Candle, error) {
	var lastErr error
	for _, client := range m.clients {
		candles, err := client.GetCandles(ctx, symbol, timeframe, start, end, 1000)
		if err != nil {
			lastErr = err
			continue
		}
		if len(candles) > 0 {
			return candles, nil
		}
	}
	return nil, lastErr
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

