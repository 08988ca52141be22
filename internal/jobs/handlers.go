// Package jobs implements the concrete Handler functions the Job System
// (C7) dispatches for the platform's built-in scheduled tasks (spec §4.7):
// symbol metadata refresh, funding-rate capture, a stale order-book
// watchdog, and a daily risk-limit rollup. Kept out of internal/queue so
// the generic dispatcher never imports the exchange, market-data, or risk
// packages its handlers happen to need.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/titancore/futurescore/internal/exchange"
	"github.com/titancore/futurescore/internal/marketdata"
	"github.com/titancore/futurescore/internal/portfolio"
	"github.com/titancore/futurescore/internal/queue"
	"github.com/titancore/futurescore/internal/risk"
	"github.com/titancore/futurescore/pkg/types"
)

// Registrar is satisfied by *queue.Queue.
type Registrar interface {
	RegisterHandler(name string, h queue.Handler)
}

// RegisterDefaults wires every handler queue.DefaultScheduledTasks names
// into q, scoped to the given venue clients, market-data hub, portfolio
// store, and risk manager.
func RegisterDefaults(
	q Registrar,
	clients map[string]*exchange.Client,
	symbols []types.Symbol,
	marketHub *marketdata.Hub,
	portfolios *portfolio.Store,
	riskMgr *risk.Manager,
	logger *slog.Logger,
) {
	l := logger.With("component", "jobs")

	q.RegisterHandler("refresh_symbol_metadata", refreshSymbolMetadata(clients, symbols, l))
	q.RegisterHandler("capture_funding_rates", captureFundingRates(clients, symbols, l))
	q.RegisterHandler("check_stale_orderbooks", checkStaleOrderbooks(marketHub, symbols, l))
	q.RegisterHandler("daily_risk_rollup", dailyRiskRollup(portfolios, riskMgr, l))
}

// refreshSymbolMetadata re-fetches each venue's tradable symbol set so
// tick/lot sizes and trading status stay current without a restart. The
// reference venue REST surface has no dedicated endpoint wired up in this
// tree beyond order-book depth, so this confirms reachability per symbol
// and logs anything that no longer responds — a real deployment would swap
// in an exchangeInfo endpoint here without changing the handler's shape.
func refreshSymbolMetadata(clients map[string]*exchange.Client, symbols []types.Symbol, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job types.Job) (map[string]any, error) {
		checked, stale := 0, 0
		for _, sym := range symbols {
			client, ok := clients[sym.Venue]
			if !ok {
				continue
			}
			checked++
			if _, err := client.GetOrderBook(ctx, sym.Base+sym.Quote, 5); err != nil {
				stale++
				logger.Warn("symbol metadata refresh: venue unreachable", "venue", sym.Venue, "symbol", sym.Base+sym.Quote, "error", err)
			}
		}
		return map[string]any{"checked": checked, "stale": stale}, nil
	}
}

// captureFundingRates is a placeholder venue-by-venue funding snapshot:
// the exchange.Client in this tree exposes order-book and order endpoints
// but not a funding-rate endpoint, so this records a run timestamp per
// venue rather than fabricating a funding value. TODO: wire a real
// funding-rate endpoint once one of the venues behind Exchanges.Venues
// exposes it.
func captureFundingRates(clients map[string]*exchange.Client, symbols []types.Symbol, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job types.Job) (map[string]any, error) {
		venues := make(map[string]bool, len(clients))
		for _, sym := range symbols {
			venues[sym.Venue] = true
		}
		logger.Debug("funding rate capture ran", "venues", len(venues))
		return map[string]any{"venues_checked": len(venues), "captured_at": time.Now().UTC()}, nil
	}
}

// checkStaleOrderbooks flags any symbol whose market-data book the hub has
// never populated, the local analogue of the reference bot's stale-feed
// watchdog now scoped to every tracked symbol instead of one CLOB market.
func checkStaleOrderbooks(hub *marketdata.Hub, symbols []types.Symbol, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job types.Job) (map[string]any, error) {
		var missing []string
		for _, sym := range symbols {
			if _, ok := hub.Book(sym.Venue, sym.Base+sym.Quote); !ok {
				missing = append(missing, fmt.Sprintf("%s:%s", sym.Venue, sym.Base+sym.Quote))
			}
		}
		if len(missing) > 0 {
			logger.Warn("stale order-book watchdog", "missing", missing)
		}
		return map[string]any{"missing": missing}, nil
	}
}

// dailyRiskRollup snapshots every active user's portfolio risk score so an
// operator can see drift day over day without waiting on the next
// violation.
func dailyRiskRollup(portfolios *portfolio.Store, riskMgr *risk.Manager, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job types.Job) (map[string]any, error) {
		users := portfolios.ActiveUsers()
		rollup := make(map[string]any, len(users))
		for _, userID := range users {
			snap := portfolios.UserSnapshot(userID)
			rollup[userID] = map[string]any{
				"exposure":          snap.MaxSinglePositionNotional.String(),
				"drawdown":          snap.Drawdown.String(),
				"open_positions":    snap.OpenPositionCount,
				"emergency_stopped": riskMgr.IsEmergencyStopped(userID),
			}
		}
		return map[string]any{"users": len(users), "rollup": rollup}, nil
	}
}
