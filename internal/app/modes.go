package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
	"github.com/alanyoungcy/perpbot/internal/service"
)

const marginReportInterval = time.Minute

// core holds the services built on top of Dependencies. Execution pieces are
// nil in read-only modes.
type core struct {
	events     *service.EventRouter
	hub        *ws.Hub
	escalator  *service.Escalator
	orders     *service.OrderService
	positions  *service.PositionService
	margin     *service.MarginBudget
	guard      *service.PortfolioGuard
	tracker    *executor.Tracker
	executor   *executor.Executor
	feed       *feed.PriceFeed
	reconciler *service.Reconciler
}

// buildCore constructs the services. trading adds the executor, exit checks
// and the reconciler.
func (a *App) buildCore(deps *Dependencies, trading bool) *core {
	cfg := a.cfg
	c := &core{}
	callTimeout := cfg.Exchange.CallTimeout.Duration

	c.hub = ws.NewHub(deps.SignalBus, ws.Config{
		Channels: []string{service.EventsChannel},
		Status:   c.statusSnapshot,
	}, a.logger)

	sinks := []domain.EventPublisher{service.NewAuditPublisher(deps.Audit)}
	if deps.SignalBus != nil {
		sinks = append(sinks, service.NewBusPublisher(deps.SignalBus))
	} else {
		sinks = append(sinks, c.hub)
	}
	if deps.Notifier.Enabled() {
		sinks = append(sinks, deps.Notifier)
	}
	c.events = service.NewEventRouter(a.logger, sinks...)
	c.escalator = service.NewEscalator(cfg.Alerts.FailureThreshold, c.events, deps.Metrics, a.logger)

	c.orders = service.NewOrderService(deps.Ledger.Orders(), deps.Gateway, deps.RateLimiter, c.events,
		service.OrderServiceConfig{
			CallTimeout:     callTimeout,
			OrdersPerMinute: cfg.Execution.OrdersPerMinute,
		}, deps.Metrics, a.logger)
	c.positions = service.NewPositionService(deps.Ledger, deps.Gateway, c.events, callTimeout, deps.Metrics, a.logger)
	c.margin = service.NewMarginBudget(deps.Ledger.Positions(), deps.Gateway, service.MarginConfig{
		WarningRatio:  cfg.Margin.WarningRatio,
		CriticalRatio: cfg.Margin.CriticalRatio,
		DangerRatio:   cfg.Margin.DangerRatio,
		CallTimeout:   callTimeout,
	}, deps.Metrics, a.logger)
	c.guard = service.NewPortfolioGuard(deps.Ledger.Positions(), deps.Ledger.Trades(), deps.GuardCache,
		service.GuardConfig{
			MaxDailyRiskPercent:     cfg.Risk.MaxDailyRiskPercent,
			MaxDailyDrawdownPercent: cfg.Risk.MaxDailyDrawdownPercent,
		}, deps.Metrics, a.logger)

	c.tracker = executor.NewTracker(executor.TrackerConfig{
		SweepInterval: cfg.Execution.SweepInterval.Duration,
		Retention:     cfg.Execution.OrderRetention.Duration,
	}, deps.Metrics, a.logger)
	c.positions.SetLiveOrders(c.tracker)

	var exits feed.ExitEvaluator
	if trading {
		exits = c.positions
	}
	c.feed = feed.NewPriceFeed(feed.PriceFeedConfig{
		Symbols:             cfg.Feed.Symbols,
		ResubscribeInterval: cfg.Feed.ResubscribeInterval.Duration,
	}, deps.Stream, c.tracker, exits, deps.PriceCache, deps.Metrics, a.logger,
		func(context.Context) []string { return c.tracker.WatchedSymbols() },
		c.openSymbols,
	)

	if trading {
		c.executor = executor.NewExecutor(executor.Config{
			DefaultLeverage: cfg.Execution.DefaultLeverage,
			DedupTTL:        cfg.Execution.SignalDedupTTL.Duration,
			CallTimeout:     callTimeout,
			SignalBuffer:    cfg.Execution.SignalBuffer,
		}, executor.Deps{
			Selector: executor.NewSelector(executor.SelectorConfig{
				MarketThreshold:  cfg.Execution.MarketThreshold,
				PartialThreshold: cfg.Execution.PartialThreshold,
				LimitOffsetPct:   cfg.Execution.LimitOffsetPct,
				SplitRatio:       cfg.Execution.SplitRatio,
				LimitTimeout:     cfg.Execution.LimitTimeout.Duration,
			}),
			Tracker:   c.tracker,
			Orders:    c.orders,
			Positions: c.positions,
			Margin:    c.margin,
			Guard:     c.guard,
			Balances:  deps.Gateway,
			Prices:    c.feed,
			Escalator: c.escalator,
			Events:    c.events,
		}, deps.Metrics, a.logger)
	}

	if trading || a.mode() == "reconcile" {
		c.reconciler = service.NewReconciler(deps.Ledger.Positions(), c.positions, deps.Gateway,
			deps.PriceCache, deps.Locks, c.events, c.escalator,
			service.ReconcileConfig{
				Interval:     cfg.Reconcile.Interval.Duration,
				LockTTL:      cfg.Reconcile.LockTTL.Duration,
				PendingGrace: cfg.Reconcile.PendingGrace.Duration,
				CallTimeout:  callTimeout,
			}, deps.Metrics, a.logger)
	}
	return c
}

// openSymbols lists the symbols of open ledger positions.
func (c *core) openSymbols(ctx context.Context) []string {
	open, err := c.positions.Open(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(open))
	for _, p := range open {
		out = append(out, p.Symbol)
	}
	return out
}

// statusSnapshot is pushed to WebSocket clients on connect.
func (c *core) statusSnapshot(ctx context.Context) map[string]any {
	out := map[string]any{"tracker": c.tracker.Stats()}
	if c.executor != nil {
		out["executor"] = c.executor.Stats()
	}
	if open, err := c.positions.Open(ctx); err == nil {
		out["open_positions"] = len(open)
	}
	return out
}

// LiveMode trades against the real exchange account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runTrading(ctx, deps)
}

// PaperMode trades against the emulated exchange driven by live prices.
// Open ledger positions are loaded into the emulator first so the
// reconciler does not treat them as orphans.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	if err := a.seedPaper(ctx, deps); err != nil {
		return err
	}
	return a.runTrading(ctx, deps)
}

func (a *App) seedPaper(ctx context.Context, deps *Dependencies) error {
	if deps.Paper == nil {
		return nil
	}
	active, err := deps.Ledger.Positions().ListByStatus(ctx, domain.PositionStatusActive)
	if err != nil {
		return fmt.Errorf("app: load open positions: %w", err)
	}
	for _, p := range active {
		qty := p.Quantity
		if p.Direction == domain.DirectionShort {
			qty = -qty
		}
		deps.Paper.Seed(p.Symbol, qty, p.EntryPrice)
	}
	if len(active) > 0 {
		a.logger.InfoContext(ctx, "seeded paper exchange", slog.Int("positions", len(active)))
	}
	return nil
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies) error {
	c := a.buildCore(deps, true)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.tracker.Run(ctx) })
	g.Go(func() error { return c.executor.Run(ctx) })
	g.Go(func() error { return c.feed.Run(ctx) })

	if deps.SignalBus != nil && a.cfg.Feed.SignalStream != "" {
		feeder := feed.NewSignalFeeder(deps.SignalBus, a.cfg.Feed.SignalStream, c.executor, a.logger)
		g.Go(func() error { return feeder.Run(ctx) })
	}
	if a.cfg.Reconcile.Enabled {
		g.Go(func() error { return c.reconciler.Run(ctx) })
	}

	a.startShared(ctx, g, deps, c)
	return g.Wait()
}

// MonitorMode streams prices and serves the ledger read-only. No orders are
// placed and no positions are closed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	c := a.buildCore(deps, false)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.tracker.Run(ctx) })
	g.Go(func() error { return c.feed.Run(ctx) })

	a.startShared(ctx, g, deps, c)
	return g.Wait()
}

// ReconcileMode runs one reconciliation pass, prints the report as JSON and
// returns.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running one-shot reconciliation")
	c := a.buildCore(deps, false)

	report, err := c.reconciler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("app: encode report: %w", err)
	}
	return nil
}

// startShared launches the goroutines every long-running mode has: margin
// health reports, notifications, archiving and the API server.
func (a *App) startShared(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	g.Go(func() error {
		ticker := time.NewTicker(marginReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.margin.LogHealthReport(ctx)
			}
		}
	})

	if deps.Notifier.Enabled() {
		g.Go(func() error { return deps.Notifier.Run(ctx) })
	}

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, c)
		g.Go(func() error { return c.hub.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })
	}
}

func (a *App) newServer(deps *Dependencies, c *core) *server.Server {
	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Trades:  handler.NewTradeHandler(deps.Ledger.Trades(), a.logger),
		Metrics: deps.Metrics.Handler(),
	}

	// Nil pointers must not leak into the handler interfaces.
	var (
		stats     handler.ExecutionStats
		closer    handler.PositionCloser
		tracker   handler.OrderTracker
		marks     handler.MarkCache
		reconcile handler.ReconcileRunner
	)
	if c.executor != nil {
		stats = c.executor
		closer = c.positions
		tracker = c.tracker
		h.Signals = handler.NewSignalHandler(c.executor, a.logger)
	}
	if c.reconciler != nil {
		reconcile = c.reconciler
	}
	if deps.PriceCache != nil {
		marks = deps.PriceCache
	}

	h.Status = handler.NewStatusHandler(a.mode(), a.startedAt, stats, c.tracker, c.positions)
	h.Orders = handler.NewOrderHandler(c.orders, tracker, deps.Gateway, a.logger)
	h.Positions = handler.NewPositionHandler(c.positions, closer, c.feed, marks, a.logger)
	h.Risk = handler.NewRiskHandler(c.margin, c.guard, reconcile, a.logger)
	if deps.Blobs != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		h.Archives = handler.NewArchiveHandler(deps.Blobs, deps.Archiver, retention, a.logger)
	}

	return server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, h, c.hub, deps.RateLimiter, a.logger)
}
