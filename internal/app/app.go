// Package app wires the execution core together and runs it in the
// configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/config"
)

type runner func(a *App, ctx context.Context, deps *Dependencies) error

// runners maps each operating mode to its entry point.
var runners = map[string]runner{
	"live":      (*App).LiveMode,
	"paper":     (*App).PaperMode,
	"monitor":   (*App).MonitorMode,
	"reconcile": (*App).ReconcileMode,
}

// App owns the configuration and the shutdown hooks registered while wiring.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

func (a *App) mode() string {
	return strings.ToLower(a.cfg.Mode)
}

// Run wires dependencies and blocks in the selected mode until ctx is
// cancelled or the mode finishes. Resources are released by Close.
func (a *App) Run(ctx context.Context) error {
	run, ok := runners[a.mode()]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.mode()),
		slog.String("ledger", a.cfg.Ledger.Driver),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("archive", a.cfg.Archive.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(a, ctx, deps)
}

// Close runs the shutdown hooks newest first. Further calls do nothing.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("shutting down application", slog.Duration("uptime", time.Since(a.startedAt)))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
