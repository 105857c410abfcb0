package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

const (
	reconcileLockKey = "reconcile"
	escalateExchange = "reconcile.exchange_positions"
	escalateOrphan   = "reconcile.close_orphan"
)

// ReconcileConfig configures the reconciler.
type ReconcileConfig struct {
	Interval     time.Duration
	LockTTL      time.Duration
	PendingGrace time.Duration
	CallTimeout  time.Duration
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	LedgerPositions   int           `json:"ledger_positions"`
	ExchangePositions int           `json:"exchange_positions"`
	SkippedPending    int           `json:"skipped_pending"`
	OrphansClosed     int           `json:"orphans_closed"`
	ClosedSymbols     []string      `json:"closed_symbols,omitempty"`
	AbandonedSymbols  []string      `json:"abandoned_symbols,omitempty"`
	UntrackedSymbols  []string      `json:"untracked_symbols,omitempty"`
	Promoted          []string      `json:"promoted,omitempty"`
	DriftRepaired     []string      `json:"drift_repaired,omitempty"`
	Failures          []string      `json:"failures,omitempty"`
}

// Changed reports whether the pass altered the ledger.
func (r ReconcileReport) Changed() bool {
	return r.OrphansClosed > 0 || len(r.AbandonedSymbols) > 0 ||
		len(r.Promoted) > 0 || len(r.DriftRepaired) > 0
}

// Reconciler makes the ledger's open position set agree with the exchange.
// The exchange is the source of truth: ledger positions the exchange no
// longer holds are closed as orphans, exchange positions the ledger lacks are
// reported and never adopted.
type Reconciler struct {
	positions domain.PositionStore
	keeper    *PositionService
	gateway   domain.ExchangeGateway
	prices    domain.PriceCache
	locks     domain.LockManager
	events    domain.EventPublisher
	escalator *Escalator
	cfg       ReconcileConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool

	mu        sync.Mutex
	last      *ReconcileReport
	untracked map[string]bool
}

// NewReconciler creates a Reconciler. prices, locks and escalator may be nil.
func NewReconciler(
	positions domain.PositionStore,
	keeper *PositionService,
	gateway domain.ExchangeGateway,
	prices domain.PriceCache,
	locks domain.LockManager,
	events domain.EventPublisher,
	escalator *Escalator,
	cfg ReconcileConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Reconciler{
		positions: positions,
		keeper:    keeper,
		gateway:   gateway,
		prices:    prices,
		locks:     locks,
		events:    events,
		escalator: escalator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(slog.String("component", "reconciler")),
		now:       func() time.Time { return time.Now().UTC() },
		untracked: make(map[string]bool),
	}
}

// Run reconciles once at startup and then every Interval until ctx is done.
// Pass failures are logged and never end the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	r.runLogged(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.WarnContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
	}
}

// LastReport returns the report of the most recent completed pass.
func (r *Reconciler) LastReport() (ReconcileReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return ReconcileReport{}, false
	}
	return *r.last, true
}

// RunOnce performs one reconciliation pass. An overlapping pass returns
// ErrReconcileInProgress. A failure to read the exchange's positions aborts
// the pass before any ledger change.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return ReconcileReport{}, fmt.Errorf("reconciler: %w", domain.ErrReconcileInProgress)
	}
	defer r.running.Store(false)

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, reconcileLockKey, r.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return ReconcileReport{}, fmt.Errorf("reconciler: %w", domain.ErrReconcileInProgress)
		}
		if err != nil {
			return ReconcileReport{}, fmt.Errorf("reconciler: acquire lock: %w", err)
		}
		defer unlock()
	}

	start := r.now()
	report, err := r.pass(ctx, start)
	report.StartedAt = start
	report.Duration = r.now().Sub(start)
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.ObserveReconcile(result, report.Duration, report.OrphansClosed)
	if err != nil {
		return report, err
	}

	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("ledger_positions", report.LedgerPositions),
		slog.Int("exchange_positions", report.ExchangePositions),
		slog.Int("orphans_closed", report.OrphansClosed),
		slog.Int("untracked", len(report.UntrackedSymbols)),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("duration", report.Duration),
	)
	if report.Changed() || len(report.Failures) > 0 {
		r.publish(ctx, domain.NewEvent(domain.EventReconcileReport, "", map[string]any{
			"ledger_positions":   report.LedgerPositions,
			"exchange_positions": report.ExchangePositions,
			"orphans_closed":     report.OrphansClosed,
			"closed_symbols":     report.ClosedSymbols,
			"abandoned_symbols":  report.AbandonedSymbols,
			"untracked_symbols":  report.UntrackedSymbols,
			"promoted":           report.Promoted,
			"drift_repaired":     report.DriftRepaired,
			"failures":           report.Failures,
		}))
	}
	return report, nil
}

func (r *Reconciler) pass(ctx context.Context, start time.Time) (ReconcileReport, error) {
	var report ReconcileReport

	open, err := r.positions.ListByStatus(ctx, domain.PositionStatusActive, domain.PositionStatusPending)
	if err != nil {
		return report, fmt.Errorf("reconciler: ledger positions: %w", err)
	}
	inScope := make([]domain.Position, 0, len(open))
	for _, p := range open {
		if p.Status == domain.PositionStatusPending && start.Sub(p.OpenTime) < r.cfg.PendingGrace {
			report.SkippedPending++
			continue
		}
		inScope = append(inScope, p)
	}
	report.LedgerPositions = len(inScope)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	exch, err := r.gateway.GetOpenPositions(callCtx)
	cancel()
	if err != nil {
		r.metrics.GatewayError("get_open_positions")
		if r.escalator != nil {
			r.escalator.Failure(ctx, escalateExchange, err)
		}
		return report, fmt.Errorf("reconciler: exchange positions: %w", err)
	}
	if r.escalator != nil {
		r.escalator.Success(escalateExchange)
	}

	onExchange := make(map[string]domain.ExchangePosition, len(exch))
	for _, e := range exch {
		if e.SignedQuantity != 0 {
			onExchange[e.Symbol] = e
		}
	}
	report.ExchangePositions = len(onExchange)

	ledgerSymbols := make(map[string]bool, len(open))
	for _, p := range open {
		ledgerSymbols[p.Symbol] = true
	}

	for _, p := range inScope {
		e, ok := onExchange[p.Symbol]
		if !ok {
			r.resolveOrphan(ctx, p, &report)
			continue
		}
		r.repair(ctx, p, e, &report)
	}

	r.reportUntracked(ctx, onExchange, ledgerSymbols, &report)
	return report, nil
}

// resolveOrphan closes a ledger position the exchange no longer holds. An
// orphan that never filled is simply removed.
func (r *Reconciler) resolveOrphan(ctx context.Context, p domain.Position, report *ReconcileReport) {
	if p.Quantity == 0 {
		if err := r.keeper.Abandon(ctx, p.ID, "reconciled_unfilled"); err != nil {
			r.orphanFailed(ctx, p, err, report)
			return
		}
		report.AbandonedSymbols = append(report.AbandonedSymbols, p.Symbol)
		return
	}

	price, src := r.closePrice(ctx, p)
	trade, err := r.keeper.ClosePosition(ctx, p.ID, price, domain.CloseReasonReconciledOrphan, src)
	if err != nil {
		r.orphanFailed(ctx, p, err, report)
		return
	}
	if r.escalator != nil {
		r.escalator.Success(escalateOrphan)
	}
	report.OrphansClosed++
	report.ClosedSymbols = append(report.ClosedSymbols, p.Symbol)

	r.logger.WarnContext(ctx, "orphan position closed",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.Float64("exit_price", trade.ExitPrice),
		slog.String("price_source", string(trade.PriceSource)),
		slog.Float64("pnl_usd", trade.PnLUSD),
	)
	r.publish(ctx, domain.NewEvent(domain.EventOrphanReconciled, p.Symbol, map[string]any{
		"position_id":  p.ID,
		"trade_id":     trade.ID,
		"exit_price":   trade.ExitPrice,
		"price_source": string(trade.PriceSource),
		"estimated":    trade.Estimated,
		"pnl_usd":      trade.PnLUSD,
		"pnl_percent":  trade.PnLPercent,
	}))
}

func (r *Reconciler) orphanFailed(ctx context.Context, p domain.Position, err error, report *ReconcileReport) {
	report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", p.Symbol, err))
	r.logger.ErrorContext(ctx, "orphan close failed",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("error", err.Error()),
	)
	if r.escalator != nil {
		r.escalator.Failure(ctx, escalateOrphan, err)
	}
}

// closePrice picks the exit price of an orphan: the latest fill since the
// position opened that realized PnL, then the latest market price, then the
// midpoint of stop and target.
func (r *Reconciler) closePrice(ctx context.Context, p domain.Position) (float64, domain.PriceSource) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	fills, err := r.gateway.GetRecentFills(callCtx, p.Symbol, p.OpenTime)
	cancel()
	if err != nil {
		r.metrics.GatewayError("get_recent_fills")
		r.logger.WarnContext(ctx, "recent fills unavailable",
			slog.String("symbol", p.Symbol),
			slog.String("error", err.Error()),
		)
	}
	var best *domain.Fill
	for i := range fills {
		f := fills[i]
		if f.RealizedPnL == 0 || f.Price <= 0 || f.Time.Before(p.OpenTime) {
			continue
		}
		if best == nil || f.Time.After(best.Time) {
			best = &f
		}
	}
	if best != nil {
		return best.Price, domain.PriceSourceFill
	}

	if r.prices != nil {
		price, _, err := r.prices.GetPrice(ctx, p.Symbol)
		if err == nil && price > 0 {
			return price, domain.PriceSourceMarket
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "cached price unavailable",
				slog.String("symbol", p.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	return StopTargetMid(p), domain.PriceSourceStopTargetMid
}

// StopTargetMid returns the midpoint of p's stop and target. With only one
// level set it returns that level, with neither the entry price.
func StopTargetMid(p domain.Position) float64 {
	switch {
	case p.StopPrice > 0 && p.TargetPrice > 0:
		return (p.StopPrice + p.TargetPrice) / 2
	case p.StopPrice > 0:
		return p.StopPrice
	case p.TargetPrice > 0:
		return p.TargetPrice
	default:
		return p.EntryPrice
	}
}

// repair promotes a confirmed PENDING position and corrects drift.
func (r *Reconciler) repair(ctx context.Context, p domain.Position, e domain.ExchangePosition, report *ReconcileReport) {
	if e.Direction() != p.Direction {
		report.Failures = append(report.Failures,
			fmt.Sprintf("%s: ledger %s, exchange %s", p.Symbol, p.Direction, e.Direction()))
		r.logger.ErrorContext(ctx, "position direction mismatch",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("ledger", string(p.Direction)),
			slog.String("exchange", string(e.Direction())),
		)
		return
	}
	if p.Status == domain.PositionStatusPending {
		if _, err := r.keeper.Activate(ctx, p.ID, e); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", p.Symbol, err))
			return
		}
		report.Promoted = append(report.Promoted, p.Symbol)
	}
	changed, err := r.keeper.CorrectDrift(ctx, p.ID, e)
	if err != nil {
		report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", p.Symbol, err))
		return
	}
	if changed {
		report.DriftRepaired = append(report.DriftRepaired, p.Symbol)
	}
}

// reportUntracked alerts once per symbol while the exchange holds a position
// the ledger knows nothing about.
func (r *Reconciler) reportUntracked(
	ctx context.Context,
	onExchange map[string]domain.ExchangePosition,
	ledgerSymbols map[string]bool,
	report *ReconcileReport,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for sym, e := range onExchange {
		if ledgerSymbols[sym] {
			continue
		}
		seen[sym] = true
		report.UntrackedSymbols = append(report.UntrackedSymbols, sym)
		if r.untracked[sym] {
			continue
		}
		r.logger.WarnContext(ctx, "untracked exchange position",
			slog.String("symbol", sym),
			slog.Float64("quantity", e.SignedQuantity),
			slog.Float64("entry_price", e.EntryPrice),
		)
		r.publish(ctx, domain.NewEvent(domain.EventUntrackedPosition, sym, map[string]any{
			"quantity":    e.SignedQuantity,
			"entry_price": e.EntryPrice,
			"leverage":    e.Leverage,
		}))
	}
	r.untracked = seen
	sort.Strings(report.UntrackedSymbols)
}

func (r *Reconciler) publish(ctx context.Context, ev domain.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
