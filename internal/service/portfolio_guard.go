package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// GuardConfig holds the daily portfolio limits, in percent of balance.
type GuardConfig struct {
	MaxDailyRiskPercent     float64
	MaxDailyDrawdownPercent float64
}

// GuardDecision is the outcome of a daily limits check.
type GuardDecision struct {
	Allowed bool
	Reason  domain.Reason
	Detail  string
	Status  domain.GuardStatus
}

// PortfolioGuard enforces the daily planned-risk budget and the daily
// drawdown circuit breaker over the current UTC calendar day.
type PortfolioGuard struct {
	positions domain.PositionStore
	trades    domain.ClosedTradeStore
	cache     domain.GuardStatusCache
	cfg       GuardConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewPortfolioGuard creates a PortfolioGuard. cache may be nil.
func NewPortfolioGuard(
	positions domain.PositionStore,
	trades domain.ClosedTradeStore,
	cache domain.GuardStatusCache,
	cfg GuardConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PortfolioGuard {
	return &PortfolioGuard{
		positions: positions,
		trades:    trades,
		cache:     cache,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(slog.String("component", "portfolio_guard")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DayStart returns midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckDailyLimits decides whether new exposure may be opened today. Internal
// failures allow the trade with ReasonGuardError so a broken guard never
// halts trading on its own.
func (g *PortfolioGuard) CheckDailyLimits(ctx context.Context, balance float64) GuardDecision {
	d := g.check(ctx, balance)
	g.metrics.ObserveAdmission(d.Allowed, string(d.Reason))
	if g.cache != nil && d.Reason != domain.ReasonGuardError {
		if err := g.cache.SetGuardStatus(ctx, d.Status); err != nil {
			g.logger.WarnContext(ctx, "guard status cache write failed", slog.String("error", err.Error()))
		}
	}
	return d
}

func (g *PortfolioGuard) check(ctx context.Context, balance float64) GuardDecision {
	now := g.now()
	status := domain.GuardStatus{
		DayStart:     DayStart(now),
		PortfolioUSD: balance,
		CheckedAt:    now,
	}
	if balance <= 0 {
		status.Reason = domain.ReasonInvalidBalance
		return GuardDecision{Reason: domain.ReasonInvalidBalance, Detail: "invalid_portfolio", Status: status}
	}

	risk, pnl, err := g.todayTotals(ctx, status.DayStart)
	if err != nil {
		g.logger.ErrorContext(ctx, "daily limits check failed, allowing",
			slog.String("error", err.Error()),
		)
		status.Allowed = true
		status.Reason = domain.ReasonGuardError
		return GuardDecision{Allowed: true, Reason: domain.ReasonGuardError, Detail: err.Error(), Status: status}
	}
	status.OpenRiskTodayPct = risk
	status.RealizedPnLToday = pnl
	if pnl < 0 {
		status.DrawdownTodayPct = math.Abs(pnl) / balance * 100
	}

	d := GuardDecision{Status: status}
	switch {
	case risk >= g.cfg.MaxDailyRiskPercent:
		d.Reason = domain.ReasonDailyRiskExhausted
		d.Detail = fmt.Sprintf("%s:%.2f%%>=%.2f%%", d.Reason, risk, g.cfg.MaxDailyRiskPercent)
	case pnl < 0 && status.DrawdownTodayPct >= g.cfg.MaxDailyDrawdownPercent:
		d.Reason = domain.ReasonDailyDrawdown
		d.Detail = fmt.Sprintf("%s:%.2f%%>=%.2f%%", d.Reason, status.DrawdownTodayPct, g.cfg.MaxDailyDrawdownPercent)
	default:
		d.Allowed = true
		d.Reason = domain.ReasonOK
	}
	d.Status.Allowed = d.Allowed
	d.Status.Reason = d.Reason

	if !d.Allowed {
		g.logger.WarnContext(ctx, "daily limit reached",
			slog.String("detail", d.Detail),
			slog.Float64("open_risk_today_pct", risk),
			slog.Float64("realized_pnl_today", pnl),
			slog.Float64("portfolio_usd", balance),
		)
	}
	return d
}

// todayTotals sums the planned risk committed since dayStart, including
// signals that grew a position opened on an earlier day, and realized PnL over
// trades closed since dayStart. Partial closes are skipped for risk because
// their position is either still open or has its own final close record.
func (g *PortfolioGuard) todayTotals(ctx context.Context, dayStart time.Time) (risk, pnl float64, err error) {
	open, err := g.positions.ListRiskCommittedSince(ctx, dayStart)
	if err != nil {
		return 0, 0, fmt.Errorf("portfolio_guard: open positions: %w", err)
	}
	for _, p := range open {
		risk += p.RiskCommittedSince(dayStart)
	}

	closed, err := g.trades.ListRiskCommittedSince(ctx, dayStart)
	if err != nil {
		return 0, 0, fmt.Errorf("portfolio_guard: trades with risk today: %w", err)
	}
	for _, t := range closed {
		if t.Reason != domain.CloseReasonPartialTP {
			risk += t.RiskCommittedSince(dayStart)
		}
	}

	pnl, err = g.trades.SumPnLSince(ctx, dayStart)
	if err != nil {
		return 0, 0, fmt.Errorf("portfolio_guard: realized pnl: %w", err)
	}
	return risk, pnl, nil
}

// LastStatus returns the cached status from the last check.
func (g *PortfolioGuard) LastStatus(ctx context.Context) (domain.GuardStatus, error) {
	if g.cache == nil {
		return domain.GuardStatus{}, fmt.Errorf("portfolio_guard: last status: %w", domain.ErrNotFound)
	}
	return g.cache.GetGuardStatus(ctx)
}
