package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// BalanceSource reports the account balance in the quote asset.
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (float64, error)
}

// MarginConfig holds the usage ratios that bucket margin health.
type MarginConfig struct {
	WarningRatio  float64
	CriticalRatio float64
	DangerRatio   float64
	CallTimeout   time.Duration
}

// MarginDecision is the outcome of an admission check.
type MarginDecision struct {
	Allowed        bool
	Reason         domain.Reason
	Required       float64
	ProjectedUsage float64
	Snapshot       domain.MarginSnapshot
}

// MarginBudget decides whether new exposure fits the account's margin.
type MarginBudget struct {
	positions domain.PositionStore
	balances  BalanceSource
	cfg       MarginConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewMarginBudget creates a MarginBudget reading open positions from the
// ledger and the balance from the gateway.
func NewMarginBudget(
	positions domain.PositionStore,
	balances BalanceSource,
	cfg MarginConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarginBudget {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &MarginBudget{
		positions: positions,
		balances:  balances,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(slog.String("component", "margin_budget")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Health buckets a usage ratio.
func (m *MarginBudget) Health(ratio float64) domain.MarginHealth {
	switch {
	case ratio >= m.cfg.DangerRatio:
		return domain.MarginDanger
	case ratio >= m.cfg.CriticalRatio:
		return domain.MarginCritical
	case ratio >= m.cfg.WarningRatio:
		return domain.MarginWarning
	default:
		return domain.MarginHealthy
	}
}

// Build derives a snapshot from a balance and one consistent read of the open
// position set.
func (m *MarginBudget) Build(balance float64, positions []domain.Position) domain.MarginSnapshot {
	snap := domain.MarginSnapshot{
		Balance:       balance,
		PositionCount: len(positions),
		TakenAt:       m.now(),
		Breakdown:     make([]domain.PositionMargin, 0, len(positions)),
	}
	var levSum float64
	for _, p := range positions {
		margin := p.MarginUsed()
		snap.TotalMarginUsed += margin
		levSum += p.Leverage
		snap.Breakdown = append(snap.Breakdown, domain.PositionMargin{
			Symbol:    p.Symbol,
			Direction: p.Direction,
			Notional:  p.Notional(),
			Leverage:  p.Leverage,
			Margin:    margin,
		})
	}
	for i := range snap.Breakdown {
		if snap.TotalMarginUsed > 0 {
			snap.Breakdown[i].PercentOfMargin = snap.Breakdown[i].Margin / snap.TotalMarginUsed * 100
		}
	}
	sort.SliceStable(snap.Breakdown, func(i, j int) bool {
		return snap.Breakdown[i].Margin > snap.Breakdown[j].Margin
	})
	if len(positions) > 0 {
		snap.AvgLeverage = levSum / float64(len(positions))
	}
	snap.Available = balance - snap.TotalMarginUsed
	if balance > 0 {
		snap.UsageRatio = snap.TotalMarginUsed / balance
	}
	snap.Health = m.Health(snap.UsageRatio)
	return snap
}

// Evaluate applies the admission rules to a snapshot. Denial is monotonic in
// required: if Evaluate denies m it denies every m' > m.
func (m *MarginBudget) Evaluate(snap domain.MarginSnapshot, required float64) MarginDecision {
	d := MarginDecision{Required: required, Snapshot: snap}
	if snap.Balance <= 0 {
		d.Reason = domain.ReasonInvalidBalance
		return d
	}
	d.ProjectedUsage = (snap.TotalMarginUsed + required) / snap.Balance

	switch {
	case snap.UsageRatio >= m.cfg.DangerRatio:
		d.Reason = domain.ReasonMarginDanger
	case d.ProjectedUsage > m.cfg.DangerRatio:
		d.Reason = domain.ReasonProjectedUsage
	case snap.Available < required:
		d.Reason = domain.ReasonInsufficientMargin
	default:
		d.Allowed = true
		d.Reason = domain.ReasonOK
	}
	return d
}

// Snapshot reads the balance and open positions and builds a snapshot.
func (m *MarginBudget) Snapshot(ctx context.Context) (domain.MarginSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	balance, err := m.balances.GetAccountBalance(callCtx)
	cancel()
	if err != nil {
		m.metrics.GatewayError("get_account_balance")
		return domain.MarginSnapshot{}, fmt.Errorf("margin_budget: balance: %w", err)
	}
	return m.SnapshotWithBalance(ctx, balance)
}

// SnapshotWithBalance builds a snapshot for a balance the caller already has.
func (m *MarginBudget) SnapshotWithBalance(ctx context.Context, balance float64) (domain.MarginSnapshot, error) {
	open, err := m.positions.ListByStatus(ctx, domain.PositionStatusActive, domain.PositionStatusPending)
	if err != nil {
		return domain.MarginSnapshot{}, fmt.Errorf("margin_budget: open positions: %w", err)
	}
	snap := m.Build(balance, open)
	m.metrics.SetMarginUsage(snap.UsageRatio)
	return snap, nil
}

// Admit checks whether requiredMargin fits. A failure to read state denies
// with ReasonStateUnavailable.
func (m *MarginBudget) Admit(ctx context.Context, requiredMargin float64) MarginDecision {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return m.unavailable(ctx, requiredMargin, err)
	}
	return m.decide(ctx, snap, requiredMargin)
}

// AdmitWithBalance is Admit for a balance the caller already fetched.
func (m *MarginBudget) AdmitWithBalance(ctx context.Context, balance, requiredMargin float64) MarginDecision {
	snap, err := m.SnapshotWithBalance(ctx, balance)
	if err != nil {
		return m.unavailable(ctx, requiredMargin, err)
	}
	return m.decide(ctx, snap, requiredMargin)
}

func (m *MarginBudget) decide(ctx context.Context, snap domain.MarginSnapshot, required float64) MarginDecision {
	d := m.Evaluate(snap, required)
	m.metrics.ObserveAdmission(d.Allowed, string(d.Reason))
	if !d.Allowed {
		m.logger.WarnContext(ctx, "margin admission denied",
			slog.String("reason", string(d.Reason)),
			slog.Float64("required", required),
			slog.Float64("balance", snap.Balance),
			slog.Float64("used", snap.TotalMarginUsed),
			slog.Float64("usage_ratio", snap.UsageRatio),
			slog.Float64("projected_usage", d.ProjectedUsage),
		)
	}
	return d
}

func (m *MarginBudget) unavailable(ctx context.Context, required float64, err error) MarginDecision {
	m.logger.ErrorContext(ctx, "margin state unavailable, denying",
		slog.Float64("required", required),
		slog.String("error", err.Error()),
	)
	m.metrics.ObserveAdmission(false, string(domain.ReasonStateUnavailable))
	return MarginDecision{Required: required, Reason: domain.ReasonStateUnavailable}
}

// LogHealthReport writes the current margin picture to the log.
func (m *MarginBudget) LogHealthReport(ctx context.Context) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "margin health report unavailable", slog.String("error", err.Error()))
		return
	}
	level := slog.LevelInfo
	if snap.Health != domain.MarginHealthy {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "margin health",
		slog.String("health", string(snap.Health)),
		slog.Float64("balance", snap.Balance),
		slog.Float64("used", snap.TotalMarginUsed),
		slog.Float64("available", snap.Available),
		slog.Float64("usage_ratio", snap.UsageRatio),
		slog.Int("positions", snap.PositionCount),
		slog.Float64("avg_leverage", snap.AvgLeverage),
	)
}
