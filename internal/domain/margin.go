package domain

import "time"

// MarginHealth buckets the account's margin usage ratio.
type MarginHealth string

const (
	MarginHealthy  MarginHealth = "HEALTHY"
	MarginWarning  MarginHealth = "WARNING"
	MarginCritical MarginHealth = "CRITICAL"
	MarginDanger   MarginHealth = "DANGER"
)

// PositionMargin is one row of a margin breakdown.
type PositionMargin struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Notional        float64   `json:"notional"`
	Leverage        float64   `json:"leverage"`
	Margin          float64   `json:"margin"`
	PercentOfMargin float64   `json:"percent_of_margin"`
}

// MarginSnapshot is derived from the open position set and the account
// balance. It is never persisted.
type MarginSnapshot struct {
	Balance         float64          `json:"balance"`
	TotalMarginUsed float64          `json:"total_margin_used"`
	Available       float64          `json:"available"`
	UsageRatio      float64          `json:"usage_ratio"`
	PositionCount   int              `json:"position_count"`
	AvgLeverage     float64          `json:"avg_leverage"`
	Health          MarginHealth     `json:"health"`
	Breakdown       []PositionMargin `json:"breakdown"`
	TakenAt         time.Time        `json:"taken_at"`
}

// Reason explains an admission decision.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonInvalidBalance     Reason = "invalid_balance"
	ReasonMarginDanger       Reason = "margin_danger"
	ReasonProjectedUsage     Reason = "projected_usage_exceeded"
	ReasonInsufficientMargin Reason = "insufficient_margin"
	ReasonStateUnavailable   Reason = "state_unavailable"
	ReasonDailyRiskExhausted Reason = "daily_risk_budget_exhausted"
	ReasonDailyDrawdown      Reason = "daily_drawdown_exceeded"
	ReasonGuardError         Reason = "guard_error"
	ReasonPositionConflict   Reason = "position_conflict"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonBalanceUnavailable Reason = "balance_unavailable"
	ReasonSignalExpired      Reason = "signal_expired"
	ReasonDuplicateSignal    Reason = "duplicate_signal"
	ReasonMalformedSignal    Reason = "malformed_signal"
	ReasonInvalidSizing      Reason = "invalid_sizing"
	ReasonPlacementFailed    Reason = "placement_failed"
	ReasonLedgerWriteFailed  Reason = "ledger_write_failed"
)

// GuardStatus is the daily portfolio picture computed by the risk guard.
type GuardStatus struct {
	DayStart         time.Time `json:"day_start"`
	OpenRiskTodayPct float64   `json:"open_risk_today_pct"`
	RealizedPnLToday float64   `json:"realized_pnl_today"`
	DrawdownTodayPct float64   `json:"drawdown_today_pct"`
	PortfolioUSD     float64   `json:"portfolio_usd"`
	Allowed          bool      `json:"allowed"`
	Reason           Reason    `json:"reason"`
	CheckedAt        time.Time `json:"checked_at"`
}
