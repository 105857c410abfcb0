package domain

import "time"

// CloseReason records why a position (or part of it) was closed.
type CloseReason string

const (
	CloseReasonStopLoss         CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit       CloseReason = "TAKE_PROFIT"
	CloseReasonPartialTP        CloseReason = "PARTIAL_TP"
	CloseReasonReconciledOrphan CloseReason = "RECONCILED_ORPHAN"
	CloseReasonManual           CloseReason = "MANUAL"
)

// PriceSource says where a ClosedTrade's exit price came from.
type PriceSource string

const (
	PriceSourceFill          PriceSource = "fill"
	PriceSourceMarket        PriceSource = "market"
	PriceSourceStopTargetMid PriceSource = "stop_target_mid"
	PriceSourceOrder         PriceSource = "order"
)

// ClosedTrade is an append-only record of a closed position or a partial
// close of one.
type ClosedTrade struct {
	ID                 string
	PositionID         string
	Symbol             string
	Direction          Direction
	EntryPrice         float64
	ExitPrice          float64
	Quantity           float64
	Leverage           float64
	PnLUSD             float64
	PnLPercent         float64
	Reason             CloseReason
	PriceSource        PriceSource
	Estimated          bool
	PlannedRiskPercent float64
	DayRiskPercent     float64
	DayRiskAt          time.Time
	QualityGrade       string
	OpenTime           time.Time
	CloseTime          time.Time
}

// RiskCommittedSince returns the planned risk its position committed at or
// after dayStart, a UTC midnight.
func (t ClosedTrade) RiskCommittedSince(dayStart time.Time) float64 {
	return riskCommittedSince(t.DayRiskPercent, t.DayRiskAt, dayStart)
}

// NewClosedTrade derives the trade record for closing qty of pos at exitPrice.
func NewClosedTrade(id string, pos Position, qty, exitPrice float64, reason CloseReason, src PriceSource, at time.Time) ClosedTrade {
	usd, pct := pos.PnL(exitPrice, qty)
	return ClosedTrade{
		ID:                 id,
		PositionID:         pos.ID,
		Symbol:             pos.Symbol,
		Direction:          pos.Direction,
		EntryPrice:         pos.EntryPrice,
		ExitPrice:          exitPrice,
		Quantity:           qty,
		Leverage:           pos.Leverage,
		PnLUSD:             usd,
		PnLPercent:         pct,
		Reason:             reason,
		PriceSource:        src,
		Estimated:          src == PriceSourceMarket || src == PriceSourceStopTargetMid,
		PlannedRiskPercent: pos.PlannedRiskPercent,
		DayRiskPercent:     pos.DayRiskPercent,
		DayRiskAt:          pos.DayRiskAt,
		QualityGrade:       pos.QualityGrade,
		OpenTime:           pos.OpenTime,
		CloseTime:          at,
	}
}

// Fill is an executed trade reported by the exchange.
type Fill struct {
	Symbol      string
	Price       float64
	Quantity    float64
	RealizedPnL float64
	Time        time.Time
}

// PriceTick is a single price observation for a symbol.
type PriceTick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}
