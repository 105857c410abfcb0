package domain

import (
	"math"
	"time"
)

// Direction is the exposure of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// EntrySide returns the order side that opens exposure in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "PENDING"
	PositionStatusActive  PositionStatus = "ACTIVE"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

// Position is the ledger's view of open exposure on one symbol.
// DayRiskPercent is the part of PlannedRiskPercent committed on the UTC day of
// DayRiskAt, the time of the latest commitment.
type Position struct {
	ID                 string
	Symbol             string
	Direction          Direction
	EntryPrice         float64
	Quantity           float64
	StopPrice          float64
	TargetPrice        float64
	MarginCommitted    float64
	Leverage           float64
	QualityGrade       string
	PlannedRiskPercent float64
	DayRiskPercent     float64
	DayRiskAt          time.Time
	Status             PositionStatus
	OpenTime           time.Time
	UpdatedAt          time.Time
}

// CommitRisk adds planned risk committed at now.
func (p *Position) CommitRisk(pct float64, now time.Time) {
	p.PlannedRiskPercent += pct
	if !sameUTCDay(p.DayRiskAt, now) {
		p.DayRiskPercent = 0
	}
	p.DayRiskPercent += pct
	p.DayRiskAt = now
}

// RiskCommittedSince returns the planned risk committed at or after dayStart,
// a UTC midnight.
func (p Position) RiskCommittedSince(dayStart time.Time) float64 {
	return riskCommittedSince(p.DayRiskPercent, p.DayRiskAt, dayStart)
}

func riskCommittedSince(pct float64, at, dayStart time.Time) float64 {
	if at.Before(dayStart) {
		return 0
	}
	return pct
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Notional returns quantity times entry price.
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// RequiredMargin returns the margin the position ties up at its leverage.
func (p Position) RequiredMargin() float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return p.Notional() / lev
}

// AddFill merges a fill into the position, keeping EntryPrice the
// quantity-weighted average of every contributing fill. MarginCommitted never
// drops below what the filled quantity requires, so a reservation made for
// resting orders survives partial fills.
func (p *Position) AddFill(qty, price float64) {
	if qty <= 0 {
		return
	}
	total := p.Quantity + qty
	p.EntryPrice = (p.Quantity*p.EntryPrice + qty*price) / total
	p.Quantity = total
	p.MarginCommitted = math.Max(p.MarginCommitted, p.RequiredMargin())
}

// SettleMargin drops any reservation and commits exactly what the filled
// quantity requires.
func (p *Position) SettleMargin() {
	p.MarginCommitted = p.RequiredMargin()
}

// MarginUsed is the margin the position counts against the account.
func (p Position) MarginUsed() float64 {
	return math.Max(p.MarginCommitted, p.RequiredMargin())
}

// PnL returns the profit of closing qty at exitPrice, and that profit as a
// percentage of the entry notional of qty.
func (p Position) PnL(exitPrice, qty float64) (usd, percent float64) {
	if p.Direction == DirectionShort {
		usd = (p.EntryPrice - exitPrice) * qty
	} else {
		usd = (exitPrice - p.EntryPrice) * qty
	}
	if basis := p.EntryPrice * qty; basis != 0 {
		percent = usd / basis * 100
	}
	return usd, percent
}

// ExchangePosition is a nonzero position reported by the exchange. Negative
// SignedQuantity means short.
type ExchangePosition struct {
	Symbol         string
	SignedQuantity float64
	EntryPrice     float64
	Leverage       float64
}

// Quantity returns the absolute size.
func (e ExchangePosition) Quantity() float64 {
	return math.Abs(e.SignedQuantity)
}

// Direction derives the direction from the sign.
func (e ExchangePosition) Direction() Direction {
	if e.SignedQuantity < 0 {
		return DirectionShort
	}
	return DirectionLong
}
