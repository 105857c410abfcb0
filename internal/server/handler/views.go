package handler

import (
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type orderView struct {
	ID              string     `json:"id"`
	SignalID        string     `json:"signal_id"`
	PositionID      string     `json:"position_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Kind            string     `json:"kind"`
	Quantity        float64    `json:"quantity"`
	LimitPrice      *float64   `json:"limit_price,omitempty"`
	Status          string     `json:"status"`
	FilledQty       float64    `json:"filled_qty"`
	FilledPrice     float64    `json:"filled_price,omitempty"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	TimeoutAt       *time.Time `json:"timeout_at,omitempty"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	CanceledAt      *time.Time `json:"canceled_at,omitempty"`
}

func toOrderView(o domain.Order) orderView {
	return orderView{
		ID:              o.ID,
		SignalID:        o.SignalID,
		PositionID:      o.PositionID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Kind:            string(o.Kind),
		Quantity:        o.Quantity,
		LimitPrice:      o.LimitPrice,
		Status:          string(o.Status),
		FilledQty:       o.FilledQty,
		FilledPrice:     o.FilledPrice,
		ExchangeOrderID: o.ExchangeOrderID,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		TimeoutAt:       o.TimeoutAt,
		FilledAt:        o.FilledAt,
		CanceledAt:      o.CanceledAt,
	}
}

type positionView struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	Direction          string    `json:"direction"`
	EntryPrice         float64   `json:"entry_price"`
	Quantity           float64   `json:"quantity"`
	StopPrice          float64   `json:"stop_price"`
	TargetPrice        float64   `json:"target_price"`
	MarginCommitted    float64   `json:"margin_committed"`
	Leverage           float64   `json:"leverage"`
	QualityGrade       string    `json:"quality_grade,omitempty"`
	PlannedRiskPercent float64   `json:"planned_risk_percent"`
	Status             string    `json:"status"`
	OpenTime           time.Time `json:"open_time"`
	UpdatedAt          time.Time `json:"updated_at"`
	// Filled only when a latest price is known.
	MarkPrice     *float64 `json:"mark_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
}

func toPositionView(p domain.Position, mark float64, ok bool) positionView {
	v := positionView{
		ID:                 p.ID,
		Symbol:             p.Symbol,
		Direction:          string(p.Direction),
		EntryPrice:         p.EntryPrice,
		Quantity:           p.Quantity,
		StopPrice:          p.StopPrice,
		TargetPrice:        p.TargetPrice,
		MarginCommitted:    p.MarginCommitted,
		Leverage:           p.Leverage,
		QualityGrade:       p.QualityGrade,
		PlannedRiskPercent: p.PlannedRiskPercent,
		Status:             string(p.Status),
		OpenTime:           p.OpenTime,
		UpdatedAt:          p.UpdatedAt,
	}
	if ok {
		pnl, _ := p.PnL(mark, p.Quantity)
		v.MarkPrice = &mark
		v.UnrealizedPnL = &pnl
	}
	return v
}

type tradeView struct {
	ID                 string    `json:"id"`
	PositionID         string    `json:"position_id"`
	Symbol             string    `json:"symbol"`
	Direction          string    `json:"direction"`
	EntryPrice         float64   `json:"entry_price"`
	ExitPrice          float64   `json:"exit_price"`
	Quantity           float64   `json:"quantity"`
	Leverage           float64   `json:"leverage"`
	PnLUSD             float64   `json:"pnl_usd"`
	PnLPercent         float64   `json:"pnl_percent"`
	Reason             string    `json:"reason"`
	PriceSource        string    `json:"price_source"`
	Estimated          bool      `json:"estimated"`
	PlannedRiskPercent float64   `json:"planned_risk_percent"`
	QualityGrade       string    `json:"quality_grade,omitempty"`
	OpenTime           time.Time `json:"open_time"`
	CloseTime          time.Time `json:"close_time"`
}

func toTradeView(t domain.ClosedTrade) tradeView {
	return tradeView{
		ID:                 t.ID,
		PositionID:         t.PositionID,
		Symbol:             t.Symbol,
		Direction:          string(t.Direction),
		EntryPrice:         t.EntryPrice,
		ExitPrice:          t.ExitPrice,
		Quantity:           t.Quantity,
		Leverage:           t.Leverage,
		PnLUSD:             t.PnLUSD,
		PnLPercent:         t.PnLPercent,
		Reason:             string(t.Reason),
		PriceSource:        string(t.PriceSource),
		Estimated:          t.Estimated,
		PlannedRiskPercent: t.PlannedRiskPercent,
		QualityGrade:       t.QualityGrade,
		OpenTime:           t.OpenTime,
		CloseTime:          t.CloseTime,
	}
}

type fillView struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnL float64   `json:"realized_pnl"`
	Time        time.Time `json:"time"`
}

func mapSlice[T, V any](in []T, f func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
