package executor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Strategy is the execution style chosen for a signal.
type Strategy string

const (
	StrategyMarket  Strategy = "market"
	StrategyPartial Strategy = "partial"
	StrategyLimit   Strategy = "limit"
)

// SelectorConfig holds the confidence thresholds and limit order shape.
type SelectorConfig struct {
	MarketThreshold  float64
	PartialThreshold float64
	// LimitOffsetPct is the favorable distance from the current price, in percent.
	LimitOffsetPct float64
	// SplitRatio is the share of quantity sent as a market order by the
	// partial strategy.
	SplitRatio   float64
	LimitTimeout time.Duration
}

// Plan is the set of orders produced for one signal.
type Plan struct {
	Strategy Strategy
	Orders   []domain.Order
}

// Selector maps signal confidence to an execution plan. Select has no side
// effects.
type Selector struct {
	cfg   SelectorConfig
	now   func() time.Time
	newID func() string
}

// NewSelector creates a Selector with the given thresholds.
func NewSelector(cfg SelectorConfig) *Selector {
	return &Selector{
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// StrategyFor returns the strategy a confidence score maps to.
func (s *Selector) StrategyFor(confidence float64) Strategy {
	switch {
	case confidence >= s.cfg.MarketThreshold:
		return StrategyMarket
	case confidence >= s.cfg.PartialThreshold:
		return StrategyPartial
	default:
		return StrategyLimit
	}
}

// Select builds the orders for a signal. Market orders come back FILLED at
// currentPrice; limit orders come back NEW with a timeout.
func (s *Selector) Select(symbol string, direction domain.Direction, confidence, quantity, currentPrice float64) (Plan, error) {
	if quantity <= 0 {
		return Plan{}, fmt.Errorf("executor: select: %w: %v", domain.ErrInvalidQuantity, quantity)
	}
	if currentPrice <= 0 {
		return Plan{}, fmt.Errorf("executor: select: %w: %v", domain.ErrInvalidPrice, currentPrice)
	}

	side := direction.EntrySide()
	now := s.now()
	strategy := s.StrategyFor(confidence)
	plan := Plan{Strategy: strategy}

	switch strategy {
	case StrategyMarket:
		plan.Orders = []domain.Order{s.marketOrder(symbol, side, quantity, currentPrice, now)}
	case StrategyPartial:
		qty := decimal.NewFromFloat(quantity)
		marketQty := qty.Mul(decimal.NewFromFloat(s.cfg.SplitRatio))
		limitQty := qty.Sub(marketQty)
		plan.Orders = []domain.Order{
			s.marketOrder(symbol, side, marketQty.InexactFloat64(), currentPrice, now),
			s.limitOrder(symbol, side, limitQty.InexactFloat64(), currentPrice, now),
		}
	default:
		plan.Orders = []domain.Order{s.limitOrder(symbol, side, quantity, currentPrice, now)}
	}
	return plan, nil
}

func (s *Selector) marketOrder(symbol string, side domain.OrderSide, qty, price float64, now time.Time) domain.Order {
	filledAt := now
	return domain.Order{
		ID:          s.newID(),
		Symbol:      symbol,
		Side:        side,
		Kind:        domain.OrderKindMarket,
		Quantity:    qty,
		Status:      domain.OrderStatusFilled,
		FilledQty:   qty,
		FilledPrice: price,
		CreatedAt:   now,
		FilledAt:    &filledAt,
	}
}

func (s *Selector) limitOrder(symbol string, side domain.OrderSide, qty, currentPrice float64, now time.Time) domain.Order {
	price := LimitPrice(side, currentPrice, s.cfg.LimitOffsetPct)
	timeout := now.Add(s.cfg.LimitTimeout)
	return domain.Order{
		ID:         s.newID(),
		Symbol:     symbol,
		Side:       side,
		Kind:       domain.OrderKindLimit,
		Quantity:   qty,
		LimitPrice: &price,
		Status:     domain.OrderStatusNew,
		CreatedAt:  now,
		TimeoutAt:  &timeout,
	}
}

// LimitPrice offsets currentPrice by offsetPct in the side's favor: below for
// buys, above for sells.
func LimitPrice(side domain.OrderSide, currentPrice, offsetPct float64) float64 {
	off := decimal.NewFromFloat(offsetPct).Div(decimal.NewFromInt(100))
	factor := decimal.NewFromInt(1).Sub(off)
	if side == domain.OrderSideSell {
		factor = decimal.NewFromInt(1).Add(off)
	}
	return decimal.NewFromFloat(currentPrice).Mul(factor).InexactFloat64()
}
