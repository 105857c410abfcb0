package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind distinguishes immediate market orders from resting limit orders.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

// Cancel reasons recorded on orders.
const (
	CancelReasonTimeout  = "timeout"
	CancelReasonRejected = "rejected"
	CancelReasonManual   = "manual"
	// The position the order was opening went away.
	CancelReasonAbandoned      = "abandoned"
	CancelReasonReconciled     = "reconciled"
	CancelReasonPositionClosed = "position_closed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step: NEW->FILLED, NEW->PARTIALLY_FILLED->FILLED, and NEW or
// PARTIALLY_FILLED->CANCELED. A cancelled partial keeps its filled quantity.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusNew:
		return next == OrderStatusFilled || next == OrderStatusPartiallyFilled || next == OrderStatusCanceled
	case OrderStatusPartiallyFilled:
		return next == OrderStatusFilled || next == OrderStatusPartiallyFilled || next == OrderStatusCanceled
	default:
		return false
	}
}

// Order is a single exchange order produced for a signal.
type Order struct {
	ID              string
	SignalID        string
	PositionID      string
	Symbol          string
	Side            OrderSide
	Kind            OrderKind
	Quantity        float64
	LimitPrice      *float64
	Status          OrderStatus
	FilledQty       float64
	FilledPrice     float64
	ExchangeOrderID string
	CancelReason    string
	CreatedAt       time.Time
	TimeoutAt       *time.Time
	FilledAt        *time.Time
	CanceledAt      *time.Time
}

// Price returns the limit price, or zero for market orders.
func (o Order) Price() float64 {
	if o.LimitPrice == nil {
		return 0
	}
	return *o.LimitPrice
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest is what the exchange gateway needs to place an order.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Kind          OrderKind
	Quantity      float64
	Price         *float64
	ClientOrderID string
	ReduceOnly    bool
	// ReferencePrice is the price the caller sized the order at. Venues with
	// their own book ignore it; the paper exchange fills market orders at it
	// when it has not seen a mark price yet.
	ReferencePrice float64
}

// RequestFor builds the gateway request for o. A market order carries its
// expected fill price as the reference.
func RequestFor(o Order) OrderRequest {
	req := OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Kind:          o.Kind,
		Quantity:      o.Quantity,
		Price:         o.LimitPrice,
		ClientOrderID: o.ID,
	}
	if o.Kind == OrderKindMarket {
		req.ReferencePrice = o.FilledPrice
	}
	return req
}

// OrderEvent is emitted by the lifecycle tracker for every terminal or
// fill transition.
type OrderEvent struct {
	Order    Order
	Previous OrderStatus
	// FillQty and FillPrice describe the quantity filled by this transition.
	FillQty   float64
	FillPrice float64
	At        time.Time
}
