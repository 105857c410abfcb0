package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// OrderServiceConfig configures order placement.
type OrderServiceConfig struct {
	CallTimeout     time.Duration
	OrdersPerMinute int
}

// OrderService places orders on the exchange, persists every order state the
// tracker reports and mirrors cancellations to the exchange.
type OrderService struct {
	orders  domain.OrderStore
	gateway domain.ExchangeGateway
	limiter domain.RateLimiter
	events  domain.EventPublisher
	cfg     OrderServiceConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrderService creates an OrderService. limiter may be nil.
func NewOrderService(
	orders domain.OrderStore,
	gateway domain.ExchangeGateway,
	limiter domain.RateLimiter,
	events domain.EventPublisher,
	cfg OrderServiceConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OrderService {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &OrderService{
		orders:  orders,
		gateway: gateway,
		limiter: limiter,
		events:  events,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "order_service")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AllowPlacement checks the per-symbol placement rate. A broken limiter lets
// the order through.
func (s *OrderService) AllowPlacement(ctx context.Context, symbol string) bool {
	if s.limiter == nil || s.cfg.OrdersPerMinute <= 0 {
		return true
	}
	allowed, err := s.limiter.Allow(ctx, "orders:"+symbol, s.cfg.OrdersPerMinute, time.Minute)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limiter unavailable, allowing",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return true
	}
	return allowed
}

// Place sends o to the exchange and persists the outcome. On success the
// order keeps the status the selector gave it and carries the exchange id.
// On failure it is persisted CANCELED with reason "rejected" and the
// placement error is returned alongside it.
func (s *OrderService) Place(ctx context.Context, o domain.Order) (domain.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	exchID, placeErr := s.gateway.PlaceOrder(callCtx, domain.RequestFor(o))
	cancel()

	if placeErr != nil {
		s.metrics.GatewayError("place_order")
		now := s.now()
		o.Status = domain.OrderStatusCanceled
		o.CancelReason = domain.CancelReasonRejected
		o.CanceledAt = &now
		o.FilledQty = 0
		o.FilledPrice = 0
		o.FilledAt = nil
		if err := s.orders.Create(ctx, o); err != nil {
			s.logger.ErrorContext(ctx, "persist rejected order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
		s.metrics.ObserveOrderTransition(string(o.Status), o.CancelReason)
		s.publish(ctx, domain.NewEvent(domain.EventOrderRejected, o.Symbol, map[string]any{
			"order_id":  o.ID,
			"signal_id": o.SignalID,
			"kind":      string(o.Kind),
			"side":      string(o.Side),
			"quantity":  o.Quantity,
			"error":     placeErr.Error(),
		}))
		s.logger.WarnContext(ctx, "order rejected",
			slog.String("order_id", o.ID),
			slog.String("symbol", o.Symbol),
			slog.String("kind", string(o.Kind)),
			slog.String("error", placeErr.Error()),
		)
		return o, fmt.Errorf("order_service: place %s: %w", o.ID, placeErr)
	}

	o.ExchangeOrderID = exchID
	if err := s.orders.Create(ctx, o); err != nil {
		return o, fmt.Errorf("order_service: create order %s: %w", o.ID, err)
	}
	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", o.ID),
		slog.String("exchange_order_id", exchID),
		slog.String("symbol", o.Symbol),
		slog.String("kind", string(o.Kind)),
		slog.String("side", string(o.Side)),
		slog.Float64("quantity", o.Quantity),
		slog.Float64("price", o.Price()),
	)
	if o.Status == domain.OrderStatusFilled {
		s.metrics.ObserveOrderTransition(string(o.Status), "")
		s.publish(ctx, filledEvent(o, o.FilledQty, o.FilledPrice))
	}
	return o, nil
}

// Record persists a transition reported by the tracker and publishes it. A
// timeout or manual cancel is mirrored to the exchange.
func (s *OrderService) Record(ctx context.Context, ev domain.OrderEvent) error {
	o := ev.Order
	if err := s.orders.Update(ctx, o); err != nil {
		return fmt.Errorf("order_service: update order %s: %w", o.ID, err)
	}

	switch o.Status {
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
		s.publish(ctx, filledEvent(o, ev.FillQty, ev.FillPrice))
	case domain.OrderStatusCanceled:
		s.publish(ctx, domain.NewEvent(domain.EventOrderCanceled, o.Symbol, map[string]any{
			"order_id":   o.ID,
			"signal_id":  o.SignalID,
			"reason":     o.CancelReason,
			"filled_qty": o.FilledQty,
		}))
		if o.ExchangeOrderID != "" && o.CancelReason != domain.CancelReasonRejected {
			s.cancelOnExchange(ctx, o)
		}
	}
	return nil
}

func (s *OrderService) cancelOnExchange(ctx context.Context, o domain.Order) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.gateway.CancelOrder(callCtx, o.ExchangeOrderID); err != nil {
		s.metrics.GatewayError("cancel_order")
		s.logger.WarnContext(ctx, "exchange cancel failed",
			slog.String("order_id", o.ID),
			slog.String("exchange_order_id", o.ExchangeOrderID),
			slog.String("error", err.Error()),
		)
	}
}

// GetOrder retrieves a single order by its ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, err)
	}
	return o, nil
}

// List returns orders in any of the given statuses, or all orders when none
// are given.
func (s *OrderService) List(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	out, err := s.orders.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("order_service: list orders: %w", err)
	}
	return out, nil
}

func filledEvent(o domain.Order, qty, price float64) domain.Event {
	return domain.NewEvent(domain.EventOrderFilled, o.Symbol, map[string]any{
		"order_id":     o.ID,
		"signal_id":    o.SignalID,
		"kind":         string(o.Kind),
		"side":         string(o.Side),
		"status":       string(o.Status),
		"fill_qty":     qty,
		"fill_price":   price,
		"filled_total": o.FilledQty,
	})
}

func (s *OrderService) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
