package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// qtyEpsilon absorbs float noise when comparing cumulative fills to the order
// quantity.
const qtyEpsilon = 1e-12

// OrderEventHandler receives every fill and cancel transition.
type OrderEventHandler func(domain.OrderEvent)

// TrackerConfig controls the sweep loop and in-memory retention.
type TrackerConfig struct {
	SweepInterval time.Duration
	Retention     time.Duration
}

// TrackerStats summarises tracker activity since start.
type TrackerStats struct {
	TotalTracked int     `json:"total_tracked"`
	Active       int     `json:"active"`
	Filled       int     `json:"filled"`
	Canceled     int     `json:"canceled"`
	Timeouts     int     `json:"timeouts"`
	FillRate     float64 `json:"fill_rate"`
	TimeoutRate  float64 `json:"timeout_rate"`
}

// Tracker owns the live limit orders and drives them to FILLED or CANCELED.
// Every transition is checked against the current status under one lock, so
// a tick, the sweep and an explicit cancel racing on the same order produce
// exactly one terminal transition. Events are queued under that lock and
// delivered one at a time in the order the transitions happened.
type Tracker struct {
	mu       sync.Mutex
	orders   map[string]*domain.Order
	bySymbol map[string]map[string]struct{} // live orders per symbol
	handler  OrderEventHandler
	pending  []domain.OrderEvent

	// deliverMu is held by the one goroutine draining pending.
	deliverMu sync.Mutex

	totalTracked int
	filled       int
	canceled     int
	timeouts     int

	cfg     TrackerConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg TrackerConfig, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Tracker{
		orders:   make(map[string]*domain.Order),
		bySymbol: make(map[string]map[string]struct{}),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  m,
		logger:   logger.With(slog.String("component", "order_tracker")),
	}
}

// SetEventHandler installs the callback for transitions. It must be set
// before orders are tracked.
func (t *Tracker) SetEventHandler(h OrderEventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Track registers a NEW limit order. A market order that is already FILLED
// is accepted as a no-op.
func (t *Tracker) Track(order domain.Order) error {
	if order.Kind == domain.OrderKindMarket && order.Status == domain.OrderStatusFilled {
		return nil
	}
	if order.Kind != domain.OrderKindLimit || order.Status != domain.OrderStatusNew ||
		order.LimitPrice == nil || order.Quantity <= 0 {
		return fmt.Errorf("executor: track %s: %w", order.ID, domain.ErrInvalidOrder)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[order.ID]; ok {
		return fmt.Errorf("executor: track %s: %w", order.ID, domain.ErrDuplicateOrderID)
	}
	o := order
	t.orders[o.ID] = &o
	t.index(&o)
	t.totalTracked++
	t.metrics.SetTrackedOrders(t.liveCountLocked())

	t.logger.Debug("order tracked",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.Float64("limit", o.Price()),
		slog.Float64("qty", o.Quantity),
	)
	return nil
}

// OnPriceTick fills every live limit order on symbol whose limit the price has
// reached: buys at or below the limit, sells at or above it. The fill price is
// the limit price. It never times orders out.
func (t *Tracker) OnPriceTick(symbol string, price float64) []domain.Order {
	if price <= 0 {
		return nil
	}

	t.mu.Lock()
	now := t.now()
	var events []domain.OrderEvent
	for id := range t.bySymbol[symbol] {
		o := t.orders[id]
		limit := o.Price()
		crossed := (o.Side == domain.OrderSideBuy && price <= limit) ||
			(o.Side == domain.OrderSideSell && price >= limit)
		if !crossed {
			continue
		}
		events = append(events, t.fillLocked(o, o.Remaining(), limit, now))
	}
	t.mu.Unlock()

	t.deliver()
	return orders(events)
}

// ApplyFill records an externally confirmed fill of qty at price. The order
// becomes PARTIALLY_FILLED until the cumulative quantity reaches its size.
func (t *Tracker) ApplyFill(orderID string, qty, price float64) (domain.Order, error) {
	if qty <= 0 {
		return domain.Order{}, fmt.Errorf("executor: apply fill %s: %w", orderID, domain.ErrInvalidQuantity)
	}
	if price <= 0 {
		return domain.Order{}, fmt.Errorf("executor: apply fill %s: %w", orderID, domain.ErrInvalidPrice)
	}

	t.mu.Lock()
	o, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return domain.Order{}, fmt.Errorf("executor: apply fill %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		t.mu.Unlock()
		return *o, fmt.Errorf("executor: apply fill %s (%s): %w", orderID, o.Status, domain.ErrAlreadyTerminal)
	}
	if qty > o.Remaining() {
		qty = o.Remaining()
	}
	ev := t.fillLocked(o, qty, price, t.now())
	t.mu.Unlock()

	t.deliver()
	return ev.Order, nil
}

// Cancel moves a NEW or PARTIALLY_FILLED order to CANCELED. A partial keeps
// its filled quantity. Terminal orders return ErrAlreadyTerminal.
func (t *Tracker) Cancel(orderID, reason string) error {
	t.mu.Lock()
	o, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("executor: cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		status := o.Status
		t.mu.Unlock()
		return fmt.Errorf("executor: cancel %s (%s): %w", orderID, status, domain.ErrAlreadyTerminal)
	}
	t.cancelLocked(o, reason, t.now())
	t.mu.Unlock()

	t.deliver()
	return nil
}

// CancelPosition cancels every live order of a position and returns them.
func (t *Tracker) CancelPosition(positionID, reason string) []domain.Order {
	t.mu.Lock()
	now := t.now()
	var events []domain.OrderEvent
	for _, ids := range t.bySymbol {
		for id := range ids {
			if o := t.orders[id]; o.PositionID == positionID {
				events = append(events, t.cancelLocked(o, reason, now))
			}
		}
	}
	t.mu.Unlock()

	t.deliver()
	return orders(events)
}

// Sweep cancels every live order whose timeout has passed, with reason
// "timeout". Partially filled orders keep what they filled. It is the only
// source of timeouts.
func (t *Tracker) Sweep() []domain.Order {
	t.mu.Lock()
	now := t.now()
	var events []domain.OrderEvent
	for _, ids := range t.bySymbol {
		for id := range ids {
			o := t.orders[id]
			if o.TimeoutAt == nil || now.Before(*o.TimeoutAt) {
				continue
			}
			events = append(events, t.cancelLocked(o, domain.CancelReasonTimeout, now))
		}
	}
	t.mu.Unlock()

	t.deliver()
	return orders(events)
}

// Run sweeps for timeouts every SweepInterval and trims old terminal orders
// until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("order tracker started", slog.Duration("sweep_interval", t.cfg.SweepInterval))
	defer t.logger.Info("order tracker stopped")

	sweep := time.NewTicker(t.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if expired := t.Sweep(); len(expired) > 0 {
				t.logger.Info("limit orders timed out", slog.Int("count", len(expired)))
			}
		case <-cleanup.C:
			if n := t.CleanupOld(t.cfg.Retention); n > 0 {
				t.logger.Info("old orders removed", slog.Int("count", n))
			}
		}
	}
}

// Get returns a copy of a tracked order.
func (t *Tracker) Get(orderID string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// ActiveOrders returns the live (NEW or PARTIALLY_FILLED) orders, optionally
// restricted to one symbol, oldest first.
func (t *Tracker) ActiveOrders(symbol string) []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Order
	for sym, ids := range t.bySymbol {
		if symbol != "" && sym != symbol {
			continue
		}
		for id := range ids {
			out = append(out, *t.orders[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WatchedSymbols returns the symbols with live orders.
func (t *Tracker) WatchedSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.bySymbol))
	for sym := range t.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Stats returns counters and rates as percentages of tracked orders.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TrackerStats{
		TotalTracked: t.totalTracked,
		Active:       t.liveCountLocked(),
		Filled:       t.filled,
		Canceled:     t.canceled,
		Timeouts:     t.timeouts,
	}
	if s.TotalTracked > 0 {
		s.FillRate = float64(s.Filled) / float64(s.TotalTracked) * 100
		s.TimeoutRate = float64(s.Timeouts) / float64(s.TotalTracked) * 100
	}
	return s
}

// CleanupOld drops terminal orders that reached their terminal state more
// than maxAge ago. Live orders are never removed.
func (t *Tracker) CleanupOld(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxAge)
	removed := 0
	for id, o := range t.orders {
		var done *time.Time
		switch o.Status {
		case domain.OrderStatusFilled:
			done = o.FilledAt
		case domain.OrderStatusCanceled:
			done = o.CanceledAt
		default:
			continue
		}
		if done != nil && done.Before(cutoff) {
			delete(t.orders, id)
			removed++
		}
	}
	return removed
}

// fillLocked fills qty of o at price and queues the event. Caller holds t.mu.
func (t *Tracker) fillLocked(o *domain.Order, qty, price float64, now time.Time) domain.OrderEvent {
	prev := o.Status
	total := o.FilledQty + qty
	if total > 0 {
		o.FilledPrice = (o.FilledQty*o.FilledPrice + qty*price) / total
	}
	o.FilledQty = total
	if o.Quantity-o.FilledQty <= qtyEpsilon*o.Quantity {
		o.FilledQty = o.Quantity
		o.Status = domain.OrderStatusFilled
		filledAt := now
		o.FilledAt = &filledAt
		t.filled++
		t.unindex(o)
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	ev := domain.OrderEvent{Order: *o, Previous: prev, FillQty: qty, FillPrice: price, At: now}
	t.pending = append(t.pending, ev)
	return ev
}

// cancelLocked cancels the live order o and queues the event. Caller holds
// t.mu.
func (t *Tracker) cancelLocked(o *domain.Order, reason string, now time.Time) domain.OrderEvent {
	prev := o.Status
	o.Status = domain.OrderStatusCanceled
	o.CancelReason = reason
	canceledAt := now
	o.CanceledAt = &canceledAt
	t.canceled++
	if strings.Contains(strings.ToLower(reason), domain.CancelReasonTimeout) {
		t.timeouts++
	}
	t.unindex(o)
	ev := domain.OrderEvent{Order: *o, Previous: prev, At: now}
	t.pending = append(t.pending, ev)
	return ev
}

func (t *Tracker) index(o *domain.Order) {
	ids, ok := t.bySymbol[o.Symbol]
	if !ok {
		ids = make(map[string]struct{})
		t.bySymbol[o.Symbol] = ids
	}
	ids[o.ID] = struct{}{}
}

func (t *Tracker) unindex(o *domain.Order) {
	ids := t.bySymbol[o.Symbol]
	delete(ids, o.ID)
	if len(ids) == 0 {
		delete(t.bySymbol, o.Symbol)
	}
}

func (t *Tracker) liveCountLocked() int {
	n := 0
	for _, ids := range t.bySymbol {
		n += len(ids)
	}
	return n
}

// deliver hands queued events to the handler in queue order. Only one
// goroutine drains at a time; a caller that finds the drain busy leaves its
// events to that goroutine. The recheck after unlocking picks up events
// queued between the last drain and the unlock.
func (t *Tracker) deliver() {
	for t.deliverMu.TryLock() {
		for {
			t.mu.Lock()
			batch := t.pending
			t.pending = nil
			handler := t.handler
			live := t.liveCountLocked()
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				t.metrics.ObserveOrderTransition(string(ev.Order.Status), ev.Order.CancelReason)
				if handler != nil {
					handler(ev)
				}
			}
			t.metrics.SetTrackedOrders(live)
		}
		t.deliverMu.Unlock()

		t.mu.Lock()
		more := len(t.pending) > 0
		t.mu.Unlock()
		if !more {
			return
		}
	}
}

func orders(events []domain.OrderEvent) []domain.Order {
	if len(events) == 0 {
		return nil
	}
	out := make([]domain.Order, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Order)
	}
	return out
}
