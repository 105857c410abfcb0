package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/google/uuid"
)

// LiveOrders cancels the resting orders of a position.
type LiveOrders interface {
	CancelPosition(positionID, reason string) []domain.Order
}

// PositionService owns every mutation of the open position set: growth from
// fills, activation, abandonment, exits and closes. Mutations are serialised
// so the executor, the price feed and the reconciler never interleave a
// read-modify-write on the same position.
type PositionService struct {
	mu      sync.Mutex
	exiting map[string]bool

	live        LiveOrders
	ledger      domain.Ledger
	gateway     domain.ExchangeGateway
	events      domain.EventPublisher
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// NewPositionService creates a PositionService. gateway may be nil, in which
// case exits are recorded without sending a reduce order.
func NewPositionService(
	ledger domain.Ledger,
	gateway domain.ExchangeGateway,
	events domain.EventPublisher,
	callTimeout time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PositionService {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &PositionService{
		exiting:     make(map[string]bool),
		ledger:      ledger,
		gateway:     gateway,
		events:      events,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logger.With(slog.String("component", "position_service")),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}
}

// SetLiveOrders installs the order source whose resting orders are cancelled
// before a position is closed or abandoned. Call it before use.
func (s *PositionService) SetLiveOrders(l LiveOrders) {
	s.live = l
}

// cancelLive must run without s.mu held: cancellations are handed to the
// executor, which itself takes s.mu to apply fills.
func (s *PositionService) cancelLive(ctx context.Context, positionID, reason string) {
	if s.live == nil {
		return
	}
	if canceled := s.live.CancelPosition(positionID, reason); len(canceled) > 0 {
		s.logger.InfoContext(ctx, "live orders cancelled",
			slog.String("position_id", positionID),
			slog.String("reason", reason),
			slog.Int("count", len(canceled)),
		)
	}
}

// OpenPending returns the position that a signal's orders will fill into. A
// new PENDING position is created when the symbol has none; a same-direction
// position grows its margin reservation and planned risk. An opposite
// direction is ErrPositionConflict.
func (s *PositionService) OpenPending(ctx context.Context, sig domain.Signal, leverage, reserve float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.ledger.Positions().GetOpenBySymbol(ctx, sig.Symbol)
	switch {
	case err == nil:
		if existing.Direction != sig.Direction {
			return domain.Position{}, fmt.Errorf("position_service: %s is %s, signal is %s: %w",
				sig.Symbol, existing.Direction, sig.Direction, domain.ErrPositionConflict)
		}
		now := s.now()
		existing.MarginCommitted += reserve
		existing.CommitRisk(sig.PlannedRiskPercent, now)
		existing.UpdatedAt = now
		if err := s.ledger.Positions().Update(ctx, existing); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: grow position %s: %w", existing.ID, err)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Position{}, fmt.Errorf("position_service: lookup %s: %w", sig.Symbol, err)
	}

	now := s.now()
	pos := domain.Position{
		ID:                 s.newID(),
		Symbol:             sig.Symbol,
		Direction:          sig.Direction,
		StopPrice:          sig.StopPrice,
		TargetPrice:        sig.TargetPrice,
		MarginCommitted:    reserve,
		Leverage:           leverage,
		QualityGrade:       sig.QualityGrade,
		Status:             domain.PositionStatusPending,
		OpenTime:           now,
		UpdatedAt:          now,
	}
	pos.CommitRisk(sig.PlannedRiskPercent, now)
	if err := s.ledger.Positions().Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position %s: %w", sig.Symbol, err)
	}
	s.logger.InfoContext(ctx, "position pending",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("reserved_margin", reserve),
	)
	return pos, nil
}

// ApplyFill merges a fill into the position. The first fill of a PENDING
// position activates it.
func (s *PositionService) ApplyFill(ctx context.Context, positionID string, qty, price float64) (domain.Position, error) {
	if qty <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: fill of %v: %w", qty, domain.ErrInvalidQuantity)
	}
	if price <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: fill at %v: %w", price, domain.ErrInvalidPrice)
	}

	s.mu.Lock()
	pos, err := s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		s.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	pos.AddFill(qty, price)
	opened := pos.Status == domain.PositionStatusPending
	if opened {
		pos.Status = domain.PositionStatusActive
	}
	pos.UpdatedAt = s.now()
	if err := s.ledger.Positions().Update(ctx, pos); err != nil {
		s.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_service: update position %q: %w", positionID, err)
	}
	s.mu.Unlock()

	if opened {
		s.publish(ctx, domain.NewEvent(domain.EventPositionOpened, pos.Symbol, map[string]any{
			"position_id": pos.ID,
			"direction":   string(pos.Direction),
			"entry_price": pos.EntryPrice,
			"quantity":    pos.Quantity,
			"leverage":    pos.Leverage,
		}))
		s.logger.InfoContext(ctx, "position opened",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Float64("entry_price", pos.EntryPrice),
			slog.Float64("quantity", pos.Quantity),
		)
	}
	return pos, nil
}

// Settle is called once every order of a signal is terminal. It drops any
// unused margin reservation, and removes a PENDING position that never
// filled. removed reports the latter.
func (s *PositionService) Settle(ctx context.Context, positionID string) (pos domain.Position, removed bool, err error) {
	s.mu.Lock()
	pos, err = s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		s.mu.Unlock()
		return domain.Position{}, false, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Status == domain.PositionStatusPending && pos.Quantity == 0 {
		err = s.ledger.Positions().Delete(ctx, pos.ID)
		s.mu.Unlock()
		if err != nil {
			return pos, false, fmt.Errorf("position_service: abandon position %q: %w", positionID, err)
		}
		s.abandoned(ctx, pos, "no_fills")
		return pos, true, nil
	}
	pos.SettleMargin()
	pos.UpdatedAt = s.now()
	err = s.ledger.Positions().Update(ctx, pos)
	s.mu.Unlock()
	if err != nil {
		return pos, false, fmt.Errorf("position_service: settle position %q: %w", positionID, err)
	}
	return pos, false, nil
}

// Abandon removes an unfilled PENDING position. A position that already holds
// quantity is left alone and ErrInvalidOrder is returned.
func (s *PositionService) Abandon(ctx context.Context, positionID, reason string) error {
	s.cancelLive(ctx, positionID, domain.CancelReasonAbandoned)

	s.mu.Lock()
	pos, err := s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusPending || pos.Quantity > 0 {
		s.mu.Unlock()
		return fmt.Errorf("position_service: abandon %s position %q with qty %v: %w",
			pos.Status, positionID, pos.Quantity, domain.ErrInvalidOrder)
	}
	err = s.ledger.Positions().Delete(ctx, positionID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("position_service: abandon position %q: %w", positionID, err)
	}
	s.abandoned(ctx, pos, reason)
	return nil
}

func (s *PositionService) abandoned(ctx context.Context, pos domain.Position, reason string) {
	s.publish(ctx, domain.NewEvent(domain.EventPositionAbandoned, pos.Symbol, map[string]any{
		"position_id": pos.ID,
		"reason":      reason,
	}))
	s.logger.InfoContext(ctx, "position abandoned",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason),
	)
}

// Activate promotes a PENDING position the exchange has confirmed.
func (s *PositionService) Activate(ctx context.Context, positionID string, confirmed domain.ExchangePosition) (domain.Position, error) {
	s.mu.Lock()
	pos, err := s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		s.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusPending {
		s.mu.Unlock()
		return pos, nil
	}
	pos.Status = domain.PositionStatusActive
	if pos.Quantity == 0 {
		pos.Quantity = confirmed.Quantity()
		pos.EntryPrice = confirmed.EntryPrice
	}
	pos.UpdatedAt = s.now()
	err = s.ledger.Positions().Update(ctx, pos)
	s.mu.Unlock()
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: activate position %q: %w", positionID, err)
	}
	s.publish(ctx, domain.NewEvent(domain.EventPositionOpened, pos.Symbol, map[string]any{
		"position_id": pos.ID,
		"direction":   string(pos.Direction),
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
		"confirmed":   true,
	}))
	return pos, nil
}

// CorrectDrift overwrites the ledger's quantity and leverage with the
// exchange's values. It reports whether anything changed.
func (s *PositionService) CorrectDrift(ctx context.Context, positionID string, confirmed domain.ExchangePosition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		return false, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	qty := confirmed.Quantity()
	changed := false
	if qty > 0 && !approxEqual(pos.Quantity, qty) {
		s.logger.WarnContext(ctx, "position quantity drift corrected",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Float64("ledger_qty", pos.Quantity),
			slog.Float64("exchange_qty", qty),
		)
		pos.Quantity = qty
		if confirmed.EntryPrice > 0 {
			pos.EntryPrice = confirmed.EntryPrice
		}
		changed = true
	}
	if confirmed.Leverage > 0 && pos.Leverage != confirmed.Leverage {
		pos.Leverage = confirmed.Leverage
		changed = true
	}
	if !changed {
		return false, nil
	}
	pos.SettleMargin()
	pos.UpdatedAt = s.now()
	if err := s.ledger.Positions().Update(ctx, pos); err != nil {
		return false, fmt.Errorf("position_service: correct position %q: %w", positionID, err)
	}
	return true, nil
}

// ClosePosition closes the whole of a position at exitPrice after cancelling
// its resting orders. The trade append and the position removal happen in one
// ledger transaction.
func (s *PositionService) ClosePosition(
	ctx context.Context,
	positionID string,
	exitPrice float64,
	reason domain.CloseReason,
	src domain.PriceSource,
) (domain.ClosedTrade, error) {
	cancelReason := domain.CancelReasonPositionClosed
	if reason == domain.CloseReasonReconciledOrphan {
		cancelReason = domain.CancelReasonReconciled
	}
	s.cancelLive(ctx, positionID, cancelReason)

	s.mu.Lock()
	pos, err := s.ledger.Positions().GetByID(ctx, positionID)
	if err != nil {
		s.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	trade := domain.NewClosedTrade(s.newID(), pos, pos.Quantity, exitPrice, reason, src, s.now())
	err = s.ledger.ClosePosition(ctx, pos.ID, trade)
	s.mu.Unlock()
	if err != nil {
		return domain.ClosedTrade{}, fmt.Errorf("position_service: close position %q: %w", positionID, err)
	}
	s.closed(ctx, trade)
	return trade, nil
}

// Close closes the open position on symbol.
func (s *PositionService) Close(
	ctx context.Context,
	symbol string,
	exitPrice float64,
	reason domain.CloseReason,
	src domain.PriceSource,
) (domain.ClosedTrade, error) {
	pos, err := s.ledger.Positions().GetOpenBySymbol(ctx, symbol)
	if err != nil {
		return domain.ClosedTrade{}, fmt.Errorf("position_service: open position %s: %w", symbol, err)
	}
	return s.ClosePosition(ctx, pos.ID, exitPrice, reason, src)
}

// PartialClose takes qty off the open position on symbol and records a
// PARTIAL_TP trade. Closing the whole quantity is a full close with
// TAKE_PROFIT.
func (s *PositionService) PartialClose(
	ctx context.Context,
	symbol string,
	qty, exitPrice float64,
	src domain.PriceSource,
) (domain.ClosedTrade, error) {
	if qty <= 0 {
		return domain.ClosedTrade{}, fmt.Errorf("position_service: partial close of %v: %w", qty, domain.ErrInvalidQuantity)
	}

	s.mu.Lock()
	pos, err := s.ledger.Positions().GetOpenBySymbol(ctx, symbol)
	if err != nil {
		s.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position_service: open position %s: %w", symbol, err)
	}
	if qty >= pos.Quantity || approxEqual(qty, pos.Quantity) {
		s.mu.Unlock()
		return s.ClosePosition(ctx, pos.ID, exitPrice, domain.CloseReasonTakeProfit, src)
	}

	trade := domain.NewClosedTrade(s.newID(), pos, qty, exitPrice, domain.CloseReasonPartialTP, src, s.now())
	pos.Quantity -= qty
	pos.SettleMargin()
	pos.UpdatedAt = s.now()
	err = s.ledger.ReducePosition(ctx, pos, trade)
	s.mu.Unlock()
	if err != nil {
		return domain.ClosedTrade{}, fmt.Errorf("position_service: reduce position %q: %w", pos.ID, err)
	}
	s.closed(ctx, trade)
	return trade, nil
}

// Exit sends a reduce-only market order for qty of the open position on
// symbol and records the close at price. qty <= 0 exits everything. A second
// exit for a symbol already exiting returns ErrLockHeld.
func (s *PositionService) Exit(
	ctx context.Context,
	symbol string,
	qty, price float64,
	reason domain.CloseReason,
) (domain.ClosedTrade, error) {
	s.mu.Lock()
	if s.exiting[symbol] {
		s.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position_service: exit %s: %w", symbol, domain.ErrLockHeld)
	}
	pos, err := s.ledger.Positions().GetOpenBySymbol(ctx, symbol)
	if err != nil {
		s.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position_service: open position %s: %w", symbol, err)
	}
	if pos.Quantity <= 0 {
		s.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position_service: exit %s with no filled quantity: %w", symbol, domain.ErrInvalidQuantity)
	}
	s.exiting[symbol] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.exiting, symbol)
		s.mu.Unlock()
	}()

	full := qty <= 0 || qty >= pos.Quantity
	if full {
		qty = pos.Quantity
	}
	if err := s.sendReduce(ctx, pos, qty, price); err != nil {
		return domain.ClosedTrade{}, err
	}

	if full {
		return s.ClosePosition(ctx, pos.ID, price, reason, domain.PriceSourceOrder)
	}
	return s.PartialClose(ctx, symbol, qty, price, domain.PriceSourceOrder)
}

func (s *PositionService) sendReduce(ctx context.Context, pos domain.Position, qty, price float64) error {
	if s.gateway == nil {
		return nil
	}
	req := domain.OrderRequest{
		Symbol:         pos.Symbol,
		Side:           pos.Direction.EntrySide().Opposite(),
		Kind:           domain.OrderKindMarket,
		Quantity:       qty,
		ClientOrderID:  s.newID(),
		ReduceOnly:     true,
		ReferencePrice: price,
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if _, err := s.gateway.PlaceOrder(callCtx, req); err != nil {
		s.metrics.GatewayError("place_order")
		return fmt.Errorf("position_service: reduce order %s: %w", pos.Symbol, err)
	}
	return nil
}

// EvaluateExits closes the ACTIVE position on symbol when price crosses its
// stop or target. It returns nil when nothing triggered.
func (s *PositionService) EvaluateExits(ctx context.Context, symbol string, price float64) (*domain.ClosedTrade, error) {
	pos, err := s.ledger.Positions().GetOpenBySymbol(ctx, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position_service: open position %s: %w", symbol, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return nil, nil
	}

	reason, hit := ExitTriggered(pos, price)
	if !hit {
		return nil, nil
	}
	s.logger.InfoContext(ctx, "exit triggered",
		slog.String("position_id", pos.ID),
		slog.String("symbol", symbol),
		slog.String("reason", string(reason)),
		slog.Float64("price", price),
		slog.Float64("stop", pos.StopPrice),
		slog.Float64("target", pos.TargetPrice),
	)
	trade, err := s.Exit(ctx, symbol, 0, price, reason)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// ExitTriggered reports whether price crosses pos's stop or target. A zero
// level is unset.
func ExitTriggered(pos domain.Position, price float64) (domain.CloseReason, bool) {
	if pos.Direction == domain.DirectionShort {
		if pos.StopPrice > 0 && price >= pos.StopPrice {
			return domain.CloseReasonStopLoss, true
		}
		if pos.TargetPrice > 0 && price <= pos.TargetPrice {
			return domain.CloseReasonTakeProfit, true
		}
		return "", false
	}
	if pos.StopPrice > 0 && price <= pos.StopPrice {
		return domain.CloseReasonStopLoss, true
	}
	if pos.TargetPrice > 0 && price >= pos.TargetPrice {
		return domain.CloseReasonTakeProfit, true
	}
	return "", false
}

// Open returns every PENDING and ACTIVE position.
func (s *PositionService) Open(ctx context.Context) ([]domain.Position, error) {
	open, err := s.ledger.Positions().ListByStatus(ctx, domain.PositionStatusActive, domain.PositionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return open, nil
}

func (s *PositionService) closed(ctx context.Context, t domain.ClosedTrade) {
	s.publish(ctx, domain.NewEvent(domain.EventPositionClosed, t.Symbol, map[string]any{
		"position_id":  t.PositionID,
		"trade_id":     t.ID,
		"direction":    string(t.Direction),
		"entry_price":  t.EntryPrice,
		"exit_price":   t.ExitPrice,
		"quantity":     t.Quantity,
		"pnl_usd":      t.PnLUSD,
		"pnl_percent":  t.PnLPercent,
		"reason":       string(t.Reason),
		"price_source": string(t.PriceSource),
		"estimated":    t.Estimated,
	}))
	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", t.PositionID),
		slog.String("symbol", t.Symbol),
		slog.String("reason", string(t.Reason)),
		slog.Float64("exit_price", t.ExitPrice),
		slog.Float64("quantity", t.Quantity),
		slog.Float64("pnl_usd", t.PnLUSD),
	)
}

func (s *PositionService) publish(ctx context.Context, ev domain.Event) {
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

func approxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*max(1, a, b)
}
