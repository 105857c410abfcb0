package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/service"
)

const (
	escalateBalance = "executor.account_balance"
	escalatePlace   = "executor.place_order"
)

// OrderPlacer places orders on the exchange and records their transitions.
type OrderPlacer interface {
	AllowPlacement(ctx context.Context, symbol string) bool
	Place(ctx context.Context, o domain.Order) (domain.Order, error)
	Record(ctx context.Context, ev domain.OrderEvent) error
}

// PositionKeeper owns the positions signals fill into.
type PositionKeeper interface {
	OpenPending(ctx context.Context, sig domain.Signal, leverage, reserve float64) (domain.Position, error)
	ApplyFill(ctx context.Context, positionID string, qty, price float64) (domain.Position, error)
	Settle(ctx context.Context, positionID string) (domain.Position, bool, error)
}

// MarginChecker admits new margin against the account balance.
type MarginChecker interface {
	AdmitWithBalance(ctx context.Context, balance, requiredMargin float64) service.MarginDecision
}

// RiskChecker enforces the daily portfolio limits.
type RiskChecker interface {
	CheckDailyLimits(ctx context.Context, balance float64) service.GuardDecision
}

// PriceLookup returns the latest observed price of a symbol.
type PriceLookup interface {
	LatestPrice(symbol string) (float64, bool)
}

// Config configures the executor.
type Config struct {
	DefaultLeverage float64
	DedupTTL        time.Duration
	CallTimeout     time.Duration
	SignalBuffer    int
}

// Deps are the collaborators of an Executor. Prices and Escalator may be nil.
type Deps struct {
	Selector  *Selector
	Tracker   *Tracker
	Orders    OrderPlacer
	Positions PositionKeeper
	Margin    MarginChecker
	Guard     RiskChecker
	Balances  service.BalanceSource
	Prices    PriceLookup
	Escalator *service.Escalator
	Events    domain.EventPublisher
}

// Outcome is the result of processing one signal.
type Outcome struct {
	SignalID   string
	Accepted   bool
	Reason     domain.Reason
	Detail     string
	Strategy   Strategy
	PositionID string
	Orders     []domain.Order
}

// Stats summarises executor activity since start.
type Stats struct {
	Signals          int                   `json:"signals"`
	Accepted         int                   `json:"accepted"`
	Rejected         int                   `json:"rejected"`
	RejectReasons    map[domain.Reason]int `json:"reject_reasons"`
	Strategies       map[Strategy]int      `json:"strategies"`
	StrategyPercent  map[Strategy]float64  `json:"strategy_percent"`
	OrdersPlaced     int                   `json:"orders_placed"`
	OrdersRejected   int                   `json:"orders_rejected"`
	QueuedSignals    int                   `json:"queued_signals"`
	AcceptedPercent  float64               `json:"accepted_percent"`
	Contributions    int                   `json:"contributions"`
	AbandonedSignals int                   `json:"abandoned_signals"`
}

// signalState tracks the orders of an accepted signal that are still live.
type signalState struct {
	positionID string
	symbol     string
	open       map[string]struct{}
}

// Executor runs accepted signals through admission and placement, and turns
// order fills into position changes. Signals and order events are consumed by
// a single goroutine, so per-signal state needs no lock.
type Executor struct {
	signals     chan domain.Signal
	orderEvents chan domain.OrderEvent
	stopped     chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool

	deps   Deps
	cfg    Config
	dedup  *Dedup
	agg    *FillAggregator
	active map[string]*signalState

	statsMu sync.Mutex
	stats   Stats

	cleanupInterval time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

// NewExecutor creates an Executor and subscribes it to the tracker's order
// events.
func NewExecutor(cfg Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 64
	}
	e := &Executor{
		signals:     make(chan domain.Signal, cfg.SignalBuffer),
		orderEvents: make(chan domain.OrderEvent, cfg.SignalBuffer*4),
		stopped:     make(chan struct{}),
		deps:        deps,
		cfg:         cfg,
		dedup:       NewDedup(cfg.DedupTTL),
		agg:         NewFillAggregator(),
		active:      make(map[string]*signalState),
		stats: Stats{
			RejectReasons: make(map[domain.Reason]int),
			Strategies:    make(map[Strategy]int),
		},
		cleanupInterval: 30 * time.Second,
		metrics:         m,
		logger:          logger.With(slog.String("component", "executor")),
		now:             func() time.Time { return time.Now().UTC() },
	}
	deps.Tracker.SetEventHandler(e.enqueue)
	return e
}

// Submit queues a signal for processing. It blocks while the queue is full
// until ctx is done.
func (e *Executor) Submit(ctx context.Context, sig domain.Signal) error {
	select {
	case <-e.stopped:
		return errors.New("executor: stopped")
	default:
	}
	select {
	case e.signals <- sig:
		return nil
	case <-e.stopped:
		return errors.New("executor: stopped")
	case <-ctx.Done():
		return fmt.Errorf("executor: submit %s: %w", sig.ID, ctx.Err())
	}
}

func (e *Executor) enqueue(ev domain.OrderEvent) {
	select {
	case e.orderEvents <- ev:
	case <-e.stopped:
		e.logger.Warn("order event after shutdown dropped",
			slog.String("order_id", ev.Order.ID),
			slog.String("status", string(ev.Order.Status)),
		)
	}
}

// Run processes signals and order events until ctx is cancelled, then drains
// what is already queued.
func (e *Executor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("executor: already running")
	}
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stopOnce.Do(func() { close(e.stopped) })
			e.drain()
			return ctx.Err()

		case sig := <-e.signals:
			e.Process(ctx, sig)

		case ev := <-e.orderEvents:
			e.HandleOrderEvent(ctx, ev)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// drain handles what was queued before shutdown with a short-lived context so
// in-flight work is recorded rather than silently dropped.
func (e *Executor) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-e.orderEvents:
			e.HandleOrderEvent(drainCtx, ev)
		case sig := <-e.signals:
			e.logger.Warn("signal dropped at shutdown", slog.String("signal_id", sig.ID))
		default:
			return
		}
	}
}

// Process runs one signal through the pipeline: validation, dedup, expiry,
// rate limit, daily limits, sizing, margin admission, position assignment and
// order placement.
func (e *Executor) Process(ctx context.Context, sig domain.Signal) Outcome {
	out := e.process(ctx, sig)
	e.record(out)
	if !out.Accepted {
		e.rejected(ctx, sig, out)
	}
	return out
}

func (e *Executor) process(ctx context.Context, sig domain.Signal) Outcome {
	out := Outcome{SignalID: sig.ID}
	reject := func(reason domain.Reason, detail string) Outcome {
		out.Reason = reason
		out.Detail = detail
		return out
	}

	if err := sig.Validate(); err != nil {
		return reject(domain.ReasonMalformedSignal, err.Error())
	}
	if e.dedup.IsDuplicate(sig.ID) {
		return reject(domain.ReasonDuplicateSignal, "")
	}
	if sig.Expired(e.now()) {
		return reject(domain.ReasonSignalExpired, sig.ExpiresAt.Format(time.RFC3339))
	}
	if !e.deps.Orders.AllowPlacement(ctx, sig.Symbol) {
		e.dedup.Forget(sig.ID)
		return reject(domain.ReasonRateLimited, "")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	balance, err := e.deps.Balances.GetAccountBalance(callCtx)
	cancel()
	if err != nil {
		e.metrics.GatewayError("get_account_balance")
		e.escalateFailure(ctx, escalateBalance, err)
		e.dedup.Forget(sig.ID)
		return reject(domain.ReasonBalanceUnavailable, err.Error())
	}
	e.escalateSuccess(escalateBalance)

	guard := e.deps.Guard.CheckDailyLimits(ctx, balance)
	if !guard.Allowed {
		return reject(guard.Reason, guard.Detail)
	}

	price := e.currentPrice(sig)
	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}
	qty := SizePosition(sig, balance, price)
	if qty <= 0 || math.IsInf(qty, 0) || math.IsNaN(qty) {
		return reject(domain.ReasonInvalidSizing, fmt.Sprintf("qty=%v", qty))
	}
	required := qty * price / leverage

	margin := e.deps.Margin.AdmitWithBalance(ctx, balance, required)
	if !margin.Allowed {
		if margin.Reason == domain.ReasonStateUnavailable {
			e.dedup.Forget(sig.ID)
		}
		return reject(margin.Reason, fmt.Sprintf("required=%.2f projected=%.4f", required, margin.ProjectedUsage))
	}

	plan, err := e.deps.Selector.Select(sig.Symbol, sig.Direction, sig.ConfidenceScore, qty, price)
	if err != nil {
		return reject(domain.ReasonInvalidSizing, err.Error())
	}

	pos, err := e.deps.Positions.OpenPending(ctx, sig, leverage, required)
	if errors.Is(err, domain.ErrPositionConflict) {
		return reject(domain.ReasonPositionConflict, err.Error())
	}
	if err != nil {
		e.dedup.Forget(sig.ID)
		return reject(domain.ReasonLedgerWriteFailed, err.Error())
	}

	out.Accepted = true
	out.Reason = domain.ReasonOK
	out.Strategy = plan.Strategy
	out.PositionID = pos.ID
	state := &signalState{positionID: pos.ID, symbol: sig.Symbol, open: make(map[string]struct{})}
	e.active[sig.ID] = state

	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("strategy", string(plan.Strategy)),
	)
	log.InfoContext(ctx, "signal accepted",
		slog.Float64("confidence", sig.ConfidenceScore),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
		slog.Float64("leverage", leverage),
		slog.Float64("required_margin", required),
	)

	var placeErr error
	placedAny := false
	for _, o := range plan.Orders {
		o.SignalID = sig.ID
		o.PositionID = pos.ID
		placed, err := e.deps.Orders.Place(ctx, o)
		out.Orders = append(out.Orders, placed)
		if err != nil {
			placeErr = err
			e.bump(func(s *Stats) { s.OrdersRejected++ })
			e.escalateFailure(ctx, escalatePlace, err)
			log.WarnContext(ctx, "order placement failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.escalateSuccess(escalatePlace)
		e.bump(func(s *Stats) { s.OrdersPlaced++ })
		placedAny = true

		if placed.Kind == domain.OrderKindMarket && placed.Status == domain.OrderStatusFilled {
			e.applyFill(ctx, placed, placed.FilledQty, placed.FilledPrice, e.now())
			continue
		}
		if err := e.deps.Tracker.Track(placed); err != nil {
			log.ErrorContext(ctx, "track order failed",
				slog.String("order_id", placed.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		state.open[placed.ID] = struct{}{}
	}

	if len(state.open) == 0 {
		e.finalize(ctx, sig.ID)
	}
	if !placedAny && placeErr != nil {
		// nothing reached the exchange; the position was abandoned above
		e.dedup.Forget(sig.ID)
		out.Accepted = false
		out.Reason = domain.ReasonPlacementFailed
		out.Detail = placeErr.Error()
	}
	return out
}

// SizePosition derives the order quantity for sig. An explicit quantity
// wins; otherwise the planned risk of the balance is spread over the stop
// distance, or over the price when the signal carries no stop.
func SizePosition(sig domain.Signal, balance, price float64) float64 {
	if sig.Quantity > 0 {
		return sig.Quantity
	}
	if price <= 0 || balance <= 0 {
		return 0
	}
	riskUSD := balance * sig.PlannedRiskPercent / 100
	if sig.StopPrice > 0 {
		if dist := math.Abs(price - sig.StopPrice); dist > 0 {
			return riskUSD / dist
		}
	}
	return riskUSD / price
}

func (e *Executor) currentPrice(sig domain.Signal) float64 {
	if e.deps.Prices != nil {
		if p, ok := e.deps.Prices.LatestPrice(sig.Symbol); ok && p > 0 {
			return p
		}
	}
	return sig.EntryPrice
}

// HandleOrderEvent records a tracker transition, applies any fill to the
// position and finalises the signal once all its orders are terminal. An
// event the ledger refuses as stale changes nothing.
func (e *Executor) HandleOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	o := ev.Order
	err := e.deps.Orders.Record(ctx, ev)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		e.logger.WarnContext(ctx, "stale order transition ignored",
			slog.String("order_id", o.ID),
			slog.String("status", string(o.Status)),
			slog.Float64("filled_qty", o.FilledQty),
		)
		return
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "record order transition failed",
			slog.String("order_id", o.ID),
			slog.String("status", string(o.Status)),
			slog.String("error", err.Error()),
		)
	}
	if ev.FillQty > 0 {
		e.applyFill(ctx, o, ev.FillQty, ev.FillPrice, ev.At)
	}
	if !o.Status.IsTerminal() {
		return
	}
	state, ok := e.active[o.SignalID]
	if !ok {
		return
	}
	delete(state.open, o.ID)
	if len(state.open) == 0 {
		e.finalize(ctx, o.SignalID)
	}
}

func (e *Executor) applyFill(ctx context.Context, o domain.Order, qty, price float64, at time.Time) {
	if _, err := e.deps.Positions.ApplyFill(ctx, o.PositionID, qty, price); err != nil {
		e.logger.ErrorContext(ctx, "apply fill to position failed",
			slog.String("order_id", o.ID),
			slog.String("position_id", o.PositionID),
			slog.Float64("qty", qty),
			slog.Float64("price", price),
			slog.String("error", err.Error()),
		)
	}
	e.agg.Add(o.SignalID, o.Symbol, qty, price, at)
}

// finalize runs once every order of a signal is terminal: it publishes the
// aggregated contribution and settles the position's margin. A position still
// waiting on another signal's orders is left alone.
func (e *Executor) finalize(ctx context.Context, signalID string) {
	state, ok := e.active[signalID]
	if !ok {
		return
	}
	delete(e.active, signalID)

	contrib, filled := e.agg.Remove(signalID)
	if filled && contrib.TotalQty > 0 {
		e.bump(func(s *Stats) { s.Contributions++ })
		e.publish(ctx, domain.NewEvent(domain.EventPositionContribution, state.symbol, map[string]any{
			"signal_id":   signalID,
			"position_id": state.positionID,
			"total_qty":   contrib.TotalQty,
			"avg_price":   contrib.AvgPrice,
			"fill_count":  contrib.FillCount,
			"first_fill":  contrib.FirstFill,
			"last_fill":   contrib.LastFill,
		}))
	}

	if e.positionBusy(state.positionID) {
		return
	}
	_, removed, err := e.deps.Positions.Settle(ctx, state.positionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.ErrorContext(ctx, "settle position failed",
			slog.String("signal_id", signalID),
			slog.String("position_id", state.positionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed {
		e.bump(func(s *Stats) { s.AbandonedSignals++ })
	}
}

func (e *Executor) positionBusy(positionID string) bool {
	for _, st := range e.active {
		if st.positionID == positionID {
			return true
		}
	}
	return false
}

func (e *Executor) rejected(ctx context.Context, sig domain.Signal, out Outcome) {
	e.logger.WarnContext(ctx, "signal rejected",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("reason", string(out.Reason)),
		slog.String("detail", out.Detail),
	)
	switch out.Reason {
	case domain.ReasonDuplicateSignal, domain.ReasonMalformedSignal:
		return
	}
	e.publish(ctx, domain.NewEvent(domain.EventAdmissionRejected, sig.Symbol, map[string]any{
		"signal_id": sig.ID,
		"reason":    string(out.Reason),
		"detail":    out.Detail,
	}))
}

func (e *Executor) record(out Outcome) {
	outcome := "accepted"
	if !out.Accepted {
		outcome = string(out.Reason)
	}
	e.metrics.ObserveSignal(outcome)
	e.bump(func(s *Stats) {
		s.Signals++
		if out.Accepted {
			s.Accepted++
			s.Strategies[out.Strategy]++
		} else {
			s.Rejected++
			s.RejectReasons[out.Reason]++
		}
	})
}

func (e *Executor) bump(f func(*Stats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

// Stats returns a copy of the execution statistics.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := e.stats
	s.RejectReasons = make(map[domain.Reason]int, len(e.stats.RejectReasons))
	for k, v := range e.stats.RejectReasons {
		s.RejectReasons[k] = v
	}
	s.Strategies = make(map[Strategy]int, len(e.stats.Strategies))
	s.StrategyPercent = make(map[Strategy]float64, len(e.stats.Strategies))
	for k, v := range e.stats.Strategies {
		s.Strategies[k] = v
		if s.Accepted > 0 {
			s.StrategyPercent[k] = float64(v) / float64(s.Accepted) * 100
		}
	}
	if s.Signals > 0 {
		s.AcceptedPercent = float64(s.Accepted) / float64(s.Signals) * 100
	}
	s.QueuedSignals = len(e.signals)
	return s
}

func (e *Executor) escalateFailure(ctx context.Context, key string, err error) {
	if e.deps.Escalator != nil {
		e.deps.Escalator.Failure(ctx, key, err)
	}
}

func (e *Executor) escalateSuccess(key string) {
	if e.deps.Escalator != nil {
		e.deps.Escalator.Success(key)
	}
}

func (e *Executor) publish(ctx context.Context, ev domain.Event) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
