// Package paper emulates a futures exchange on top of a live price source.
// Orders fill against the last observed mark price, or the request's
// reference price for a symbol not seen yet; resting limit orders fill when
// a later tick crosses them.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PriceSource supplies market data, normally the live binance stream.
type PriceSource interface {
	StreamPrices(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error)
}

// Config configures the emulated account.
type Config struct {
	InitialBalance float64
	Leverage       float64
	// MaxFills caps the per-symbol fill history.
	MaxFills int
}

type position struct {
	signedQty float64
	entry     float64
}

type restingOrder struct {
	id  string
	req domain.OrderRequest
}

// Exchange implements domain.ExchangeGateway without touching a real
// account.
type Exchange struct {
	cfg    Config
	source PriceSource
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	balance   float64
	positions map[string]*position
	resting   map[string]restingOrder
	fills     map[string][]domain.Fill
	prices    map[string]float64
	clientIDs map[string]bool
	nextID    int64
}

var _ domain.ExchangeGateway = (*Exchange)(nil)

// New creates an Exchange funded with cfg.InitialBalance.
func New(cfg Config, source PriceSource, logger *slog.Logger) *Exchange {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.MaxFills <= 0 {
		cfg.MaxFills = 500
	}
	return &Exchange{
		cfg:       cfg,
		source:    source,
		logger:    logger.With(slog.String("component", "paper_exchange")),
		now:       time.Now,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*position),
		resting:   make(map[string]restingOrder),
		fills:     make(map[string][]domain.Fill),
		prices:    make(map[string]float64),
		clientIDs: make(map[string]bool),
	}
}

// PlaceOrder fills market orders and marketable limits at once and rests
// the other limits.
func (e *Exchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: place order: %w", domain.ErrInvalidQuantity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" && e.clientIDs[req.ClientOrderID] {
		return "", fmt.Errorf("paper: place order %s: %w", req.ClientOrderID, domain.ErrDuplicateOrderID)
	}

	if req.ReduceOnly {
		pos := e.positions[req.Symbol]
		if pos == nil || sideSign(req.Side)*pos.signedQty >= 0 {
			return "", fmt.Errorf("paper: reduce-only %s without an opposite position: %w", req.Symbol, domain.ErrInvalidOrder)
		}
		req.Quantity = min(req.Quantity, abs(pos.signedQty))
	}

	last, hasPrice := e.prices[req.Symbol]
	var fillPrice float64
	switch req.Kind {
	case domain.OrderKindMarket:
		switch {
		case hasPrice:
			fillPrice = last
		case req.ReferencePrice > 0:
			fillPrice = req.ReferencePrice
		default:
			return "", fmt.Errorf("paper: no mark price for %s: %w", req.Symbol, domain.ErrInvalidPrice)
		}
	case domain.OrderKindLimit:
		if req.Price == nil || *req.Price <= 0 {
			return "", fmt.Errorf("paper: place order %s: %w", req.ClientOrderID, domain.ErrInvalidPrice)
		}
		if hasPrice && crosses(req.Side, *req.Price, last) {
			fillPrice = *req.Price
		}
	default:
		return "", fmt.Errorf("paper: place order: kind %q: %w", req.Kind, domain.ErrInvalidOrder)
	}

	e.nextID++
	id := req.Symbol + ":" + strconv.FormatInt(e.nextID, 10)
	if req.ClientOrderID != "" {
		e.clientIDs[req.ClientOrderID] = true
	}

	if fillPrice > 0 {
		e.applyFillLocked(req.Symbol, req.Side, req.Quantity, fillPrice)
	} else {
		e.resting[id] = restingOrder{id: id, req: req}
	}
	return id, nil
}

// CancelOrder removes a resting order. Filled or unknown ids yield
// domain.ErrNotFound, like the real venue.
func (e *Exchange) CancelOrder(_ context.Context, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.resting[exchangeOrderID]; !ok {
		return fmt.Errorf("paper: cancel order %s: %w", exchangeOrderID, domain.ErrNotFound)
	}
	delete(e.resting, exchangeOrderID)
	return nil
}

// GetOpenPositions returns non-flat positions sorted by symbol.
func (e *Exchange) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(e.positions))
	for sym, p := range e.positions {
		out = append(out, domain.ExchangePosition{
			Symbol:         sym,
			SignedQuantity: p.signedQty,
			EntryPrice:     p.entry,
			Leverage:       e.cfg.Leverage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccountBalance returns the wallet balance including realized PnL.
func (e *Exchange) GetAccountBalance(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// GetRecentFills returns fills on symbol at or after since, oldest first.
func (e *Exchange) GetRecentFills(_ context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Fill
	for _, f := range e.fills[symbol] {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// StreamPrices relays the source stream, matching resting orders on every
// tick before forwarding it.
func (e *Exchange) StreamPrices(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error) {
	in, err := e.source.StreamPrices(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("paper: stream prices: %w", err)
	}
	out := make(chan domain.PriceTick, cap(in))
	go func() {
		defer close(out)
		for tick := range in {
			e.OnTick(tick)
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OnTick records the mark price and fills resting orders it crosses.
func (e *Exchange) OnTick(tick domain.PriceTick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[tick.Symbol] = tick.Price

	ids := make([]string, 0, len(e.resting))
	for id, o := range e.resting {
		if o.req.Symbol == tick.Symbol && crosses(o.req.Side, *o.req.Price, tick.Price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := e.resting[id]
		delete(e.resting, id)
		qty := o.req.Quantity
		if o.req.ReduceOnly {
			pos := e.positions[o.req.Symbol]
			if pos == nil || sideSign(o.req.Side)*pos.signedQty >= 0 {
				continue
			}
			qty = min(qty, abs(pos.signedQty))
		}
		e.applyFillLocked(o.req.Symbol, o.req.Side, qty, *o.req.Price)
		e.logger.Debug("resting order filled",
			slog.String("order_id", id),
			slog.Float64("price", *o.req.Price),
		)
	}
}

// applyFillLocked updates the position and balance for one fill. Adding to a
// position moves the entry to the VWAP; reducing realizes PnL on the closed
// quantity; crossing through zero opens the remainder at price.
func (e *Exchange) applyFillLocked(symbol string, side domain.OrderSide, qty, price float64) {
	signed := sideSign(side) * qty
	pos := e.positions[symbol]
	if pos == nil {
		pos = &position{}
		e.positions[symbol] = pos
	}

	var realized float64
	switch {
	case pos.signedQty == 0 || pos.signedQty*signed > 0:
		total := abs(pos.signedQty) + qty
		pos.entry = (pos.entry*abs(pos.signedQty) + price*qty) / total
		pos.signedQty += signed
	default:
		closing := min(qty, abs(pos.signedQty))
		dir := 1.0
		if pos.signedQty < 0 {
			dir = -1
		}
		realized = (price - pos.entry) * closing * dir
		pos.signedQty += signed
		if abs(pos.signedQty) < 1e-12 {
			delete(e.positions, symbol)
		} else if pos.signedQty*dir < 0 {
			pos.entry = price
		}
	}
	e.balance += realized

	fills := append(e.fills[symbol], domain.Fill{
		Symbol:      symbol,
		Price:       price,
		Quantity:    qty,
		RealizedPnL: realized,
		Time:        e.now().UTC(),
	})
	if len(fills) > e.cfg.MaxFills {
		fills = fills[len(fills)-e.cfg.MaxFills:]
	}
	e.fills[symbol] = fills
}

// Seed opens a position directly, for reconciliation drills and tests.
func (e *Exchange) Seed(symbol string, signedQty, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if signedQty == 0 {
		delete(e.positions, symbol)
		return
	}
	e.positions[symbol] = &position{signedQty: signedQty, entry: entry}
}

// crosses reports whether a limit on side at limit is marketable at price.
func crosses(side domain.OrderSide, limit, price float64) bool {
	if side == domain.OrderSideBuy {
		return price <= limit
	}
	return price >= limit
}

func sideSign(s domain.OrderSide) float64 {
	if s == domain.OrderSideSell {
		return -1
	}
	return 1
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
