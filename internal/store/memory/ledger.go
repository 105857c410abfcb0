// Package memory implements the ledger in process memory. It backs paper
// trading without a database and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Ledger keeps orders, open positions and closed trades behind one RWMutex.
// Reads return copies so callers never observe a partial update.
type Ledger struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	positions map[string]domain.Position
	trades    []domain.ClosedTrade
	audit     []domain.AuditEntry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		orders:    make(map[string]domain.Order),
		positions: make(map[string]domain.Position),
	}
}

var (
	_ domain.Ledger           = (*Ledger)(nil)
	_ domain.OrderStore       = orderStore{}
	_ domain.PositionStore    = positionStore{}
	_ domain.ClosedTradeStore = tradeStore{}
	_ domain.AuditStore       = (*Ledger)(nil)
)

// Orders returns the order store view.
func (l *Ledger) Orders() domain.OrderStore { return orderStore{l} }

// Positions returns the position store view.
func (l *Ledger) Positions() domain.PositionStore { return positionStore{l} }

// Trades returns the closed trade store view.
func (l *Ledger) Trades() domain.ClosedTradeStore { return tradeStore{l} }

// ClosePosition removes the position and appends trade atomically.
func (l *Ledger) ClosePosition(_ context.Context, positionID string, trade domain.ClosedTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[positionID]; !ok {
		return fmt.Errorf("memory: close position %s: %w", positionID, domain.ErrNotFound)
	}
	delete(l.positions, positionID)
	l.trades = append(l.trades, trade)
	return nil
}

// ReducePosition stores the reduced position and appends trade atomically.
func (l *Ledger) ReducePosition(_ context.Context, pos domain.Position, trade domain.ClosedTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[pos.ID]; !ok {
		return fmt.Errorf("memory: reduce position %s: %w", pos.ID, domain.ErrNotFound)
	}
	l.positions[pos.ID] = pos
	l.trades = append(l.trades, trade)
	return nil
}

// Log appends an audit entry.
func (l *Ledger) Log(_ context.Context, event string, detail map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audit = append(l.audit, domain.AuditEntry{
		ID:        int64(len(l.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (l *Ledger) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(l.audit))
	for i := len(l.audit) - 1; i >= 0; i-- {
		e := l.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

type orderStore struct{ l *Ledger }

func (s orderStore) Create(_ context.Context, o domain.Order) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.orders[o.ID]; ok {
		return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	s.l.orders[o.ID] = o
	return nil
}

func (s orderStore) Update(_ context.Context, o domain.Order) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	cur, ok := s.l.orders[o.ID]
	if !ok {
		return fmt.Errorf("memory: update order %s: %w", o.ID, domain.ErrNotFound)
	}
	if !cur.Status.CanTransition(o.Status) || o.FilledQty < cur.FilledQty {
		return fmt.Errorf("memory: update order %s (%s -> %s): %w", o.ID, cur.Status, o.Status, domain.ErrAlreadyTerminal)
	}
	s.l.orders[o.ID] = o
	return nil
}

func (s orderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	o, ok := s.l.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s orderStore) ListByStatus(_ context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.l.orders {
		if len(statuses) == 0 || containsStatus(statuses, o.Status) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s orderStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Order, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.l.orders {
		if o.Status.IsTerminal() && o.CreatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type positionStore struct{ l *Ledger }

func (s positionStore) Create(_ context.Context, p domain.Position) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.positions[p.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range s.l.positions {
		if existing.Symbol == p.Symbol {
			return fmt.Errorf("memory: create position %s: open position on %s: %w", p.ID, p.Symbol, domain.ErrAlreadyExists)
		}
	}
	s.l.positions[p.ID] = p
	return nil
}

func (s positionStore) Update(_ context.Context, p domain.Position) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.positions[p.ID]; !ok {
		return fmt.Errorf("memory: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	s.l.positions[p.ID] = p
	return nil
}

func (s positionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	p, ok := s.l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s positionStore) GetOpenBySymbol(_ context.Context, symbol string) (domain.Position, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	for _, p := range s.l.positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return domain.Position{}, fmt.Errorf("memory: open position %s: %w", symbol, domain.ErrNotFound)
}

func (s positionStore) ListByStatus(_ context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.l.positions {
		if len(statuses) == 0 || containsPositionStatus(statuses, p.Status) {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s positionStore) ListRiskCommittedSince(_ context.Context, since time.Time) ([]domain.Position, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.l.positions {
		if !p.DayRiskAt.Before(since) {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s positionStore) Delete(_ context.Context, id string) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.positions[id]; !ok {
		return fmt.Errorf("memory: delete position %s: %w", id, domain.ErrNotFound)
	}
	delete(s.l.positions, id)
	return nil
}

type tradeStore struct{ l *Ledger }

func (s tradeStore) ListClosedSince(_ context.Context, since time.Time) ([]domain.ClosedTrade, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.ClosedTrade
	for _, t := range s.l.trades {
		if !t.CloseTime.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s tradeStore) ListRiskCommittedSince(_ context.Context, since time.Time) ([]domain.ClosedTrade, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var out []domain.ClosedTrade
	for _, t := range s.l.trades {
		if !t.DayRiskAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s tradeStore) SumPnLSince(_ context.Context, since time.Time) (float64, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	var sum float64
	for _, t := range s.l.trades {
		if !t.CloseTime.Before(since) {
			sum += t.PnLUSD
		}
	}
	return sum, nil
}

func (s tradeStore) List(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	out := make([]domain.ClosedTrade, 0, len(s.l.trades))
	for i := len(s.l.trades) - 1; i >= 0; i-- {
		t := s.l.trades[i]
		if opts.Since != nil && t.CloseTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.CloseTime.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func containsStatus(set []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPositionStatus(set []domain.PositionStatus, s domain.PositionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenTime.Before(ps[j].OpenTime) })
}
