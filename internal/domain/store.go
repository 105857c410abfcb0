package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders. Terminal orders are kept for audit.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	// Update stores a lifecycle transition. A stored terminal order, an
	// illegal transition or a shrinking filled quantity is refused with
	// ErrAlreadyTerminal.
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByStatus(ctx context.Context, statuses ...OrderStatus) ([]Order, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// PositionStore persists the open position set.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpenBySymbol(ctx context.Context, symbol string) (Position, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error)
	// ListRiskCommittedSince returns positions that committed planned risk
	// at or after since.
	ListRiskCommittedSince(ctx context.Context, since time.Time) ([]Position, error)
	Delete(ctx context.Context, id string) error
}

// ClosedTradeStore reads the append-only trade history. Appends happen only
// through Ledger units of work.
type ClosedTradeStore interface {
	ListClosedSince(ctx context.Context, since time.Time) ([]ClosedTrade, error)
	ListRiskCommittedSince(ctx context.Context, since time.Time) ([]ClosedTrade, error)
	SumPnLSince(ctx context.Context, since time.Time) (float64, error)
	List(ctx context.Context, opts ListOpts) ([]ClosedTrade, error)
}

// Ledger groups the stores and the multi-row units of work that must be
// atomic.
type Ledger interface {
	Orders() OrderStore
	Positions() PositionStore
	Trades() ClosedTradeStore

	// ClosePosition removes the position and appends trade in one transaction.
	ClosePosition(ctx context.Context, positionID string, trade ClosedTrade) error
	// ReducePosition stores the reduced position and appends trade in one
	// transaction.
	ReducePosition(ctx context.Context, pos Position, trade ClosedTrade) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
