package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the stores need, so one
// store type serves both plain calls and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// Ledger implements domain.Ledger and domain.AuditStore on one pool.
type Ledger struct {
	pool      *pgxpool.Pool
	orders    *OrderStore
	positions *PositionStore
	trades    *ClosedTradeStore
	audit     *AuditStore
}

var (
	_ domain.Ledger     = (*Ledger)(nil)
	_ domain.AuditStore = (*Ledger)(nil)
)

// NewLedger creates a Ledger backed by pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:      pool,
		orders:    NewOrderStore(pool),
		positions: NewPositionStore(pool),
		trades:    NewClosedTradeStore(pool),
		audit:     NewAuditStore(pool),
	}
}

// Orders returns the order store.
func (l *Ledger) Orders() domain.OrderStore { return l.orders }

// Positions returns the position store.
func (l *Ledger) Positions() domain.PositionStore { return l.positions }

// Trades returns the closed trade store.
func (l *Ledger) Trades() domain.ClosedTradeStore { return l.trades }

// Log appends an audit entry.
func (l *Ledger) Log(ctx context.Context, event string, detail map[string]any) error {
	return l.audit.Log(ctx, event, detail)
}

// List returns audit entries newest first.
func (l *Ledger) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return l.audit.List(ctx, opts)
}

// ClosePosition deletes the position and appends trade in one transaction.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, trade domain.ClosedTrade) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := NewPositionStore(tx).Delete(ctx, positionID); err != nil {
			return err
		}
		return NewClosedTradeStore(tx).insert(ctx, trade)
	})
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", positionID, err)
	}
	return nil
}

// ReducePosition stores the reduced position and appends trade in one
// transaction.
func (l *Ledger) ReducePosition(ctx context.Context, pos domain.Position, trade domain.ClosedTrade) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := NewPositionStore(tx).Update(ctx, pos); err != nil {
			return err
		}
		return NewClosedTradeStore(tx).insert(ctx, trade)
	})
	if err != nil {
		return fmt.Errorf("postgres: reduce position %s: %w", pos.ID, err)
	}
	return nil
}

// mapWriteErr turns a unique violation into ErrAlreadyExists.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrAlreadyExists)
	}
	return err
}

// windowed appends the ListOpts time window on col, newest-first ordering and
// pagination to a SELECT without a WHERE clause.
func windowed(query, col string, opts domain.ListOpts) (string, []any) {
	query += " WHERE 1=1"
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", col)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
