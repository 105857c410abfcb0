package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	db querier
}

// NewOrderStore creates an OrderStore on a pool or transaction.
func NewOrderStore(db querier) *OrderStore {
	return &OrderStore{db: db}
}

const orderSelectCols = `id, signal_id, position_id, symbol, side, kind,
	quantity, limit_price, status, filled_qty, filled_price,
	exchange_order_id, cancel_reason, created_at, timeout_at, filled_at, canceled_at`

// Create inserts a new order. A duplicate id is ErrAlreadyExists.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, signal_id, position_id, symbol, side, kind,
			quantity, limit_price, status, filled_qty, filled_price,
			exchange_order_id, cancel_reason, created_at, timeout_at, filled_at, canceled_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			NOW()
		)`
	_, err := s.db.Exec(ctx, query,
		o.ID, o.SignalID, o.PositionID, o.Symbol, string(o.Side), string(o.Kind),
		o.Quantity, o.LimitPrice, string(o.Status), o.FilledQty, o.FilledPrice,
		o.ExchangeOrderID, o.CancelReason, o.CreatedAt, o.TimeoutAt, o.FilledAt, o.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, mapWriteErr(err))
	}
	return nil
}

// Update overwrites the mutable fields of a live order. Terminal rows and
// updates that would shrink filled_qty are left untouched.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	if o.Status == domain.OrderStatusNew {
		return fmt.Errorf("postgres: update order %s: back to NEW: %w", o.ID, domain.ErrAlreadyTerminal)
	}
	const query = `
		UPDATE orders SET
			status = $2, filled_qty = $3, filled_price = $4,
			exchange_order_id = $5, cancel_reason = $6,
			filled_at = $7, canceled_at = $8, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('FILLED', 'CANCELED')
		  AND filled_qty <= $3`
	tag, err := s.db.Exec(ctx, query,
		o.ID, string(o.Status), o.FilledQty, o.FilledPrice,
		o.ExchangeOrderID, o.CancelReason, o.FilledAt, o.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, o.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	return fmt.Errorf("postgres: update order %s (%s -> %s): %w", o.ID, status, o.Status, domain.ErrAlreadyTerminal)
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByStatus returns orders in any of statuses, oldest first. No statuses
// means every order.
func (s *OrderStore) ListByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at`
	return s.list(ctx, "list orders by status", query, args...)
}

// ListTerminalBefore returns FILLED and CANCELED orders created before the
// cutoff, used by the archiver.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	const query = `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status IN ('FILLED', 'CANCELED') AND created_at < $1
		ORDER BY created_at`
	return s.list(ctx, "list terminal orders", query, before)
}

func (s *OrderStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                    domain.Order
		side, kind, status   string
		createdAt            time.Time
		timeout, filled, cxl *time.Time
	)
	err := row.Scan(
		&o.ID, &o.SignalID, &o.PositionID, &o.Symbol, &side, &kind,
		&o.Quantity, &o.LimitPrice, &status, &o.FilledQty, &o.FilledPrice,
		&o.ExchangeOrderID, &o.CancelReason, &createdAt, &timeout, &filled, &cxl,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = createdAt.UTC()
	o.TimeoutAt = utcPtr(timeout)
	o.FilledAt = utcPtr(filled)
	o.CanceledAt = utcPtr(cxl)
	return o, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
