package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The table
// holds open positions only, one per symbol.
type PositionStore struct {
	db querier
}

// NewPositionStore creates a PositionStore on a pool or transaction.
func NewPositionStore(db querier) *PositionStore {
	return &PositionStore{db: db}
}

const positionSelectCols = `id, symbol, direction, entry_price, quantity,
	stop_price, target_price, margin_committed, leverage, quality_grade,
	planned_risk_percent, day_risk_percent, day_risk_at, status, open_time, updated_at`

// Create inserts a position. A second open position on the same symbol is
// ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, direction, entry_price, quantity,
			stop_price, target_price, margin_committed, leverage, quality_grade,
			planned_risk_percent, day_risk_percent, day_risk_at, status, open_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.db.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), p.EntryPrice, p.Quantity,
		p.StopPrice, p.TargetPrice, p.MarginCommitted, p.Leverage, p.QualityGrade,
		p.PlannedRiskPercent, p.DayRiskPercent, p.DayRiskAt, string(p.Status), p.OpenTime, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, mapWriteErr(err))
	}
	return nil
}

// Update overwrites a position's mutable fields.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			entry_price = $2, quantity = $3, stop_price = $4, target_price = $5,
			margin_committed = $6, leverage = $7, planned_risk_percent = $8,
			day_risk_percent = $9, day_risk_at = $10, status = $11, updated_at = $12
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		p.ID, p.EntryPrice, p.Quantity, p.StopPrice, p.TargetPrice,
		p.MarginCommitted, p.Leverage, p.PlannedRiskPercent,
		p.DayRiskPercent, p.DayRiskAt, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a position by id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenBySymbol retrieves the open position on symbol.
func (s *PositionStore) GetOpenBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.db.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE symbol = $1`, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: open position %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: open position %s: %w", symbol, err)
	}
	return p, nil
}

// ListByStatus returns positions in any of statuses, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY open_time`
	return s.list(ctx, "list positions by status", query, args...)
}

// ListRiskCommittedSince returns open positions whose latest risk commitment
// is at or after since.
func (s *PositionStore) ListRiskCommittedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	const query = `SELECT ` + positionSelectCols + ` FROM positions WHERE day_risk_at >= $1 ORDER BY open_time`
	return s.list(ctx, "list positions with risk since", query, since)
}

// Delete removes a position without recording a trade. Used only for PENDING
// positions that never filled.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *PositionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, status string
	err := row.Scan(
		&p.ID, &p.Symbol, &direction, &p.EntryPrice, &p.Quantity,
		&p.StopPrice, &p.TargetPrice, &p.MarginCommitted, &p.Leverage, &p.QualityGrade,
		&p.PlannedRiskPercent, &p.DayRiskPercent, &p.DayRiskAt, &status, &p.OpenTime, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.DayRiskAt = p.DayRiskAt.UTC()
	p.OpenTime = p.OpenTime.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
