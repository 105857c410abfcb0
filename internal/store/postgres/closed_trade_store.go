package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ClosedTradeStore implements domain.ClosedTradeStore using PostgreSQL.
// Inserts happen only inside Ledger transactions.
type ClosedTradeStore struct {
	db querier
}

// NewClosedTradeStore creates a ClosedTradeStore on a pool or transaction.
func NewClosedTradeStore(db querier) *ClosedTradeStore {
	return &ClosedTradeStore{db: db}
}

const closedTradeSelectCols = `id, position_id, symbol, direction, entry_price,
	exit_price, quantity, leverage, pnl_usd, pnl_percent, reason, price_source,
	estimated, planned_risk_percent, day_risk_percent, day_risk_at, quality_grade,
	open_time, close_time`

func (s *ClosedTradeStore) insert(ctx context.Context, t domain.ClosedTrade) error {
	const query = `
		INSERT INTO closed_trades (
			id, position_id, symbol, direction, entry_price,
			exit_price, quantity, leverage, pnl_usd, pnl_percent, reason, price_source,
			estimated, planned_risk_percent, day_risk_percent, day_risk_at, quality_grade,
			open_time, close_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := s.db.Exec(ctx, query,
		t.ID, t.PositionID, t.Symbol, string(t.Direction), t.EntryPrice,
		t.ExitPrice, t.Quantity, t.Leverage, t.PnLUSD, t.PnLPercent,
		string(t.Reason), string(t.PriceSource),
		t.Estimated, t.PlannedRiskPercent, t.DayRiskPercent, t.DayRiskAt, t.QualityGrade,
		t.OpenTime, t.CloseTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closed trade %s: %w", t.ID, mapWriteErr(err))
	}
	return nil
}

// ListClosedSince returns trades closed at or after since, oldest first.
func (s *ClosedTradeStore) ListClosedSince(ctx context.Context, since time.Time) ([]domain.ClosedTrade, error) {
	const query = `SELECT ` + closedTradeSelectCols + ` FROM closed_trades
		WHERE close_time >= $1 ORDER BY close_time`
	return s.list(ctx, "list trades closed since", query, since)
}

// ListRiskCommittedSince returns trades whose position last committed risk at
// or after since.
func (s *ClosedTradeStore) ListRiskCommittedSince(ctx context.Context, since time.Time) ([]domain.ClosedTrade, error) {
	const query = `SELECT ` + closedTradeSelectCols + ` FROM closed_trades
		WHERE day_risk_at >= $1 ORDER BY close_time`
	return s.list(ctx, "list trades with risk since", query, since)
}

// SumPnLSince sums realized PnL over trades closed at or after since.
func (s *ClosedTradeStore) SumPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl_usd), 0) FROM closed_trades WHERE close_time >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum pnl since %s: %w", since.Format(time.RFC3339), err)
	}
	return sum, nil
}

// List returns trades newest first with optional close-time window and
// pagination.
func (s *ClosedTradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	query, args := windowed(`SELECT `+closedTradeSelectCols+` FROM closed_trades`, "close_time", opts)
	return s.list(ctx, "list closed trades", query, args...)
}

func (s *ClosedTradeStore) list(ctx context.Context, op, query string, args ...any) ([]domain.ClosedTrade, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ClosedTrade
	for rows.Next() {
		t, err := scanClosedTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanClosedTrade(row pgx.Row) (domain.ClosedTrade, error) {
	var t domain.ClosedTrade
	var direction, reason, source string
	err := row.Scan(
		&t.ID, &t.PositionID, &t.Symbol, &direction, &t.EntryPrice,
		&t.ExitPrice, &t.Quantity, &t.Leverage, &t.PnLUSD, &t.PnLPercent, &reason, &source,
		&t.Estimated, &t.PlannedRiskPercent, &t.DayRiskPercent, &t.DayRiskAt, &t.QualityGrade,
		&t.OpenTime, &t.CloseTime,
	)
	if err != nil {
		return domain.ClosedTrade{}, err
	}
	t.Direction = domain.Direction(direction)
	t.Reason = domain.CloseReason(reason)
	t.PriceSource = domain.PriceSource(source)
	t.DayRiskAt = t.DayRiskAt.UTC()
	t.OpenTime = t.OpenTime.UTC()
	t.CloseTime = t.CloseTime.UTC()
	return t, nil
}
