package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func TestPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	pos := domain.Position{ID: "p1", Symbol: "XYZ", Direction: domain.DirectionLong, EntryPrice: 10,
		Quantity: 100, Leverage: 5, Status: domain.PositionStatusActive, OpenTime: now}
	require.NoError(t, l.Positions().Create(ctx, pos))

	dup := pos
	dup.ID = "p2"
	err := l.Positions().Create(ctx, dup)
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists), "one open position per symbol")

	got, err := l.Positions().GetOpenBySymbol(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, pos, got)

	reduced := pos
	reduced.Quantity = 40
	partial := domain.NewClosedTrade("t1", pos, 60, 11, domain.CloseReasonPartialTP, domain.PriceSourceOrder, now.Add(time.Hour))
	require.NoError(t, l.ReducePosition(ctx, reduced, partial))

	final := domain.NewClosedTrade("t2", reduced, 40, 12, domain.CloseReasonTakeProfit, domain.PriceSourceOrder, now.Add(2*time.Hour))
	require.NoError(t, l.ClosePosition(ctx, "p1", final))

	_, err = l.Positions().GetByID(ctx, "p1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	err = l.ClosePosition(ctx, "p1", final)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "a closed position cannot be closed twice")

	sum, err := l.Trades().SumPnLSince(ctx, now)
	require.NoError(t, err)
	assert.InDelta(t, 60*1+40*2, sum, 1e-9)

	list, err := l.Trades().List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t2", list[0].ID, "newest first")
}

func TestOrderStore(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	t0 := time.Now().UTC()

	o := domain.Order{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusNew, CreatedAt: t0}
	require.NoError(t, l.Orders().Create(ctx, o))
	assert.True(t, errors.Is(l.Orders().Create(ctx, o), domain.ErrAlreadyExists))

	o.Status = domain.OrderStatusCanceled
	require.NoError(t, l.Orders().Update(ctx, o))

	live, err := l.Orders().ListByStatus(ctx, domain.OrderStatusNew, domain.OrderStatusPartiallyFilled)
	require.NoError(t, err)
	assert.Empty(t, live)

	old, err := l.Orders().ListTerminalBefore(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, old, 1)

	assert.True(t, errors.Is(l.Orders().Update(ctx, domain.Order{ID: "nope"}), domain.ErrNotFound))
}

func TestOrderStoreRefusesStaleTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	o := domain.Order{ID: "o1", Symbol: "BTCUSDT", Quantity: 1, Status: domain.OrderStatusNew, CreatedAt: time.Now().UTC()}
	require.NoError(t, l.Orders().Create(ctx, o))

	partial := o
	partial.Status = domain.OrderStatusPartiallyFilled
	partial.FilledQty = 0.4
	filled := o
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = 1

	require.NoError(t, l.Orders().Update(ctx, filled))
	err := l.Orders().Update(ctx, partial)
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))

	got, err := l.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 1.0, got.FilledQty)

	// a partial may not shrink either
	require.NoError(t, l.Orders().Create(ctx, domain.Order{ID: "o2", Quantity: 1, Status: domain.OrderStatusNew}))
	more := partial
	more.ID = "o2"
	more.FilledQty = 0.6
	require.NoError(t, l.Orders().Update(ctx, more))
	less := more
	less.FilledQty = 0.2
	assert.True(t, errors.Is(l.Orders().Update(ctx, less), domain.ErrAlreadyTerminal))
}

func TestListRiskCommittedSince(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	old := domain.Position{ID: "y", Symbol: "A", OpenTime: day.Add(-time.Hour)}
	old.CommitRisk(1, old.OpenTime)
	grown := domain.Position{ID: "g", Symbol: "B", OpenTime: day.Add(-2 * time.Hour)}
	grown.CommitRisk(1, grown.OpenTime)
	grown.CommitRisk(0.5, day.Add(time.Hour))
	fresh := domain.Position{ID: "t", Symbol: "C", OpenTime: day.Add(time.Hour)}
	fresh.CommitRisk(2, fresh.OpenTime)
	for _, p := range []domain.Position{old, grown, fresh} {
		require.NoError(t, l.Positions().Create(ctx, p))
	}

	today, err := l.Positions().ListRiskCommittedSince(ctx, day)
	require.NoError(t, err)
	require.Len(t, today, 2)
	assert.Equal(t, "g", today[0].ID)
	assert.InDelta(t, 0.5, today[0].RiskCommittedSince(day), 1e-9)
	assert.Equal(t, "t", today[1].ID)
}
