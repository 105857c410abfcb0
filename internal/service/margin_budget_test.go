package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/store/memory"
)

func testMarginConfig() MarginConfig {
	return MarginConfig{WarningRatio: 0.70, CriticalRatio: 0.85, DangerRatio: 0.90, CallTimeout: time.Second}
}

func newTestBudget(t *testing.T, ledger *memory.Ledger, gw *fakeGateway) *MarginBudget {
	t.Helper()
	return NewMarginBudget(ledger.Positions(), gw, testMarginConfig(), nil, discardLogger())
}

func activePosition(id, symbol string, dir domain.Direction, entry, qty, leverage float64) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     symbol,
		Direction:  dir,
		EntryPrice: entry,
		Quantity:   qty,
		Leverage:   leverage,
		Status:     domain.PositionStatusActive,
		OpenTime:   time.Now().UTC(),
	}
}

func TestMarginBudget_DeniesWhenUsageAlreadyInDanger(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	// 920 margin on a 1000 balance: notional 9200 at 10x.
	require.NoError(t, ledger.Positions().Create(ctx, activePosition("p1", "BTCUSDT", domain.DirectionLong, 92, 100, 10)))

	gw := newFakeGateway()
	gw.balance = 1000
	budget := newTestBudget(t, ledger, gw)

	d := budget.Admit(ctx, 50)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonMarginDanger, d.Reason)
	assert.InDelta(t, 920, d.Snapshot.TotalMarginUsed, 1e-9)
	assert.InDelta(t, 0.92, d.Snapshot.UsageRatio, 1e-9)
	assert.Equal(t, domain.MarginDanger, d.Snapshot.Health)
}

func TestMarginBudget_Evaluate(t *testing.T) {
	budget := NewMarginBudget(nil, nil, testMarginConfig(), nil, discardLogger())

	tests := []struct {
		name     string
		balance  float64
		used     float64
		required float64
		allowed  bool
		reason   domain.Reason
	}{
		{"healthy", 1000, 100, 50, true, domain.ReasonOK},
		{"exactly at danger after", 1000, 800, 100, true, domain.ReasonOK},
		{"projected over danger", 1000, 800, 101, false, domain.ReasonProjectedUsage},
		{"current usage at danger", 1000, 900, 1, false, domain.ReasonMarginDanger},
		{"zero balance", 0, 0, 10, false, domain.ReasonInvalidBalance},
		{"negative balance", -5, 0, 10, false, domain.ReasonInvalidBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotOf(budget, tt.balance, tt.used)
			d := budget.Evaluate(snap, tt.required)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestMarginBudget_InsufficientMarginWithLooseDangerRatio(t *testing.T) {
	cfg := testMarginConfig()
	cfg.DangerRatio = 2
	budget := NewMarginBudget(nil, nil, cfg, nil, discardLogger())

	d := budget.Evaluate(snapshotOf(budget, 1000, 600), 500)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonInsufficientMargin, d.Reason)
}

// snapshotOf builds a snapshot with a single position using exactly used margin.
func snapshotOf(b *MarginBudget, balance, used float64) domain.MarginSnapshot {
	if used == 0 {
		return b.Build(balance, nil)
	}
	return b.Build(balance, []domain.Position{activePosition("p", "X", domain.DirectionLong, used, 1, 1)})
}

func TestMarginBudget_DenialIsMonotonicInRequiredMargin(t *testing.T) {
	budget := NewMarginBudget(nil, nil, testMarginConfig(), nil, discardLogger())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		balance := rng.Float64()*10000 - 100
		used := rng.Float64() * 12000
		snap := snapshotOf(budget, balance, used)
		m := rng.Float64() * 5000
		larger := m + rng.Float64()*5000

		if !budget.Evaluate(snap, m).Allowed {
			assert.False(t, budget.Evaluate(snap, larger).Allowed,
				"balance=%v used=%v m=%v larger=%v", balance, used, m, larger)
		}
	}
}

func TestMarginBudget_BuildBreakdown(t *testing.T) {
	budget := NewMarginBudget(nil, nil, testMarginConfig(), nil, discardLogger())
	positions := []domain.Position{
		activePosition("a", "ETHUSDT", domain.DirectionLong, 2000, 1, 10),    // 200
		activePosition("b", "BTCUSDT", domain.DirectionShort, 50000, 0.1, 5), // 1000
		activePosition("c", "SOLUSDT", domain.DirectionLong, 100, 10, 20),    // 50
	}

	snap := budget.Build(5000, positions)

	require.Len(t, snap.Breakdown, 3)
	assert.Equal(t, "BTCUSDT", snap.Breakdown[0].Symbol)
	assert.Equal(t, "ETHUSDT", snap.Breakdown[1].Symbol)
	assert.Equal(t, "SOLUSDT", snap.Breakdown[2].Symbol)
	assert.InDelta(t, 1250, snap.TotalMarginUsed, 1e-9)
	assert.InDelta(t, 3750, snap.Available, 1e-9)
	assert.InDelta(t, 0.25, snap.UsageRatio, 1e-9)
	assert.InDelta(t, 35.0/3, snap.AvgLeverage, 1e-9)
	assert.InDelta(t, 80, snap.Breakdown[0].PercentOfMargin, 1e-9)
	assert.Equal(t, domain.MarginHealthy, snap.Health)
}

func TestMarginBudget_PendingReservationCounts(t *testing.T) {
	budget := NewMarginBudget(nil, nil, testMarginConfig(), nil, discardLogger())
	pending := domain.Position{
		ID:              "p",
		Symbol:          "BTCUSDT",
		Direction:       domain.DirectionLong,
		Leverage:        10,
		MarginCommitted: 300,
		Status:          domain.PositionStatusPending,
	}

	snap := budget.Build(1000, []domain.Position{pending})
	assert.InDelta(t, 300, snap.TotalMarginUsed, 1e-9)
}

func TestMarginBudget_Health(t *testing.T) {
	budget := NewMarginBudget(nil, nil, testMarginConfig(), nil, discardLogger())
	assert.Equal(t, domain.MarginHealthy, budget.Health(0.69))
	assert.Equal(t, domain.MarginWarning, budget.Health(0.70))
	assert.Equal(t, domain.MarginCritical, budget.Health(0.85))
	assert.Equal(t, domain.MarginDanger, budget.Health(0.90))
	assert.Equal(t, domain.MarginDanger, budget.Health(1.3))
}

func TestMarginBudget_UnavailableBalanceDenies(t *testing.T) {
	gw := newFakeGateway()
	gw.balanceErr = errors.New("exchange down")
	budget := newTestBudget(t, memory.NewLedger(), gw)

	d := budget.Admit(context.Background(), 10)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonStateUnavailable, d.Reason)
}
