package paper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var paperNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type chanSource struct {
	ch chan domain.PriceTick
}

func (s chanSource) StreamPrices(context.Context, []string) (<-chan domain.PriceTick, error) {
	return s.ch, nil
}

func newTestExchange() *Exchange {
	e := New(Config{InitialBalance: 1000, Leverage: 10}, nil, slog.Default())
	e.now = func() time.Time { return paperNow }
	return e
}

func tick(symbol string, price float64) domain.PriceTick {
	return domain.PriceTick{Symbol: symbol, Price: price, Timestamp: paperNow}
}

func ptr(v float64) *float64 { return &v }

func TestMarketOrderNeedsPrice(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()

	_, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	e.OnTick(tick("BTCUSDT", 100))
	id, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 1, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT:1", id)

	positions, err := e.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 1, positions[0].SignedQuantity, 1e-12)
	assert.InDelta(t, 100, positions[0].EntryPrice, 1e-12)
	assert.InDelta(t, 10, positions[0].Leverage, 1e-12)

	_, err = e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 1, ClientOrderID: "c1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateOrderID)
}

func TestMarketOrderFillsAtReferenceBeforeFirstTick(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()

	filledAt := paperNow
	order := domain.Order{
		ID: "o1", Symbol: "SOLUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket,
		Quantity: 2, Status: domain.OrderStatusFilled, FilledQty: 2, FilledPrice: 150, FilledAt: &filledAt,
	}
	_, err := e.PlaceOrder(ctx, domain.RequestFor(order))
	require.NoError(t, err)

	positions, err := e.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 2, positions[0].SignedQuantity, 1e-12)
	assert.InDelta(t, 150, positions[0].EntryPrice, 1e-12)

	// once a mark is known it wins over the reference
	e.OnTick(tick("SOLUSDT", 152))
	_, err = e.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "SOLUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindMarket,
		Quantity: 2, ReduceOnly: true, ReferencePrice: 140, ClientOrderID: "o2",
	})
	require.NoError(t, err)
	bal, err := e.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1004, bal, 1e-9)
}

func TestRestingLimitFillsOnCross(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()
	e.OnTick(tick("BTCUSDT", 100))

	id, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit, Quantity: 1, Price: ptr(99.9)})
	require.NoError(t, err)

	for _, p := range []float64{100.5, 100.2} {
		e.OnTick(tick("BTCUSDT", p))
	}
	positions, _ := e.GetOpenPositions(ctx)
	assert.Empty(t, positions)

	e.OnTick(tick("BTCUSDT", 99.8))
	positions, _ = e.GetOpenPositions(ctx)
	require.Len(t, positions, 1)
	assert.InDelta(t, 99.9, positions[0].EntryPrice, 1e-12, "fills at the limit")

	assert.ErrorIs(t, e.CancelOrder(ctx, id), domain.ErrNotFound, "already filled")
}

func TestCancelRestingOrder(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()
	e.OnTick(tick("ETHUSDT", 2000))

	id, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "ETHUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindLimit, Quantity: 1, Price: ptr(2100)})
	require.NoError(t, err)
	require.NoError(t, e.CancelOrder(ctx, id))

	e.OnTick(tick("ETHUSDT", 2200))
	positions, _ := e.GetOpenPositions(ctx)
	assert.Empty(t, positions)
}

func TestReducingFillRealizesPnL(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()
	e.Seed("XYZUSDT", 100, 10)
	e.OnTick(tick("XYZUSDT", 9.6))

	_, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "XYZUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindMarket, Quantity: 60, ReduceOnly: true})
	require.NoError(t, err)

	bal, err := e.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000-24, bal, 1e-9)

	// Reduce-only is clamped to the remaining size.
	_, err = e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "XYZUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindMarket, Quantity: 500, ReduceOnly: true})
	require.NoError(t, err)
	positions, _ := e.GetOpenPositions(ctx)
	assert.Empty(t, positions)

	fills, err := e.GetRecentFills(ctx, "XYZUSDT", paperNow.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.InDelta(t, 40, fills[1].Quantity, 1e-12)
	assert.InDelta(t, -16, fills[1].RealizedPnL, 1e-9)

	_, err = e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "XYZUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindMarket, Quantity: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder, "nothing left to reduce")
}

func TestAddingAveragesEntry(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()
	e.OnTick(tick("BTCUSDT", 100))
	_, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 1})
	require.NoError(t, err)
	e.OnTick(tick("BTCUSDT", 104))
	_, err = e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 3})
	require.NoError(t, err)

	positions, _ := e.GetOpenPositions(ctx)
	require.Len(t, positions, 1)
	assert.InDelta(t, 4, positions[0].SignedQuantity, 1e-12)
	assert.InDelta(t, 103, positions[0].EntryPrice, 1e-9)
}

func TestFlipOpensRemainderAtFillPrice(t *testing.T) {
	e := newTestExchange()
	ctx := context.Background()
	e.Seed("BTCUSDT", 1, 100)
	e.OnTick(tick("BTCUSDT", 110))

	_, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Kind: domain.OrderKindMarket, Quantity: 3})
	require.NoError(t, err)

	positions, _ := e.GetOpenPositions(ctx)
	require.Len(t, positions, 1)
	assert.InDelta(t, -2, positions[0].SignedQuantity, 1e-12)
	assert.InDelta(t, 110, positions[0].EntryPrice, 1e-12)
	bal, _ := e.GetAccountBalance(ctx)
	assert.InDelta(t, 1010, bal, 1e-9)
}

func TestStreamPricesRelaysAndMatches(t *testing.T) {
	src := chanSource{ch: make(chan domain.PriceTick, 4)}
	e := New(Config{InitialBalance: 1000}, src, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := e.StreamPrices(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)

	src.ch <- tick("BTCUSDT", 100)
	got := <-out
	assert.InDelta(t, 100, got.Price, 1e-12)

	_, err = e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: 0.5})
	require.NoError(t, err, "price recorded from the stream")

	close(src.ch)
	_, open := <-out
	assert.False(t, open)
}
