package executor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MarketThreshold:  70,
		PartialThreshold: 50,
		LimitOffsetPct:   0.1,
		SplitRatio:       0.5,
		LimitTimeout:     5 * time.Minute,
	}
}

func newTestSelector() *Selector {
	s := NewSelector(testSelectorConfig())
	s.now = func() time.Time { return testNow }
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("ord-%d", n)
	}
	return s
}

func TestSelectHighConfidenceIsMarket(t *testing.T) {
	plan, err := newTestSelector().Select("BTCUSDT", domain.DirectionLong, 80, 1.0, 100)
	require.NoError(t, err)

	assert.Equal(t, StrategyMarket, plan.Strategy)
	require.Len(t, plan.Orders, 1)
	o := plan.Orders[0]
	assert.Equal(t, domain.OrderKindMarket, o.Kind)
	assert.Equal(t, domain.OrderSideBuy, o.Side)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 1.0, o.Quantity)
	assert.Equal(t, 1.0, o.FilledQty)
	assert.Equal(t, 100.0, o.FilledPrice)
	require.NotNil(t, o.FilledAt)
	assert.Nil(t, o.TimeoutAt)
}

func TestSelectMidConfidenceIsPartial(t *testing.T) {
	plan, err := newTestSelector().Select("BTCUSDT", domain.DirectionLong, 55, 1.0, 100)
	require.NoError(t, err)

	assert.Equal(t, StrategyPartial, plan.Strategy)
	require.Len(t, plan.Orders, 2)

	market, limit := plan.Orders[0], plan.Orders[1]
	assert.Equal(t, domain.OrderKindMarket, market.Kind)
	assert.Equal(t, domain.OrderStatusFilled, market.Status)
	assert.Equal(t, 0.5, market.Quantity)
	assert.Equal(t, 100.0, market.FilledPrice)

	assert.Equal(t, domain.OrderKindLimit, limit.Kind)
	assert.Equal(t, domain.OrderStatusNew, limit.Status)
	assert.Equal(t, 0.5, limit.Quantity)
	require.NotNil(t, limit.LimitPrice)
	assert.Equal(t, 99.9, *limit.LimitPrice)
	require.NotNil(t, limit.TimeoutAt)
	assert.Equal(t, testNow.Add(5*time.Minute), *limit.TimeoutAt)
	assert.NotEqual(t, market.ID, limit.ID)
}

func TestSelectLowConfidenceIsLimit(t *testing.T) {
	plan, err := newTestSelector().Select("ETHUSDT", domain.DirectionShort, 30, 2, 2000)
	require.NoError(t, err)

	assert.Equal(t, StrategyLimit, plan.Strategy)
	require.Len(t, plan.Orders, 1)
	o := plan.Orders[0]
	assert.Equal(t, domain.OrderSideSell, o.Side)
	assert.Equal(t, 2.0, o.Quantity)
	assert.Equal(t, 2002.0, o.Price(), "sell limits sit above the current price")
}

func TestSelectThresholdBoundaries(t *testing.T) {
	s := newTestSelector()
	assert.Equal(t, StrategyMarket, s.StrategyFor(70))
	assert.Equal(t, StrategyPartial, s.StrategyFor(69.99))
	assert.Equal(t, StrategyPartial, s.StrategyFor(50))
	assert.Equal(t, StrategyLimit, s.StrategyFor(49.99))
}

func TestSelectRejectsBadInputs(t *testing.T) {
	s := newTestSelector()

	_, err := s.Select("BTCUSDT", domain.DirectionLong, 80, 0, 100)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))

	_, err = s.Select("BTCUSDT", domain.DirectionLong, 80, -1, 100)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))

	_, err = s.Select("BTCUSDT", domain.DirectionLong, 80, 1, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidPrice))
}

func TestLimitPrice(t *testing.T) {
	assert.Equal(t, 99.9, LimitPrice(domain.OrderSideBuy, 100, 0.1))
	assert.Equal(t, 100.1, LimitPrice(domain.OrderSideSell, 100, 0.1))
	assert.Equal(t, 0.0999, LimitPrice(domain.OrderSideBuy, 0.1, 0.1))
}
