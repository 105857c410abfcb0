package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func TestFormatQuantity(t *testing.T) {
	tests := []struct {
		name      string
		qty       float64
		precision int32
		want      string
		wantErr   error
	}{
		{"truncates instead of rounding", 0.0199, 2, "0.01", nil},
		{"whole lots", 3, 0, "3", nil},
		{"pads to precision", 1.5, 3, "1.500", nil},
		{"below lot size", 0.0004, 3, "", domain.ErrInvalidQuantity},
		{"negative", -1, 2, "", domain.ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatQuantity(tt.qty, tt.precision)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPrice(t *testing.T) {
	got, err := formatPrice(99.94999, 1)
	require.NoError(t, err)
	assert.Equal(t, "99.9", got)

	got, err = formatPrice(64250.456, 2)
	require.NoError(t, err)
	assert.Equal(t, "64250.46", got)

	_, err = formatPrice(0, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestExchangeID(t *testing.T) {
	id := formatExchangeID("BTCUSDT", 8389765432)
	assert.Equal(t, "BTCUSDT:8389765432", id)

	symbol, orderID, err := parseExchangeID(id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, int64(8389765432), orderID)

	for _, bad := range []string{"", "BTCUSDT", ":12", "BTCUSDT:abc"} {
		_, _, err := parseExchangeID(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidOrder, bad)
	}
}

func TestToExchangePosition(t *testing.T) {
	pos, ok, err := toExchangePosition(&futures.PositionRisk{
		Symbol:      "ETHUSDT",
		PositionAmt: "-1.250",
		EntryPrice:  "3120.5",
		Leverage:    "20",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.DirectionShort, pos.Direction())
	assert.InDelta(t, 1.25, pos.Quantity(), 1e-12)
	assert.InDelta(t, 3120.5, pos.EntryPrice, 1e-12)
	assert.InDelta(t, 20, pos.Leverage, 1e-12)

	_, ok, err = toExchangePosition(&futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "0.000"})
	require.NoError(t, err)
	assert.False(t, ok, "flat rows are skipped")

	_, _, err = toExchangePosition(&futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "x"})
	assert.Error(t, err)
}

func TestToFill(t *testing.T) {
	f, err := toFill(&futures.AccountTrade{
		Symbol:      "XYZUSDT",
		Price:       "9.6",
		Quantity:    "40",
		RealizedPnl: "-16",
		Time:        1772442000000,
	})
	require.NoError(t, err)
	assert.Equal(t, "XYZUSDT", f.Symbol)
	assert.InDelta(t, 9.6, f.Price, 1e-12)
	assert.InDelta(t, 40, f.Quantity, 1e-12)
	assert.InDelta(t, -16, f.RealizedPnL, 1e-12)
	assert.Equal(t, time.UnixMilli(1772442000000).UTC(), f.Time)
}

func TestQuoteBalance(t *testing.T) {
	balances := []*futures.Balance{
		{Asset: "BNB", Balance: "1.2"},
		{Asset: "USDT", Balance: "1000.50"},
	}
	bal, err := quoteBalance(balances, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 1000.5, bal, 1e-12)

	_, err = quoteBalance(balances, "USDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unknown order", &common.APIError{Code: codeUnknownOrder, Message: "Unknown order sent."}, domain.ErrNotFound},
		{"duplicate client id", &common.APIError{Code: codeDuplicateOrderID, Message: "ClientOrderId is duplicated."}, domain.ErrDuplicateOrderID},
		{"rate limited", &common.APIError{Code: codeTooManyRequests, Message: "Too many requests."}, domain.ErrRateLimited},
		{"deadline", context.DeadlineExceeded, domain.ErrGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	other := errors.New("connection reset")
	assert.Same(t, other, mapError(other))
}
