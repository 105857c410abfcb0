package binance

import (
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// formatQuantity truncates q to the lot precision so the exchange never
// rounds an order up past what sizing allowed.
func formatQuantity(q float64, precision int32) (string, error) {
	d := decimal.NewFromFloat(q).Truncate(precision)
	if !d.IsPositive() {
		return "", fmt.Errorf("quantity %v below lot size: %w", q, domain.ErrInvalidQuantity)
	}
	return d.StringFixed(precision), nil
}

// formatPrice rounds p to the tick precision.
func formatPrice(p float64, precision int32) (string, error) {
	d := decimal.NewFromFloat(p).Round(precision)
	if !d.IsPositive() {
		return "", fmt.Errorf("price %v: %w", p, domain.ErrInvalidPrice)
	}
	return d.StringFixed(precision), nil
}

// parseDecimal parses an API numeric string. Empty strings read as zero.
func parseDecimal(field, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d.InexactFloat64(), nil
}

// toExchangePosition converts a position risk row. ok is false for flat
// rows, which the API returns for every symbol.
func toExchangePosition(r *futures.PositionRisk) (domain.ExchangePosition, bool, error) {
	amt, err := parseDecimal("positionAmt", r.PositionAmt)
	if err != nil {
		return domain.ExchangePosition{}, false, err
	}
	if amt == 0 {
		return domain.ExchangePosition{}, false, nil
	}
	entry, err := parseDecimal("entryPrice", r.EntryPrice)
	if err != nil {
		return domain.ExchangePosition{}, false, err
	}
	lev, err := parseDecimal("leverage", r.Leverage)
	if err != nil {
		return domain.ExchangePosition{}, false, err
	}
	return domain.ExchangePosition{
		Symbol:         r.Symbol,
		SignedQuantity: amt,
		EntryPrice:     entry,
		Leverage:       lev,
	}, true, nil
}

func toFill(t *futures.AccountTrade) (domain.Fill, error) {
	price, err := parseDecimal("price", t.Price)
	if err != nil {
		return domain.Fill{}, err
	}
	qty, err := parseDecimal("qty", t.Quantity)
	if err != nil {
		return domain.Fill{}, err
	}
	pnl, err := parseDecimal("realizedPnl", t.RealizedPnl)
	if err != nil {
		return domain.Fill{}, err
	}
	return domain.Fill{
		Symbol:      t.Symbol,
		Price:       price,
		Quantity:    qty,
		RealizedPnL: pnl,
		Time:        time.UnixMilli(t.Time).UTC(),
	}, nil
}

func quoteBalance(balances []*futures.Balance, asset string) (float64, error) {
	for _, b := range balances {
		if b.Asset == asset {
			return parseDecimal("balance", b.Balance)
		}
	}
	return 0, fmt.Errorf("no %s balance: %w", asset, domain.ErrNotFound)
}

func toPriceTick(ev *futures.WsMarkPriceEvent) (domain.PriceTick, error) {
	price, err := parseDecimal("markPrice", ev.MarkPrice)
	if err != nil {
		return domain.PriceTick{}, err
	}
	return domain.PriceTick{
		Symbol:    ev.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(ev.Time).UTC(),
	}, nil
}
