// Package binance implements domain.ExchangeGateway on Binance USDT-M
// perpetual futures through go-binance.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Binance error codes the gateway maps onto domain errors.
const (
	codeUnknownOrder     = -2011
	codeDuplicateOrderID = -4116
	codeTooManyRequests  = -1003
)

// Config holds credentials and call settings for the gateway.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	QuoteAsset string
	// FillLookupLimit is how many of the latest trades GetRecentFills scans.
	FillLookupLimit int
}

// Gateway implements domain.ExchangeGateway.
type Gateway struct {
	client     *futures.Client
	quoteAsset string
	fillLimit  int
	logger     *slog.Logger

	// symbol -> quantity and price precision, loaded lazily.
	precMu    sync.RWMutex
	precision map[string]symbolPrecision

	serve      serveFunc
	listTrades listTradesFunc
}

// listTradesFunc returns the latest limit account trades on symbol.
type listTradesFunc func(ctx context.Context, symbol string, limit int) ([]*futures.AccountTrade, error)

var _ domain.ExchangeGateway = (*Gateway)(nil)

// NewGateway creates a Gateway. futures.UseTestnet is process-global in
// go-binance, so testnet is selected before the client is built.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	limit := cfg.FillLookupLimit
	if limit <= 0 {
		limit = 100
	}
	g := &Gateway{
		client:     futures.NewClient(cfg.APIKey, cfg.APISecret),
		quoteAsset: quote,
		fillLimit:  limit,
		logger:     logger.With(slog.String("component", "binance")),
		precision:  make(map[string]symbolPrecision),
		serve:      futures.WsCombinedMarkPriceServe,
	}
	g.listTrades = g.latestTrades
	return g
}

// PlaceOrder submits req and returns "SYMBOL:orderId".
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	prec, err := g.symbolPrecision(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	qty, err := formatQuantity(req.Quantity, prec.quantity)
	if err != nil {
		return "", fmt.Errorf("binance: place order %s: %w", req.ClientOrderID, err)
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSide(req.Side)).
		Quantity(qty).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch req.Kind {
	case domain.OrderKindMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderKindLimit:
		if req.Price == nil {
			return "", fmt.Errorf("binance: place order %s: limit without price: %w", req.ClientOrderID, domain.ErrInvalidPrice)
		}
		price, err := formatPrice(*req.Price, prec.price)
		if err != nil {
			return "", fmt.Errorf("binance: place order %s: %w", req.ClientOrderID, err)
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(price)
	default:
		return "", fmt.Errorf("binance: place order %s: kind %q: %w", req.ClientOrderID, req.Kind, domain.ErrInvalidOrder)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: place order %s: %w", req.ClientOrderID, mapError(err))
	}
	return formatExchangeID(resp.Symbol, resp.OrderID), nil
}

// CancelOrder cancels an order by the id PlaceOrder returned. An order the
// exchange no longer knows yields domain.ErrNotFound.
func (g *Gateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	symbol, orderID, err := parseExchangeID(exchangeOrderID)
	if err != nil {
		return fmt.Errorf("binance: cancel order: %w", err)
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", exchangeOrderID, mapError(err))
	}
	return nil
}

// GetOpenPositions returns every non-flat position on the account.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: get positions: %w", mapError(err))
	}
	out := make([]domain.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		pos, ok, err := toExchangePosition(r)
		if err != nil {
			return nil, fmt.Errorf("binance: get positions: %w", err)
		}
		if ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetAccountBalance returns the wallet balance of the quote asset.
func (g *Gateway) GetAccountBalance(ctx context.Context) (float64, error) {
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get balance: %w", mapError(err))
	}
	bal, err := quoteBalance(balances, g.quoteAsset)
	if err != nil {
		return 0, fmt.Errorf("binance: get balance: %w", err)
	}
	return bal, nil
}

// GetRecentFills returns account trades on symbol at or after since, oldest
// first. It scans the latest FillLookupLimit trades rather than paging
// forward from since: a start time makes the venue return the oldest trades
// of a window capped at seven days, which misses the close of a long-held or
// busy position.
func (g *Gateway) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	trades, err := g.listTrades(ctx, symbol, g.fillLimit)
	if err != nil {
		return nil, fmt.Errorf("binance: get fills %s: %w", symbol, mapError(err))
	}
	fills := make([]domain.Fill, 0, len(trades))
	for _, t := range trades {
		f, err := toFill(t)
		if err != nil {
			return nil, fmt.Errorf("binance: get fills %s: %w", symbol, err)
		}
		if f.Time.Before(since) {
			continue
		}
		fills = append(fills, f)
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	return fills, nil
}

func (g *Gateway) latestTrades(ctx context.Context, symbol string, limit int) ([]*futures.AccountTrade, error) {
	return g.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
}

type symbolPrecision struct {
	quantity int32
	price    int32
}

// symbolPrecision returns the lot and tick precision for symbol, loading the
// exchange info once per unknown symbol.
func (g *Gateway) symbolPrecision(ctx context.Context, symbol string) (symbolPrecision, error) {
	g.precMu.RLock()
	p, ok := g.precision[symbol]
	g.precMu.RUnlock()
	if ok {
		return p, nil
	}

	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolPrecision{}, fmt.Errorf("binance: exchange info: %w", mapError(err))
	}

	g.precMu.Lock()
	defer g.precMu.Unlock()
	for _, s := range info.Symbols {
		g.precision[s.Symbol] = symbolPrecision{
			quantity: int32(s.QuantityPrecision),
			price:    int32(s.PricePrecision),
		}
	}
	p, ok = g.precision[symbol]
	if !ok {
		return symbolPrecision{}, fmt.Errorf("binance: unknown symbol %s: %w", symbol, domain.ErrInvalidOrder)
	}
	return p, nil
}

// formatExchangeID joins symbol and numeric order id. Cancels need both.
func formatExchangeID(symbol string, orderID int64) string {
	return symbol + ":" + strconv.FormatInt(orderID, 10)
}

func parseExchangeID(id string) (string, int64, error) {
	symbol, num, ok := strings.Cut(id, ":")
	if !ok || symbol == "" {
		return "", 0, fmt.Errorf("malformed exchange order id %q: %w", id, domain.ErrInvalidOrder)
	}
	orderID, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed exchange order id %q: %w", id, domain.ErrInvalidOrder)
	}
	return symbol, orderID, nil
}

func toSide(s domain.OrderSide) futures.SideType {
	if s == domain.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// mapError keeps the API error text and adds a domain sentinel where one
// fits.
func mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, err)
		}
		return err
	}
	switch apiErr.Code {
	case codeUnknownOrder:
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrNotFound)
	case codeDuplicateOrderID:
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrDuplicateOrderID)
	case codeTooManyRequests:
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrRateLimited)
	}
	return err
}
