package domain

import (
	"context"
	"time"
)

// ExchangeGateway is the boundary to the derivatives exchange. Every method
// may block on the network; callers bound them with a context deadline.
type ExchangeGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetAccountBalance(ctx context.Context) (float64, error)
	GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
	StreamPrices(ctx context.Context, symbols []string) (<-chan PriceTick, error)
}
