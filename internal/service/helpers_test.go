package service

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a scriptable domain.ExchangeGateway.
type fakeGateway struct {
	mu sync.Mutex

	positions    []domain.ExchangePosition
	positionsErr error
	balance      float64
	balanceErr   error
	fills        map[string][]domain.Fill
	fillsErr     error
	placeErr     error

	placed        []domain.OrderRequest
	canceled      []string
	positionCalls int
	nextID        int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fills: make(map[string][]domain.Fill)}
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return "", g.placeErr
	}
	g.placed = append(g.placed, req)
	g.nextID++
	return req.Symbol + ":" + strconv.Itoa(g.nextID), nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, exchangeOrderID)
	return nil
}

func (g *fakeGateway) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positionCalls++
	if g.positionsErr != nil {
		return nil, g.positionsErr
	}
	return append([]domain.ExchangePosition(nil), g.positions...), nil
}

func (g *fakeGateway) GetAccountBalance(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, g.balanceErr
}

func (g *fakeGateway) GetRecentFills(_ context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fillsErr != nil {
		return nil, g.fillsErr
	}
	var out []domain.Fill
	for _, f := range g.fills[symbol] {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (g *fakeGateway) StreamPrices(ctx context.Context, _ []string) (<-chan domain.PriceTick, error) {
	ch := make(chan domain.PriceTick)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (g *fakeGateway) placedRequests() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.placed...)
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (l *eventLog) Publish(_ context.Context, ev domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return l.err
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// memPriceCache is an in-memory domain.PriceCache.
type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]float64)}
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (c *memPriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// fixedClock returns a settable time source.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
