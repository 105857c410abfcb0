package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// serveFunc matches futures.WsCombinedMarkPriceServe.
type serveFunc func(symbols []string, handler futures.WsMarkPriceHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

const tickBuffer = 256

// StreamPrices streams mark prices for symbols. The websocket is redialed
// with exponential backoff until ctx is done; the returned channel closes
// after that. Ticks are dropped rather than blocking the socket reader when
// the consumer falls behind.
func (g *Gateway) StreamPrices(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error) {
	if len(symbols) == 0 {
		return nil, errors.New("binance: stream prices: no symbols")
	}
	out := make(chan domain.PriceTick, tickBuffer)
	go g.streamLoop(ctx, symbols, out)
	return out, nil
}

func (g *Gateway) streamLoop(ctx context.Context, symbols []string, out chan<- domain.PriceTick) {
	defer close(out)

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		started := time.Now()
		err := g.serveOnce(ctx, symbols, out)
		if ctx.Err() != nil {
			return
		}
		// A connection that stayed up a while starts the backoff over.
		if time.Since(started) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		attrs := []any{slog.Duration("retry_in", wait), slog.Int("symbols", len(symbols))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		g.logger.WarnContext(ctx, "mark price stream dropped", attrs...)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serveOnce runs one websocket session until it ends or ctx is done.
func (g *Gateway) serveOnce(ctx context.Context, symbols []string, out chan<- domain.PriceTick) error {
	var lastErr error
	handler := func(ev *futures.WsMarkPriceEvent) {
		tick, err := toPriceTick(ev)
		if err != nil {
			g.logger.Debug("bad mark price event", slog.String("symbol", ev.Symbol), slog.String("error", err.Error()))
			return
		}
		select {
		case out <- tick:
		default:
		}
	}
	errHandler := func(err error) { lastErr = err }

	doneC, stopC, err := g.serve(symbols, handler, errHandler)
	if err != nil {
		return fmt.Errorf("binance: dial mark price stream: %w", err)
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return lastErr
	}
}
