package binance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// flakyServe drops the first session immediately and streams events on the
// second one until stopped.
type flakyServe struct {
	dials atomic.Int32
}

func (f *flakyServe) serve(symbols []string, handler futures.WsMarkPriceHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
	doneC := make(chan struct{})
	stopC := make(chan struct{})
	n := f.dials.Add(1)

	go func() {
		defer close(doneC)
		if n == 1 {
			errHandler(errors.New("connection reset by peer"))
			return
		}
		for _, s := range symbols {
			handler(&futures.WsMarkPriceEvent{Symbol: s, MarkPrice: "100.5", Time: 1772442000000})
		}
		<-stopC
	}()
	return doneC, stopC, nil
}

func TestStreamPricesReconnects(t *testing.T) {
	fake := &flakyServe{}
	g := &Gateway{logger: slog.Default(), serve: fake.serve}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := g.StreamPrices(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	var got []domain.PriceTick
	timeout := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case tick := <-ticks:
			got = append(got, tick)
		case <-timeout:
			t.Fatal("no ticks after reconnect")
		}
	}
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.InDelta(t, 100.5, got[0].Price, 1e-12)
	assert.GreaterOrEqual(t, fake.dials.Load(), int32(2))

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ticks
		return !open
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamPricesRequiresSymbols(t *testing.T) {
	g := &Gateway{logger: slog.Default()}
	_, err := g.StreamPrices(context.Background(), nil)
	assert.Error(t, err)
}
