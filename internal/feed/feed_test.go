package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var feedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingTicks struct {
	mu    sync.Mutex
	ticks []string
}

func (r *recordingTicks) OnPriceTick(symbol string, _ float64) []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, symbol)
	return nil
}

func (r *recordingTicks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

type recordingExits struct {
	calls int
	err   error
}

func (r *recordingExits) EvaluateExits(context.Context, string, float64) (*domain.ClosedTrade, error) {
	r.calls++
	return nil, r.err
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
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
	return p, feedNow, nil
}

func (c *memPriceCache) GetPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

// scriptedStream hands out one channel per subscription and records the
// symbol sets requested.
type scriptedStream struct {
	mu       sync.Mutex
	requests [][]string
	chans    []chan domain.PriceTick
}

func (s *scriptedStream) StreamPrices(_ context.Context, symbols []string) (<-chan domain.PriceTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan domain.PriceTick, 8)
	s.requests = append(s.requests, append([]string(nil), symbols...))
	s.chans = append(s.chans, ch)
	return ch, nil
}

func (s *scriptedStream) last() (chan domain.PriceTick, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chans) == 0 {
		return nil, 0
	}
	return s.chans[len(s.chans)-1], len(s.chans)
}

func TestHandleTick(t *testing.T) {
	ticks := &recordingTicks{}
	exits := &recordingExits{err: errors.New("ledger down")}
	cache := &memPriceCache{}
	f := NewPriceFeed(PriceFeedConfig{}, nil, ticks, exits, cache, nil, slog.Default())
	ctx := context.Background()

	f.HandleTick(ctx, domain.PriceTick{Symbol: "BTCUSDT", Price: 100.5, Timestamp: feedNow})
	f.HandleTick(ctx, domain.PriceTick{Symbol: "BTCUSDT", Price: 0, Timestamp: feedNow})

	price, ok := f.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 100.5, price, 1e-12, "non-positive prices are ignored")
	assert.Equal(t, 1, ticks.count())
	assert.Equal(t, 1, exits.calls, "exit errors do not stop the feed")
	assert.InDelta(t, 100.5, cache.prices["BTCUSDT"], 1e-12)

	_, ok = f.LatestPrice("ETHUSDT")
	assert.False(t, ok)
}

func TestWantedMergesSources(t *testing.T) {
	open := func(context.Context) []string { return []string{"ETHUSDT", "BTCUSDT"} }
	live := func(context.Context) []string { return []string{"SOLUSDT", ""} }
	f := NewPriceFeed(PriceFeedConfig{Symbols: []string{"BTCUSDT"}}, nil, nil, nil, nil, nil, slog.Default(), open, live)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, f.wanted(context.Background()))
}

func TestRunResubscribesOnSymbolChange(t *testing.T) {
	stream := &scriptedStream{}
	ticks := &recordingTicks{}

	var mu sync.Mutex
	dynamic := []string{}
	source := func(context.Context) []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), dynamic...)
	}

	f := NewPriceFeed(PriceFeedConfig{Symbols: []string{"BTCUSDT"}, ResubscribeInterval: 20 * time.Millisecond},
		stream, ticks, nil, nil, nil, slog.Default(), source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { _, n := stream.last(); return n == 1 }, 2*time.Second, 5*time.Millisecond)
	ch, _ := stream.last()
	ch <- domain.PriceTick{Symbol: "BTCUSDT", Price: 100, Timestamp: feedNow}
	require.Eventually(t, func() bool { return ticks.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	dynamic = []string{"ETHUSDT"}
	mu.Unlock()
	require.Eventually(t, func() bool { _, n := stream.last(); return n == 2 }, 2*time.Second, 5*time.Millisecond)

	stream.mu.Lock()
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, stream.requests[1])
	stream.mu.Unlock()

	// A closed stream is reopened.
	ch, _ = stream.last()
	close(ch)
	require.Eventually(t, func() bool { _, n := stream.last(); return n == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// fakeBus serves queued stream batches from StreamRead.
type fakeBus struct {
	mu      sync.Mutex
	batches [][]domain.StreamMessage
	errs    []error
	lastIDs []string
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(ctx context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	b.lastIDs = append(b.lastIDs, lastID)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		b.mu.Unlock()
		return nil, err
	}
	if len(b.batches) > 0 {
		batch := b.batches[0]
		b.batches = b.batches[1:]
		b.mu.Unlock()
		return batch, nil
	}
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

type collectingSink struct {
	mu   sync.Mutex
	sigs []domain.Signal
}

func (s *collectingSink) Submit(_ context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
	return nil
}

func (s *collectingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sigs))
	for _, sig := range s.sigs {
		out = append(out, sig.ID)
	}
	return out
}

func TestSignalFeeder(t *testing.T) {
	bus := &fakeBus{
		errs: []error{errors.New("connection refused")},
		batches: [][]domain.StreamMessage{{
			{ID: "1-0", Payload: []byte(`{"id":"s1","symbol":"BTCUSDT","direction":"long","confidence_score":80}`)},
			{ID: "2-0", Payload: []byte(`not json`)},
			{ID: "3-0"},
			{ID: "4-0", Payload: []byte(`{"id":"s2","symbol":"ETHUSDT","direction":"short","confidence_score":55}`)},
		}},
	}
	sink := &collectingSink{}
	feeder := NewSignalFeeder(bus, "signals", sink, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feeder.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s1", "s2"}, sink.ids())

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.lastIDs) > 0 && bus.lastIDs[len(bus.lastIDs)-1] == "4-0"
	}, 5*time.Second, 10*time.Millisecond, "cursor advances past skipped entries")

	bus.mu.Lock()
	assert.Equal(t, "$", bus.lastIDs[0])
	bus.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
