// Package feed ingests market data and trade signals and hands them to the
// execution core.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// TickHandler receives every mark price, normally the order tracker.
type TickHandler interface {
	OnPriceTick(symbol string, price float64) []domain.Order
}

// ExitEvaluator closes positions whose stop or target the price crossed.
type ExitEvaluator interface {
	EvaluateExits(ctx context.Context, symbol string, price float64) (*domain.ClosedTrade, error)
}

// PriceStream supplies mark prices, normally the exchange gateway.
type PriceStream interface {
	StreamPrices(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error)
}

// SymbolSource reports symbols that need prices right now, such as those
// with live orders or open positions.
type SymbolSource func(ctx context.Context) []string

// PriceFeedConfig configures the price feed.
type PriceFeedConfig struct {
	// Symbols are always streamed.
	Symbols []string
	// ResubscribeInterval is how often the dynamic symbol set is recomputed.
	ResubscribeInterval time.Duration
}

// PriceFeed streams mark prices from the gateway, keeps the latest price per
// symbol, drives limit fills and exit checks, and mirrors prices to the
// cache.
type PriceFeed struct {
	cfg     PriceFeedConfig
	stream  PriceStream
	ticks   TickHandler
	exits   ExitEvaluator
	cache   domain.PriceCache
	sources []SymbolSource
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	latest map[string]domain.PriceTick
}

// NewPriceFeed creates a PriceFeed. exits and cache may be nil.
func NewPriceFeed(
	cfg PriceFeedConfig,
	stream PriceStream,
	ticks TickHandler,
	exits ExitEvaluator,
	cache domain.PriceCache,
	m *metrics.Metrics,
	logger *slog.Logger,
	sources ...SymbolSource,
) *PriceFeed {
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = 30 * time.Second
	}
	return &PriceFeed{
		cfg:     cfg,
		stream:  stream,
		ticks:   ticks,
		exits:   exits,
		cache:   cache,
		sources: sources,
		metrics: m,
		logger:  logger.With(slog.String("component", "price_feed")),
		latest:  make(map[string]domain.PriceTick),
	}
}

// LatestPrice returns the last mark seen for symbol.
func (f *PriceFeed) LatestPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.latest[symbol]
	return t.Price, ok
}

// Run streams prices until ctx is done. The stream is restarted when the
// wanted symbol set changes or the gateway closes it.
func (f *PriceFeed) Run(ctx context.Context) error {
	f.logger.Info("price feed started")
	defer f.logger.Info("price feed stopped")

	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	resub := time.NewTicker(f.cfg.ResubscribeInterval)
	defer resub.Stop()

	var (
		current []string
		ticks   <-chan domain.PriceTick
	)
	cancel := func() {}
	defer func() { cancel() }()

	restart := func() {
		cancel()
		ticks = nil
		current = f.wanted(ctx)
		if len(current) == 0 {
			return
		}
		streamCtx, c := context.WithCancel(ctx)
		ch, err := f.stream.StreamPrices(streamCtx, current)
		if err != nil {
			c()
			wait := b.Duration()
			f.logger.WarnContext(ctx, "price stream subscribe failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
			resub.Reset(wait)
			return
		}
		b.Reset()
		cancel = c
		ticks = ch
		f.logger.InfoContext(ctx, "price stream subscribed", slog.Any("symbols", current))
	}
	restart()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-resub.C:
			resub.Reset(f.cfg.ResubscribeInterval)
			if ticks == nil || !slices.Equal(current, f.wanted(ctx)) {
				restart()
			}

		case tick, ok := <-ticks:
			if !ok {
				f.logger.WarnContext(ctx, "price stream closed, resubscribing")
				restart()
				continue
			}
			f.HandleTick(ctx, tick)
		}
	}
}

// HandleTick records tick and fans it out to the tracker, exit checks and
// cache.
func (f *PriceFeed) HandleTick(ctx context.Context, tick domain.PriceTick) {
	if tick.Price <= 0 {
		return
	}
	f.mu.Lock()
	f.latest[tick.Symbol] = tick
	f.mu.Unlock()
	f.metrics.PriceTick()

	if f.ticks != nil {
		if filled := f.ticks.OnPriceTick(tick.Symbol, tick.Price); len(filled) > 0 {
			f.logger.DebugContext(ctx, "limit orders crossed",
				slog.String("symbol", tick.Symbol),
				slog.Int("count", len(filled)),
			)
		}
	}

	if f.exits != nil {
		if _, err := f.exits.EvaluateExits(ctx, tick.Symbol, tick.Price); err != nil {
			f.logger.WarnContext(ctx, "exit evaluation failed",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if f.cache != nil {
		if err := f.cache.SetPrice(ctx, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
			f.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}
}

// wanted returns the sorted, de-duplicated union of configured and dynamic
// symbols.
func (f *PriceFeed) wanted(ctx context.Context) []string {
	set := make(map[string]struct{}, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, src := range f.sources {
		for _, s := range src(ctx) {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
