package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/service"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type fakeOrders struct {
	orders   []domain.Order
	live     []domain.Order
	canceled []string
	cancelFn func(id string) error
}

func (f *fakeOrders) GetOrder(_ context.Context, id string) (domain.Order, error) {
	for _, o := range f.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (f *fakeOrders) List(_ context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return append([]domain.Order(nil), f.orders...), nil
	}
	var out []domain.Order
	for _, o := range f.orders {
		for _, s := range statuses {
			if o.Status == s {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func (f *fakeOrders) Cancel(id, reason string) error {
	if f.cancelFn != nil {
		return f.cancelFn(id)
	}
	f.canceled = append(f.canceled, id+":"+reason)
	return nil
}

func (f *fakeOrders) ActiveOrders(symbol string) []domain.Order {
	var out []domain.Order
	for _, o := range f.live {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeOrders) GetRecentFills(_ context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	return []domain.Fill{{Symbol: symbol, Price: 100, Quantity: 0.5, Time: since.Add(time.Minute)}}, nil
}

func TestListOrdersFiltersStatusAndSymbol(t *testing.T) {
	f := &fakeOrders{orders: []domain.Order{
		{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusNew, CreatedAt: testNow},
		{ID: "o2", Symbol: "ETHUSDT", Status: domain.OrderStatusNew, CreatedAt: testNow},
		{ID: "o3", Symbol: "BTCUSDT", Status: domain.OrderStatusFilled, CreatedAt: testNow},
	}}
	h := NewOrderHandler(f, f, f, discard())

	rec := httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/orders?status=new&symbol=btcusdt", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	orders := decode(t, rec)["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].(map[string]any)["id"])
}

func TestListOrdersLiveReadsTracker(t *testing.T) {
	f := &fakeOrders{
		orders: []domain.Order{{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusNew}},
		live: []domain.Order{
			{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusPartiallyFilled, Quantity: 1, FilledQty: 0.4},
			{ID: "o2", Symbol: "ETHUSDT", Status: domain.OrderStatusNew, Quantity: 2},
		},
	}
	h := NewOrderHandler(f, f, nil, discard())

	rec := httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/orders?live=true&symbol=btcusdt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode(t, rec)["orders"].([]any)
	require.Len(t, orders, 1)
	o := orders[0].(map[string]any)
	assert.Equal(t, "PARTIALLY_FILLED", o["status"], "tracker view, not the ledger row")
	assert.InDelta(t, 0.4, o["filled_qty"].(float64), 1e-12)

	rec = httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/orders?live=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["orders"].([]any), 2)

	h = NewOrderHandler(f, nil, nil, discard())
	rec = httptest.NewRecorder()
	h.ListOrders(rec, httptest.NewRequest(http.MethodGet, "/api/orders?live=true", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder(t *testing.T) {
	f := &fakeOrders{orders: []domain.Order{{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusNew}}}
	h := NewOrderHandler(f, nil, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEW", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrder(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"untracked", domain.ErrOrderNotFound, http.StatusNotFound},
		{"terminal", domain.ErrAlreadyTerminal, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeOrders{cancelFn: func(string) error { return tt.err }}
			h := NewOrderHandler(f, f, nil, discard())
			mux := http.NewServeMux()
			mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/orders/o1", nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestCancelOrderUsesManualReason(t *testing.T) {
	f := &fakeOrders{}
	h := NewOrderHandler(f, f, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/orders/o9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"o9:manual"}, f.canceled)
}

func TestListFills(t *testing.T) {
	f := &fakeOrders{}
	h := NewOrderHandler(f, nil, f, discard())

	rec := httptest.NewRecorder()
	h.ListFills(rec, httptest.NewRequest(http.MethodGet, "/api/fills", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ListFills(rec, httptest.NewRequest(http.MethodGet, "/api/fills?symbol=btcusdt&since=2026-03-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	fills := decode(t, rec)["fills"].([]any)
	require.Len(t, fills, 1)
	assert.Equal(t, "BTCUSDT", fills[0].(map[string]any)["symbol"])
	assert.Equal(t, "2026-03-01T00:01:00Z", fills[0].(map[string]any)["time"])
}

type fakePositions struct {
	open   []domain.Position
	prices map[string]float64
	exits  []string
	exitFn func() error
}

func (f *fakePositions) Open(context.Context) ([]domain.Position, error) { return f.open, nil }

func (f *fakePositions) LatestPrice(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *fakePositions) Exit(_ context.Context, symbol string, qty, price float64, reason domain.CloseReason) (domain.ClosedTrade, error) {
	if f.exitFn != nil {
		if err := f.exitFn(); err != nil {
			return domain.ClosedTrade{}, err
		}
	}
	f.exits = append(f.exits, symbol)
	for _, p := range f.open {
		if p.Symbol == symbol {
			if qty <= 0 {
				qty = p.Quantity
			}
			return domain.NewClosedTrade("t1", p, qty, price, reason, domain.PriceSourceOrder, testNow), nil
		}
	}
	return domain.ClosedTrade{}, domain.ErrNotFound
}

func longBTC() domain.Position {
	return domain.Position{
		ID: "p1", Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 100, Quantity: 2, Leverage: 5, Status: domain.PositionStatusActive,
		OpenTime: testNow, UpdatedAt: testNow,
	}
}

func TestListPositionsAddsUnrealizedPnL(t *testing.T) {
	f := &fakePositions{
		open:   []domain.Position{longBTC(), {ID: "p2", Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: 10, Quantity: 1}},
		prices: map[string]float64{"BTCUSDT": 110},
	}
	h := NewPositionHandler(f, f, f, nil, discard())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	positions := decode(t, rec)["positions"].([]any)
	require.Len(t, positions, 2)
	btc := positions[0].(map[string]any)
	assert.InDelta(t, 20, btc["unrealized_pnl"].(float64), 1e-9)
	_, hasPnL := positions[1].(map[string]any)["unrealized_pnl"]
	assert.False(t, hasPnL, "no price known")
}

type fakeMarks struct {
	marks map[string]float64
	asked []string
	err   error
}

func (f *fakeMarks) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	f.asked = append(f.asked, symbols...)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.marks[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func TestListPositionsFallsBackToMarkCache(t *testing.T) {
	f := &fakePositions{
		open: []domain.Position{
			longBTC(),
			{ID: "p2", Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: 10, Quantity: 1},
			{ID: "p3", Symbol: "SOLUSDT", Direction: domain.DirectionLong, EntryPrice: 5, Quantity: 1},
		},
		prices: map[string]float64{"BTCUSDT": 110},
	}
	marks := &fakeMarks{marks: map[string]float64{"ETHUSDT": 8, "BTCUSDT": 1}}
	h := NewPositionHandler(f, f, f, marks, discard())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, marks.asked, "only symbols the feed lacks")
	positions := decode(t, rec)["positions"].([]any)
	require.Len(t, positions, 3)
	assert.InDelta(t, 20, positions[0].(map[string]any)["unrealized_pnl"].(float64), 1e-9, "feed wins")
	assert.InDelta(t, 2, positions[1].(map[string]any)["unrealized_pnl"].(float64), 1e-9)
	_, hasPnL := positions[2].(map[string]any)["unrealized_pnl"]
	assert.False(t, hasPnL)
}

func TestListPositionsIgnoresMarkCacheFailure(t *testing.T) {
	f := &fakePositions{open: []domain.Position{longBTC()}}
	h := NewPositionHandler(f, f, f, &fakeMarks{err: errors.New("redis down")}, discard())

	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode(t, rec)["positions"].([]any)
	require.Len(t, positions, 1)
	_, hasPnL := positions[0].(map[string]any)["unrealized_pnl"]
	assert.False(t, hasPnL)
}

func TestClosePosition(t *testing.T) {
	f := &fakePositions{open: []domain.Position{longBTC()}, prices: map[string]float64{"BTCUSDT": 105}}
	h := NewPositionHandler(f, f, f, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/positions/{symbol}/close", h.ClosePosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/btcusdt/close", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "MANUAL", body["reason"])
	assert.InDelta(t, 10, body["pnl_usd"].(float64), 1e-9)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/ETHUSDT/close", strings.NewReader(`{"price":10}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/SOLUSDT/close", nil))
	assert.Equal(t, http.StatusConflict, rec.Code, "no price known")

	f.exitFn = func() error { return domain.ErrLockHeld }
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/BTCUSDT/close", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type fakeTrades struct{ got domain.ListOpts }

func (f *fakeTrades) List(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	f.got = opts
	return []domain.ClosedTrade{
		domain.NewClosedTrade("t2", longBTC(), 1, 90, domain.CloseReasonStopLoss, domain.PriceSourceOrder, testNow),
		domain.NewClosedTrade("t1", longBTC(), 1, 120, domain.CloseReasonTakeProfit, domain.PriceSourceOrder, testNow),
	}, nil
}

func TestListTrades(t *testing.T) {
	f := &fakeTrades{}
	h := NewTradeHandler(f, discard())

	rec := httptest.NewRecorder()
	h.ListTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit=1000&since=2026-03-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, f.got.Limit)
	require.NotNil(t, f.got.Since)
	assert.InDelta(t, 10, decode(t, rec)["pnl_usd"].(float64), 1e-9)

	rec = httptest.NewRecorder()
	h.ListTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?until=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeRisk struct {
	report  *service.ReconcileReport
	runErr  error
	guard   domain.GuardStatus
	guardOK bool
}

func (f *fakeRisk) Snapshot(context.Context) (domain.MarginSnapshot, error) {
	return domain.MarginSnapshot{Balance: 1000, TotalMarginUsed: 250, UsageRatio: 0.25, Health: domain.MarginHealthy}, nil
}

func (f *fakeRisk) LastStatus(context.Context) (domain.GuardStatus, error) {
	if !f.guardOK {
		return domain.GuardStatus{}, domain.ErrNotFound
	}
	return f.guard, nil
}

func (f *fakeRisk) RunOnce(context.Context) (service.ReconcileReport, error) {
	if f.runErr != nil {
		return service.ReconcileReport{}, f.runErr
	}
	r := service.ReconcileReport{StartedAt: testNow, OrphansClosed: 1, ClosedSymbols: []string{"XYZUSDT"}}
	f.report = &r
	return r, nil
}

func (f *fakeRisk) LastReport() (service.ReconcileReport, bool) {
	if f.report == nil {
		return service.ReconcileReport{}, false
	}
	return *f.report, true
}

func TestRiskHandler(t *testing.T) {
	f := &fakeRisk{}
	h := NewRiskHandler(f, f, f, discard())

	rec := httptest.NewRecorder()
	h.GetMargin(rec, httptest.NewRequest(http.MethodGet, "/api/margin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.25, decode(t, rec)["usage_ratio"].(float64), 1e-9)

	rec = httptest.NewRecorder()
	h.GetGuard(rec, httptest.NewRequest(http.MethodGet, "/api/guard", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.guardOK = true
	f.guard = domain.GuardStatus{Allowed: true, PortfolioUSD: 1000}
	rec = httptest.NewRecorder()
	h.GetGuard(rec, httptest.NewRequest(http.MethodGet, "/api/guard", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.GetReconcile(rec, httptest.NewRequest(http.MethodGet, "/api/reconcile", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.RunReconcile(rec, httptest.NewRequest(http.MethodPost, "/api/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["orphans_closed"])

	rec = httptest.NewRecorder()
	h.GetReconcile(rec, httptest.NewRequest(http.MethodGet, "/api/reconcile", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.runErr = domain.ErrReconcileInProgress
	rec = httptest.NewRecorder()
	h.RunReconcile(rec, httptest.NewRequest(http.MethodPost, "/api/reconcile", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type fakeSink struct {
	got []domain.Signal
	err error
}

func (f *fakeSink) Submit(_ context.Context, sig domain.Signal) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, sig)
	return nil
}

func TestSubmitSignal(t *testing.T) {
	sink := &fakeSink{}
	h := NewSignalHandler(sink, discard())

	valid := `{"id":"s1","symbol":"BTCUSDT","direction":"long","confidence_score":80,
		"entry_price":100,"stop_price":95,"target_price":110,"planned_risk_percent":1}`
	rec := httptest.NewRecorder()
	h.SubmitSignal(rec, httptest.NewRequest(http.MethodPost, "/api/signals", strings.NewReader(valid)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sink.got, 1)
	assert.False(t, sink.got[0].CreatedAt.IsZero())

	badStop := strings.Replace(valid, `"stop_price":95`, `"stop_price":105`, 1)
	rec = httptest.NewRecorder()
	h.SubmitSignal(rec, httptest.NewRequest(http.MethodPost, "/api/signals", strings.NewReader(badStop)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed signal")

	rec = httptest.NewRecorder()
	h.SubmitSignal(rec, httptest.NewRequest(http.MethodPost, "/api/signals", strings.NewReader(`{"id":"s2","bogus":1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sink.err = errors.New("executor: stopped")
	rec = httptest.NewRecorder()
	h.SubmitSignal(rec, httptest.NewRequest(http.MethodPost, "/api/signals", strings.NewReader(valid)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeBlobs struct{ prefix string }

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.prefix = prefix
	return []domain.BlobInfo{{Path: prefix + "2026-03-01.jsonl", Size: 42, LastModified: testNow}}, nil
}

func TestListArchives(t *testing.T) {
	f := &fakeBlobs{}
	h := NewArchiveHandler(f, nil, 0, discard())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives?kind=orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archive/orders/", f.prefix)

	rec = httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives?kind=secrets", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeArchiver struct {
	before time.Time
	err    error
}

func (f *fakeArchiver) ArchiveClosedTrades(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 7, f.err
}

func (f *fakeArchiver) ArchiveOrders(context.Context, time.Time) (int64, error) {
	return 3, nil
}

func TestRunArchive(t *testing.T) {
	arch := &fakeArchiver{}
	h := NewArchiveHandler(&fakeBlobs{}, arch, 30*24*time.Hour, discard())

	rec := httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/archives?before=2026-03-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 7, body["closed_trades"])
	assert.EqualValues(t, 3, body["orders"])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), arch.before)

	rec = httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), arch.before, time.Minute)

	rec = httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/archives?before=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	arch.err = errors.New("s3 down")
	rec = httptest.NewRecorder()
	h.RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/archives", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	NewArchiveHandler(&fakeBlobs{}, nil, 0, discard()).RunArchive(rec, httptest.NewRequest(http.MethodPost, "/api/archives", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discard())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["components"].(map[string]any)["postgres"])

	rec = httptest.NewRecorder()
	NewHealthHandler(nil, discard()).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeStats struct{}

func (fakeStats) Stats() executor.Stats { return executor.Stats{Signals: 3, Accepted: 2} }

type fakeTrackerStats struct{}

func (fakeTrackerStats) Stats() executor.TrackerStats { return executor.TrackerStats{Active: 4} }

func TestStatusHandler(t *testing.T) {
	h := NewStatusHandler("paper", time.Now().Add(-time.Minute), fakeStats{}, fakeTrackerStats{}, &fakePositions{open: []domain.Position{longBTC()}})

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "paper", body["mode"])
	assert.EqualValues(t, 1, body["open_positions"])
	assert.EqualValues(t, 4, body["tracked_orders"])

	rec = httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/executor/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["executor"].(map[string]any)["signals"])

	rec = httptest.NewRecorder()
	NewStatusHandler("monitor", time.Now(), nil, nil, nil).GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/executor/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
