package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OrderQuerier reads persisted orders.
type OrderQuerier interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error)
}

// OrderTracker holds the live limit orders.
type OrderTracker interface {
	Cancel(orderID, reason string) error
	ActiveOrders(symbol string) []domain.Order
}

// FillSource returns recent exchange fills.
type FillSource interface {
	GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error)
}

// OrderHandler serves order and fill endpoints.
type OrderHandler struct {
	orders  OrderQuerier
	tracker OrderTracker
	fills   FillSource
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. tracker and fills may be nil.
func NewOrderHandler(orders OrderQuerier, tracker OrderTracker, fills FillSource, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, tracker: tracker, fills: fills, logger: logger}
}

// ListOrders returns orders, optionally filtered by a comma-separated status
// list and a symbol. live=true reads the tracker's in-memory view instead of
// the ledger, so it includes fills not yet persisted.
// GET /api/orders?status=NEW,PARTIALLY_FILLED&symbol=BTCUSDT
// GET /api/orders?live=true&symbol=BTCUSDT
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if live, _ := strconv.ParseBool(q.Get("live")); live {
		if h.tracker == nil {
			writeError(w, http.StatusNotFound, "no order tracker in this mode")
			return
		}
		orders := h.tracker.ActiveOrders(strings.ToUpper(q.Get("symbol")))
		writeJSON(w, http.StatusOK, map[string]any{"orders": mapSlice(orders, toOrderView)})
		return
	}

	var statuses []domain.OrderStatus
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, domain.OrderStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	orders, err := h.orders.List(r.Context(), statuses...)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if symbol := strings.ToUpper(q.Get("symbol")); symbol != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.Symbol == symbol {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": mapSlice(orders, toOrderView)})
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.orders.GetOrder(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

// CancelOrder cancels a tracked limit order with reason "manual". A partially
// filled order keeps what it filled.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusNotFound, "no order tracker in this mode")
		return
	}
	id := r.PathValue("id")
	err := h.tracker.Cancel(id, domain.CancelReasonManual)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not tracked")
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "order is no longer cancelable")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "order_id": id})
	}
}

// ListFills returns exchange fills for a symbol since a time (default one
// hour ago).
// GET /api/fills?symbol=BTCUSDT&since=2026-03-01T00:00:00Z
func (h *OrderHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	if h.fills == nil {
		writeError(w, http.StatusNotFound, "no exchange in this mode")
		return
	}
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if since == nil {
		t := time.Now().UTC().Add(-time.Hour)
		since = &t
	}

	fills, err := h.fills.GetRecentFills(r.Context(), symbol, *since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fills failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch fills")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": mapSlice(fills, func(f domain.Fill) fillView {
		return fillView{Symbol: f.Symbol, Price: f.Price, Quantity: f.Quantity, RealizedPnL: f.RealizedPnL, Time: f.Time}
	})})
}
