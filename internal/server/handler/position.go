package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionLister returns the ledger's open positions.
type PositionLister interface {
	Open(ctx context.Context) ([]domain.Position, error)
}

// PositionCloser exits an open position through the exchange.
type PositionCloser interface {
	Exit(ctx context.Context, symbol string, qty, price float64, reason domain.CloseReason) (domain.ClosedTrade, error)
}

// PriceLookup returns the latest known price for a symbol.
type PriceLookup interface {
	LatestPrice(symbol string) (float64, bool)
}

// MarkCache holds marks published by other processes sharing the cache.
type MarkCache interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionLister
	closer    PositionCloser
	prices    PriceLookup
	marks     MarkCache
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. closer, prices and marks may
// be nil.
func NewPositionHandler(positions PositionLister, closer PositionCloser, prices PriceLookup, marks MarkCache, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, closer: closer, prices: prices, marks: marks, logger: logger}
}

// ListPositions returns open positions with unrealized PnL where a price is
// known. Symbols the local feed has not priced yet are looked up in the mark
// cache.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := h.positions.Open(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "handler: list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	marks := make(map[string]float64, len(open))
	var missing []string
	for _, p := range open {
		if _, seen := marks[p.Symbol]; seen {
			continue
		}
		if h.prices != nil {
			if mark, ok := h.prices.LatestPrice(p.Symbol); ok {
				marks[p.Symbol] = mark
				continue
			}
		}
		marks[p.Symbol] = 0
		missing = append(missing, p.Symbol)
	}
	if len(missing) > 0 && h.marks != nil {
		cached, err := h.marks.GetPrices(ctx, missing)
		if err != nil {
			h.logger.WarnContext(ctx, "handler: mark cache lookup failed", slog.String("error", err.Error()))
		}
		for sym, mark := range cached {
			marks[sym] = mark
		}
	}

	views := mapSlice(open, func(p domain.Position) positionView {
		mark := marks[p.Symbol]
		return toPositionView(p, mark, mark > 0)
	})
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}

type closeRequest struct {
	// Quantity <= 0 closes everything.
	Quantity float64 `json:"quantity"`
	// Price overrides the latest feed price used to record the close.
	Price float64 `json:"price"`
}

// ClosePosition sends a reduce-only market order for the open position on
// symbol and records a MANUAL close.
// POST /api/positions/{symbol}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusNotFound, "positions cannot be closed in this mode")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	price := req.Price
	if price <= 0 && h.prices != nil {
		price, _ = h.prices.LatestPrice(symbol)
	}
	if price <= 0 {
		writeError(w, http.StatusConflict, "no price known for "+symbol)
		return
	}

	trade, err := h.closer.Exit(r.Context(), symbol, req.Quantity, price, domain.CloseReasonManual)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no open position on "+symbol)
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "an exit is already in progress for "+symbol)
	case errors.Is(err, domain.ErrInvalidQuantity):
		writeError(w, http.StatusConflict, "position has no filled quantity")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to close position")
	default:
		writeJSON(w, http.StatusOK, toTradeView(trade))
	}
}
