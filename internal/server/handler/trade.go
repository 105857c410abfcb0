package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeLister lists closed trades.
type TradeLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error)
}

// TradeHandler serves closed trade history.
type TradeHandler struct {
	trades TradeLister
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeLister, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// ListTrades returns closed trades newest first with total realized PnL of
// the page.
// GET /api/trades?since=...&until=...&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := h.trades.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	var pnl float64
	for _, t := range trades {
		pnl += t.PnLUSD
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades":  mapSlice(trades, toTradeView),
		"pnl_usd": pnl,
	})
}
