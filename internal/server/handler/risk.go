package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/service"
)

// MarginSnapshotter builds a live margin snapshot.
type MarginSnapshotter interface {
	Snapshot(ctx context.Context) (domain.MarginSnapshot, error)
}

// GuardStatusSource returns the last portfolio guard decision.
type GuardStatusSource interface {
	LastStatus(ctx context.Context) (domain.GuardStatus, error)
}

// ReconcileRunner runs and reports reconciliation passes.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (service.ReconcileReport, error)
	LastReport() (service.ReconcileReport, bool)
}

// RiskHandler serves margin, guard and reconciliation endpoints.
type RiskHandler struct {
	margin    MarginSnapshotter
	guard     GuardStatusSource
	reconcile ReconcileRunner
	logger    *slog.Logger
}

// NewRiskHandler creates a RiskHandler. Any dependency may be nil, in which
// case its endpoints answer 404.
func NewRiskHandler(margin MarginSnapshotter, guard GuardStatusSource, reconcile ReconcileRunner, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{margin: margin, guard: guard, reconcile: reconcile, logger: logger}
}

// GetMargin returns the current margin snapshot with per-position breakdown.
// GET /api/margin
func (h *RiskHandler) GetMargin(w http.ResponseWriter, r *http.Request) {
	if h.margin == nil {
		writeError(w, http.StatusNotFound, "margin tracking not available")
		return
	}
	snap, err := h.margin.Snapshot(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: margin snapshot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to build margin snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetGuard returns the last daily-limit decision.
// GET /api/guard
func (h *RiskHandler) GetGuard(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeError(w, http.StatusNotFound, "portfolio guard not available")
		return
	}
	st, err := h.guard.LastStatus(r.Context())
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no guard decision yet")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: guard status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read guard status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetReconcile returns the last reconciliation report.
// GET /api/reconcile
func (h *RiskHandler) GetReconcile(w http.ResponseWriter, _ *http.Request) {
	if h.reconcile == nil {
		writeError(w, http.StatusNotFound, "reconciler not running")
		return
	}
	report, ok := h.reconcile.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no reconciliation pass yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RunReconcile triggers one pass and returns its report.
// POST /api/reconcile
func (h *RiskHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconcile == nil {
		writeError(w, http.StatusNotFound, "reconciler not running")
		return
	}
	report, err := h.reconcile.RunOnce(r.Context())
	if errors.Is(err, domain.ErrReconcileInProgress) {
		writeError(w, http.StatusConflict, "reconciliation already in progress")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconcile failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "reconciliation failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
