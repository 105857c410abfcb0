package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SignalSubmitter queues a signal for execution.
type SignalSubmitter interface {
	Submit(ctx context.Context, sig domain.Signal) error
}

// SignalHandler accepts signals over HTTP.
type SignalHandler struct {
	sink   SignalSubmitter
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(sink SignalSubmitter, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{sink: sink, logger: logger}
}

// SubmitSignal validates the signal's structure and queues it. Admission is
// decided asynchronously; the outcome arrives as an event.
// POST /api/signals
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.sink.Submit(ctx, sig); err != nil {
		h.logger.WarnContext(r.Context(), "handler: submit signal failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "signal queue full")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "executor unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "signal_id": sig.ID})
}
