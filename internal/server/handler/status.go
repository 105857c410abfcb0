package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
)

// ExecutionStats exposes executor and tracker counters.
type ExecutionStats interface {
	Stats() executor.Stats
}

// TrackerStats exposes live order counters.
type TrackerStats interface {
	Stats() executor.TrackerStats
}

// StatusHandler serves the bot summary and execution statistics.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	exec      ExecutionStats
	tracker   TrackerStats
	positions PositionLister
}

// NewStatusHandler creates a StatusHandler. exec and tracker may be nil in
// modes that do not execute.
func NewStatusHandler(mode string, startedAt time.Time, exec ExecutionStats, tracker TrackerStats, positions PositionLister) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, exec: exec, tracker: tracker, positions: positions}
}

// GetStatus answers the bot summary.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := domain.BotStatus{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.positions != nil {
		if open, err := h.positions.Open(r.Context()); err == nil {
			st.OpenPositions = len(open)
		}
	}
	if h.tracker != nil {
		st.TrackedOrders = h.tracker.Stats().Active
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStats answers executor and tracker statistics.
// GET /api/executor/stats
func (h *StatusHandler) GetStats(w http.ResponseWriter, _ *http.Request) {
	if h.exec == nil || h.tracker == nil {
		writeError(w, http.StatusNotFound, "executor not running in mode "+h.mode)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executor": h.exec.Stats(),
		"tracker":  h.tracker.Stats(),
	})
}
