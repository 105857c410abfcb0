package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// BlobLister lists stored objects under a prefix.
type BlobLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

var archiveKinds = map[string]bool{"closed_trades": true, "orders": true}

// ArchiveHandler lists exported history files and triggers exports.
type ArchiveHandler struct {
	blobs     BlobLister
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. archiver may be nil, in which
// case RunArchive answers 404. retention is the default cutoff age.
func NewArchiveHandler(blobs BlobLister, archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, archiver: archiver, retention: retention, logger: logger}
}

type archiveView struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives lists archive files of one kind.
// GET /api/archives?kind=closed_trades|orders
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "closed_trades"
	}
	if !archiveKinds[kind] {
		writeError(w, http.StatusBadRequest, "kind must be closed_trades or orders")
		return
	}
	infos, err := h.blobs.List(r.Context(), "archive/"+kind+"/")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": mapSlice(infos, func(b domain.BlobInfo) archiveView {
		return archiveView{Path: b.Path, Size: b.Size, LastModified: b.LastModified}
	})})
}

// RunArchive exports history older than ?before (RFC3339), defaulting to
// now minus the retention period.
// POST /api/archives
func (h *ArchiveHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusNotFound, "archiving is disabled")
		return
	}
	before, err := parseTime(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be RFC3339")
		return
	}
	cutoff := time.Now().UTC().Add(-h.retention)
	if before != nil {
		cutoff = *before
	}

	trades, err := h.archiver.ArchiveClosedTrades(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive closed trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to archive closed trades")
		return
	}
	orders, err := h.archiver.ArchiveOrders(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive orders failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to archive orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"before":        cutoff.Format(time.RFC3339),
		"closed_trades": trades,
		"orders":        orders,
	})
}
