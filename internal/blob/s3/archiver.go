package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const archiveLockTTL = 10 * time.Minute

// Archiver implements domain.Archiver. It exports closed trades and terminal
// orders older than a cutoff as JSONL objects. Records are never removed
// from the ledger here; pruning is a separate, explicit step once an archive
// has been verified.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	ledger domain.Ledger
	audit  domain.AuditStore
	locks  domain.LockManager
	logger *slog.Logger
}

// NewArchiver creates an Archiver. locks may be nil when a single instance
// runs.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	ledger domain.Ledger,
	audit domain.AuditStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		ledger: ledger,
		audit:  audit,
		locks:  locks,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosedTrades uploads every trade closed before the cutoff to
// archive/closed_trades/YYYY-MM-DD.jsonl and returns the record count. A
// cutoff whose object already exists is skipped.
func (a *Archiver) ArchiveClosedTrades(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "closed_trades", before, func(ctx context.Context) ([]domain.ClosedTrade, error) {
		return a.ledger.Trades().List(ctx, domain.ListOpts{Until: &before})
	})
}

// ArchiveOrders uploads every terminal order created before the cutoff to
// archive/orders/YYYY-MM-DD.jsonl and returns the record count.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "orders", before, func(ctx context.Context) ([]domain.Order, error) {
		return a.ledger.Orders().ListTerminalBefore(ctx, before)
	})
}

// Run archives both kinds every interval, with a cutoff of retention before
// now, until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.RunOnce(ctx, time.Now().UTC().Add(-retention))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives both kinds with the given cutoff, logging failures.
func (a *Archiver) RunOnce(ctx context.Context, before time.Time) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archive", archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.DebugContext(ctx, "archive pass held by another instance")
			return
		}
		if err != nil {
			a.logger.WarnContext(ctx, "archive lock failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	if n, err := a.ArchiveClosedTrades(ctx, before); err != nil {
		a.logger.ErrorContext(ctx, "archive closed trades failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archived closed trades", slog.Int64("count", n))
	}
	if n, err := a.ArchiveOrders(ctx, before); err != nil {
		a.logger.ErrorContext(ctx, "archive orders failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archived orders", slog.Int64("count", n))
	}
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, load func(context.Context) ([]T, error)) (int64, error) {
	path := archivePath(kind, before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	records, err := load(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff day:
//
//	archive/closed_trades/2026-03-01.jsonl
//	archive/orders/2026-03-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
