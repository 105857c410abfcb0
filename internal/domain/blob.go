package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one archive object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads archive objects. Large exports go through PutMultipart.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader lists and reads archive objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports ledger history older than a cutoff: closed trades and
// terminal orders. Each call returns the number of records written; a
// cutoff that was already exported writes nothing.
type Archiver interface {
	ArchiveClosedTrades(ctx context.Context, before time.Time) (int64, error)
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
}
