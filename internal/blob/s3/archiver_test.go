package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/store/memory"
)

// memBlobs is an in-memory BlobWriter and BlobReader.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

var archiveNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedLedger(t *testing.T) *memory.Ledger {
	t.Helper()
	ctx := context.Background()
	ledger := memory.NewLedger()

	for i, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		pos := domain.Position{
			ID:              sym + "-pos",
			Symbol:          sym,
			Direction:       domain.DirectionLong,
			EntryPrice:      100,
			Quantity:        1,
			Leverage:        10,
			MarginCommitted: 10,
			Status:          domain.PositionStatusActive,
			OpenTime:        archiveNow.Add(-72 * time.Hour),
		}
		require.NoError(t, ledger.Positions().Create(ctx, pos))
		closedAt := archiveNow.Add(-48 * time.Hour)
		if i == 1 {
			closedAt = archiveNow.Add(-time.Hour)
		}
		trade := domain.NewClosedTrade(sym+"-t", pos, 1, 110, domain.CloseReasonTakeProfit, domain.PriceSourceOrder, closedAt)
		require.NoError(t, ledger.ClosePosition(ctx, pos.ID, trade))
	}

	orders := []domain.Order{
		{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusFilled, CreatedAt: archiveNow.Add(-50 * time.Hour)},
		{ID: "o2", Symbol: "BTCUSDT", Status: domain.OrderStatusCanceled, CreatedAt: archiveNow.Add(-49 * time.Hour)},
		{ID: "o3", Symbol: "ETHUSDT", Status: domain.OrderStatusNew, CreatedAt: archiveNow.Add(-49 * time.Hour)},
		{ID: "o4", Symbol: "ETHUSDT", Status: domain.OrderStatusFilled, CreatedAt: archiveNow.Add(-time.Hour)},
	}
	for _, o := range orders {
		require.NoError(t, ledger.Orders().Create(ctx, o))
	}
	return ledger
}

func countLines(t *testing.T, b []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var v map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v))
		n++
	}
	return n
}

func TestArchiver(t *testing.T) {
	ctx := context.Background()
	ledger := seedLedger(t)
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, ledger, ledger, nil, slog.Default())
	cutoff := archiveNow.Add(-24 * time.Hour)

	n, err := a.ArchiveClosedTrades(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.ArchiveOrders(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "only terminal orders before the cutoff")

	trades := blobs.objects["archive/closed_trades/2026-03-01.jsonl"]
	require.NotNil(t, trades)
	assert.Equal(t, 1, countLines(t, trades))
	assert.Equal(t, 2, countLines(t, blobs.objects["archive/orders/2026-03-01.jsonl"]))

	n, err = a.ArchiveOrders(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n, "an existing archive is not rewritten")

	audit, err := ledger.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "archive.orders", audit[0].Event)

	// Records stay in the ledger.
	all, err := ledger.Trades().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestArchiverNothingToExport(t *testing.T) {
	blobs := newMemBlobs()
	ledger := memory.NewLedger()
	a := NewArchiver(blobs, blobs, ledger, ledger, nil, slog.Default())

	n, err := a.ArchiveClosedTrades(context.Background(), archiveNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiverUploadFailure(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket unavailable")
	ledger := seedLedger(t)
	a := NewArchiver(blobs, blobs, ledger, ledger, nil, slog.Default())

	_, err := a.ArchiveClosedTrades(context.Background(), archiveNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestArchiverRunOnceSkipsWhenLocked(t *testing.T) {
	blobs := newMemBlobs()
	ledger := seedLedger(t)
	a := NewArchiver(blobs, blobs, ledger, ledger, heldLocks{}, slog.Default())

	a.RunOnce(context.Background(), archiveNow)
	assert.Empty(t, blobs.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
