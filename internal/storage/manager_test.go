package storage_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/hash/sha256"
	"github.com/coinlens/archivist/internal/storage"
	"github.com/coinlens/archivist/internal/storage/memory"
	"github.com/coinlens/archivist/internal/warc"
)

func newTestManager(t *testing.T, compress bool) (*storage.Manager, *memory.BlobStore) {
	t.Helper()
	backend := memory.NewBlobStore()
	m, err := storage.NewManager(backend, sha256.New(), storage.ManagerConfig{Compress: compress}, zap.NewNop())
	require.NoError(t, err)
	return m, backend
}

func TestGenerateContainerName(t *testing.T) {
	m, _ := newTestManager(t, false)
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	name := m.GenerateContainerName("btc", ts, 1)
	assert.Equal(t, "btc_20260314_093000_001.warc", name)

	// The same inputs always produce the same name.
	assert.Equal(t, name, m.GenerateContainerName("btc", ts, 1))
	assert.NotEqual(t, name, m.GenerateContainerName("btc", ts, 2))

	mc, _ := newTestManager(t, true)
	assert.Equal(t, "btc_20260314_093000_001.warc.gz", mc.GenerateContainerName("btc", ts, 1))
}

func TestResolveStoragePath(t *testing.T) {
	m, _ := newTestManager(t, false)
	ts := time.Date(2026, 3, 4, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "2026/03/04/x.warc", m.ResolveStoragePath("x.warc", ts))
}

func TestContainerWriterLifecycle(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager(t, true)
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	cw, err := m.OpenWriter("btc", ts, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cw.Records(), "warcinfo is written on open")

	res, err := cw.AppendResponse("https://example.com/", 200,
		http.Header{"Content-Type": []string{"text/html"}},
		[]byte("<html>hi</html>"), ts)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RecordID)
	assert.Positive(t, res.Offset, "response record starts after warcinfo")
	assert.Positive(t, res.Length)

	meta, err := cw.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, cw.Name(), meta.Name)
	assert.Equal(t, "2026/03/14/"+cw.Name(), meta.Key)
	assert.Equal(t, 2, meta.Records)
	assert.NotEmpty(t, meta.Digest)
	assert.Positive(t, meta.Size)

	// After close the handle refuses appends.
	_, err = cw.AppendResponse("https://example.com/x", 200, nil, []byte("x"), ts)
	assert.Error(t, err)

	// The stored container parses back record-for-record.
	r, err := backend.GetObject(ctx, meta.Key)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	wr, err := warc.NewReader(r)
	require.NoError(t, err)

	info, err := wr.Next()
	require.NoError(t, err)
	assert.Equal(t, warc.TypeWarcinfo, info.Type)

	rec, err := wr.Next()
	require.NoError(t, err)
	assert.Equal(t, warc.TypeResponse, rec.Type)
	assert.Equal(t, "https://example.com/", rec.TargetURI)
	assert.Equal(t, res.Offset, rec.Offset)
	assert.Equal(t, res.Length, rec.Length)
}

func TestStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, false)

	src := filepath.Join(t.TempDir(), "ext_20260314_093000_001.warc")
	require.NoError(t, os.WriteFile(src, []byte("external container"), 0o600))

	meta, err := m.Store(ctx, src, "2026/03/14/ext_20260314_093000_001.warc")
	require.NoError(t, err)
	assert.Equal(t, int64(len("external container")), meta.Size)
	assert.NotEmpty(t, meta.Digest)

	dest := t.TempDir()
	localPath, err := m.Retrieve(ctx, meta.Key, dest)
	require.NoError(t, err)
	data, err := os.ReadFile(localPath) // #nosec G304 -- controlled test path.
	require.NoError(t, err)
	assert.Equal(t, "external container", string(data))

	stats, err := m.ContainerStats(ctx, "2026/")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Containers)
	assert.Equal(t, meta.Size, stats.TotalBytes)

	deleted, err := m.Delete(ctx, meta.Key)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(ctx, meta.Key)
	require.NoError(t, err)
	assert.False(t, deleted, "deleting an absent container is not an error")
}

func TestListTimeRange(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, false)

	src := filepath.Join(t.TempDir(), "a.warc")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	_, err := m.Store(ctx, src, "2026/01/01/a.warc")
	require.NoError(t, err)

	all, err := m.List(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	none, err := m.List(ctx, "", time.Time{}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}
