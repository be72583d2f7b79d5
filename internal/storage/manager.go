package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/warc"
)

// ManagerConfig controls container naming and serialization.
type ManagerConfig struct {
	// Compress writes per-record gzip containers (.warc.gz).
	Compress bool `mapstructure:"compress" yaml:"compress"`
	// Software is recorded in each container's warcinfo record.
	Software string `mapstructure:"software" yaml:"software"`
}

// ContainerMetadata describes a finalized container in the backend.
type ContainerMetadata struct {
	// Name is the container filename.
	Name string
	// Key is the backend object path the container was stored at.
	Key string
	// URI is the backend-specific location of the stored object.
	URI string
	// Size is the container size in bytes.
	Size int64
	// Digest is the whole-container content hash.
	Digest string
	// Records is the number of records written, warcinfo included.
	// Zero when the container was produced externally.
	Records int
}

// Stats summarizes the containers held under a prefix.
type Stats struct {
	Containers int
	TotalBytes int64
}

// Manager owns the archive container lifecycle: naming, writing,
// compression, durable storage, and deletion. Crawl code only appends
// records through a ContainerWriter handle it is given.
type Manager struct {
	backend Backend
	hasher  archive.Hasher
	cfg     ManagerConfig
	log     *zap.Logger
}

// NewManager creates a container storage manager over the given
// backend.
func NewManager(backend Backend, hasher archive.Hasher, cfg ManagerConfig, log *zap.Logger) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Software == "" {
		cfg.Software = "archivist"
	}
	return &Manager{backend: backend, hasher: hasher, cfg: cfg, log: log}, nil
}

// GenerateContainerName builds the deterministic container filename
// {target_code}_{YYYYMMDD_HHMMSS}_{seq}. The sequence disambiguates
// multi-part crawls of the same target within one run.
func (m *Manager) GenerateContainerName(targetCode string, ts time.Time, sequence int) string {
	name := fmt.Sprintf("%s_%s_%03d.warc", targetCode, ts.UTC().Format("20060102_150405"), sequence)
	if m.cfg.Compress {
		name += ".gz"
	}
	return name
}

// ResolveStoragePath places a container under a year/month/day
// partition derived from its timestamp. Partitioning keeps directories
// bounded and lets date-range operations skip a full scan.
func (m *Manager) ResolveStoragePath(name string, ts time.Time) string {
	t := ts.UTC()
	return path.Join(fmt.Sprintf("%04d/%02d/%02d", t.Year(), t.Month(), t.Day()), name)
}

// OpenWriter opens a new append-only container and writes the leading
// warcinfo record, so a crash before the first response record still
// leaves a parseable file.
func (m *Manager) OpenWriter(targetCode string, ts time.Time, sequence int) (*ContainerWriter, error) {
	name := m.GenerateContainerName(targetCode, ts, sequence)
	key := m.ResolveStoragePath(name, ts)

	cw := &ContainerWriter{
		manager: m,
		name:    name,
		key:     key,
	}
	cw.w = warc.NewWriter(&cw.buf, warc.WriterOptions{
		Compress: m.cfg.Compress,
		Software: m.cfg.Software,
	})
	if _, err := cw.w.WriteWarcinfo(name, nil); err != nil {
		return nil, fmt.Errorf("write warcinfo: %w", err)
	}
	cw.records = 1

	m.log.Debug("opened container writer",
		zap.String("container", name),
		zap.String("key", key),
		zap.Bool("compressed", m.cfg.Compress))
	return cw, nil
}

// ComputeDigest returns the strong content hash used for
// content-addressing, dedup, and change detection.
func (m *Manager) ComputeDigest(data []byte) (string, error) {
	return m.hasher.Hash(data)
}

// Store uploads a completed container file produced outside a
// ContainerWriter, such as external engine output, and records its
// metadata. An empty remoteKey derives the key from the file name and
// modification time.
func (m *Manager) Store(ctx context.Context, localPath string, remoteKey string) (ContainerMetadata, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return ContainerMetadata{}, fmt.Errorf("read container: %w", err)
	}

	name := filepath.Base(localPath)
	if remoteKey == "" {
		info, err := os.Stat(localPath)
		if err != nil {
			return ContainerMetadata{}, fmt.Errorf("stat container: %w", err)
		}
		remoteKey = m.ResolveStoragePath(name, info.ModTime())
	}

	digest, err := m.hasher.Hash(data)
	if err != nil {
		return ContainerMetadata{}, fmt.Errorf("digest container: %w", err)
	}

	uri, err := m.backend.PutObject(ctx, remoteKey, "application/warc", bytes.NewReader(data))
	if err != nil {
		return ContainerMetadata{}, fmt.Errorf("store container: %w", err)
	}

	m.log.Info("stored container",
		zap.String("container", name),
		zap.String("key", remoteKey),
		zap.Int("bytes", len(data)))
	return ContainerMetadata{
		Name:   name,
		Key:    remoteKey,
		URI:    uri,
		Size:   int64(len(data)),
		Digest: digest,
	}, nil
}

// Retrieve downloads the container at key into destDir and returns the
// local file path.
func (m *Manager) Retrieve(ctx context.Context, key string, destDir string) (string, error) {
	r, err := m.backend.GetObject(ctx, key)
	if err != nil {
		return "", fmt.Errorf("retrieve container %q: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	localPath := filepath.Join(destDir, path.Base(key))
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create local container: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("download container: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close local container: %w", err)
	}
	return localPath, nil
}

// Open streams the container at key directly from the backend.
func (m *Manager) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.backend.GetObject(ctx, key)
}

// List enumerates stored containers under prefix, optionally bounded
// to a modification-time range. Zero bounds are open-ended.
func (m *Manager) List(ctx context.Context, prefix string, from, to time.Time) ([]ObjectInfo, error) {
	objects, err := m.backend.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if from.IsZero() && to.IsZero() {
		return objects, nil
	}
	filtered := objects[:0]
	for _, o := range objects {
		if !from.IsZero() && o.ModTime.Before(from) {
			continue
		}
		if !to.IsZero() && o.ModTime.After(to) {
			continue
		}
		filtered = append(filtered, o)
	}
	return filtered, nil
}

// Delete removes the container at key. It reports false without error
// when the container was already gone.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	err := m.backend.DeleteObject(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete container %q: %w", key, err)
	}
	m.log.Info("deleted container", zap.String("key", key))
	return true, nil
}

// ContainerStats totals the containers stored under prefix.
func (m *Manager) ContainerStats(ctx context.Context, prefix string) (Stats, error) {
	objects, err := m.backend.ListObjects(ctx, prefix)
	if err != nil {
		return Stats{}, fmt.Errorf("stat containers: %w", err)
	}
	var s Stats
	for _, o := range objects {
		s.Containers++
		s.TotalBytes += o.Size
	}
	return s, nil
}

// AppendResult locates one appended record within its container.
type AppendResult struct {
	RecordID string
	// Offset is the container byte position captured before the write,
	// which is the seek position indexers need.
	Offset int64
	Length int64
}

// ContainerWriter is an append-only handle to one open container. It
// is not safe for concurrent use; a crawl appends from a single
// goroutine in fetch order.
type ContainerWriter struct {
	manager *Manager
	name    string
	key     string
	buf     bytes.Buffer
	w       *warc.Writer
	records int
	closed  bool
}

// Name returns the container filename.
func (cw *ContainerWriter) Name() string { return cw.name }

// Key returns the backend object path the container will be stored at.
func (cw *ContainerWriter) Key() string { return cw.key }

// Records returns the number of records written so far.
func (cw *ContainerWriter) Records() int { return cw.records }

// AppendResponse serializes one HTTP response capture as an immutable
// record. A write error is final for the whole container: the handle
// refuses further appends so a truncated container can never be
// finalized as completed.
func (cw *ContainerWriter) AppendResponse(url string, statusCode int, header http.Header, body []byte, capturedAt time.Time) (AppendResult, error) {
	if cw.closed {
		return AppendResult{}, fmt.Errorf("container %s is closed", cw.name)
	}
	offset := cw.w.Offset()
	recordID, err := cw.w.WriteResponse(url, statusCode, header, body, capturedAt)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append response record: %w", err)
	}
	cw.records++
	return AppendResult{
		RecordID: recordID,
		Offset:   offset,
		Length:   cw.w.Offset() - offset,
	}, nil
}

// Close finalizes the container and uploads it to the backend. After
// Close the container is immutable.
func (cw *ContainerWriter) Close(ctx context.Context) (ContainerMetadata, error) {
	if cw.closed {
		return ContainerMetadata{}, fmt.Errorf("container %s is closed", cw.name)
	}
	cw.closed = true

	data := cw.buf.Bytes()
	digest, err := cw.manager.hasher.Hash(data)
	if err != nil {
		return ContainerMetadata{}, fmt.Errorf("digest container: %w", err)
	}
	uri, err := cw.manager.backend.PutObject(ctx, cw.key, "application/warc", bytes.NewReader(data))
	if err != nil {
		return ContainerMetadata{}, fmt.Errorf("store container: %w", err)
	}

	cw.manager.log.Info("finalized container",
		zap.String("container", cw.name),
		zap.String("key", cw.key),
		zap.Int("records", cw.records),
		zap.Int("bytes", len(data)))
	return ContainerMetadata{
		Name:    cw.name,
		Key:     cw.key,
		URI:     uri,
		Size:    int64(len(data)),
		Digest:  digest,
		Records: cw.records,
	}, nil
}
