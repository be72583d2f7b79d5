package cdx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/warc"
)

// ContainerOpener streams a stored container by its backend key.
type ContainerOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// GenerateStats surfaces what one container yielded. Skipped counts
// records that could not be indexed; a partial index is better than
// none, but callers always see the gap.
type GenerateStats struct {
	Records int
	Skipped int
}

// Indexer turns completed containers into CDX records.
type Indexer struct {
	cdxStore   archive.CDXStore
	snapshots  archive.SnapshotStore
	containers ContainerOpener
	log        *zap.Logger
}

// NewIndexer creates an indexer over the given stores.
func NewIndexer(cdxStore archive.CDXStore, snapshots archive.SnapshotStore, containers ContainerOpener, log *zap.Logger) (*Indexer, error) {
	if cdxStore == nil {
		return nil, fmt.Errorf("cdx store is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{cdxStore: cdxStore, snapshots: snapshots, containers: containers, log: log}, nil
}

// Generate stream-parses one container and emits an index record per
// response record. The container is processed strictly sequentially:
// offsets are position-dependent, so records are never reordered. A
// record that cannot be indexed is skipped with a warning rather than
// failing the run.
func (ix *Indexer) Generate(r io.Reader, containerName string, snapshotID string) ([]archive.CDXRecord, GenerateStats, error) {
	wr, err := warc.NewReader(r)
	if err != nil {
		return nil, GenerateStats{}, fmt.Errorf("open container %s: %w", containerName, err)
	}

	var records []archive.CDXRecord
	var stats GenerateStats
	for {
		rec, err := wr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The framing is broken; nothing after this point can be
			// located reliably. Keep what parsed so far.
			ix.log.Warn("container truncated mid-record, keeping partial index",
				zap.String("container", containerName),
				zap.Error(err))
			stats.Skipped++
			break
		}
		if rec.Type != warc.TypeResponse {
			continue
		}

		entry, err := ix.entryFromRecord(rec, containerName, snapshotID)
		if err != nil {
			ix.log.Warn("skipping unindexable record",
				zap.String("container", containerName),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
			stats.Skipped++
			continue
		}
		records = append(records, entry)
		stats.Records++
	}
	return records, stats, nil
}

func (ix *Indexer) entryFromRecord(rec *warc.Record, containerName string, snapshotID string) (archive.CDXRecord, error) {
	if rec.TargetURI == "" {
		return archive.CDXRecord{}, fmt.Errorf("record has no target URI")
	}
	urlKey, err := SURT(rec.TargetURI)
	if err != nil {
		return archive.CDXRecord{}, fmt.Errorf("canonicalize %q: %w", rec.TargetURI, err)
	}

	capturedAt := rec.Date
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	resp, err := rec.HTTPResponse()
	if err != nil {
		return archive.CDXRecord{}, fmt.Errorf("record block is not an http response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	mimeType := "application/octet-stream"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = parsed
		} else {
			mimeType = strings.TrimSpace(strings.Split(ct, ";")[0])
		}
	}

	redirect := ""
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		redirect = resp.Header.Get("Location")
	}

	digest := strings.TrimPrefix(rec.PayloadDigest, "sha256:")

	return archive.CDXRecord{
		URLKey:        urlKey,
		Timestamp:     Timestamp14(capturedAt),
		OriginalURL:   rec.TargetURI,
		MIMEType:      mimeType,
		StatusCode:    resp.StatusCode,
		Digest:        digest,
		RedirectURL:   redirect,
		ContainerName: containerName,
		Offset:        rec.Offset,
		Length:        rec.Length,
		SnapshotID:    snapshotID,
	}, nil
}

// Index generates and persists the index for one container. Storage is
// all-or-nothing: either every record lands in the store or none do.
func (ix *Indexer) Index(ctx context.Context, r io.Reader, containerName string, snapshotID string) (GenerateStats, error) {
	records, stats, err := ix.Generate(r, containerName, snapshotID)
	if err != nil {
		return stats, err
	}
	if len(records) == 0 {
		// A zero-page crawl still writes a warcinfo-only container.
		// That is an empty index, not a failure to index.
		ix.log.Info("container holds no response records",
			zap.String("container", containerName),
			zap.String("snapshot_id", snapshotID))
		return stats, nil
	}
	if err := ix.cdxStore.StoreBatch(ctx, records); err != nil {
		return stats, fmt.Errorf("store index for %s: %w", containerName, err)
	}
	ix.log.Info("indexed container",
		zap.String("container", containerName),
		zap.String("snapshot_id", snapshotID),
		zap.Int("records", stats.Records),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// IndexSnapshot indexes every container belonging to a snapshot and
// marks the snapshot indexed on success.
func (ix *Indexer) IndexSnapshot(ctx context.Context, snap archive.WebsiteSnapshot) (GenerateStats, error) {
	if ix.containers == nil {
		return GenerateStats{}, fmt.Errorf("no container opener configured")
	}
	if len(snap.ContainerPaths) == 0 {
		return GenerateStats{}, fmt.Errorf("snapshot %s has no containers", snap.ID)
	}

	var total GenerateStats
	for _, key := range snap.ContainerPaths {
		r, err := ix.containers.Open(ctx, key)
		if err != nil {
			return total, fmt.Errorf("open container %s: %w", key, err)
		}
		stats, err := ix.Index(ctx, r, containerNameFromKey(key), snap.ID)
		_ = r.Close()
		total.Records += stats.Records
		total.Skipped += stats.Skipped
		if err != nil {
			return total, err
		}
	}

	if err := ix.snapshots.MarkIndexGenerated(ctx, snap.ID); err != nil {
		return total, fmt.Errorf("mark snapshot %s indexed: %w", snap.ID, err)
	}
	return total, nil
}

// BatchIndex indexes every snapshot still missing an index, oldest
// first, up to limit. Per-snapshot failures are counted, not fatal.
func (ix *Indexer) BatchIndex(ctx context.Context, limit int) (archive.BatchSummary, error) {
	snaps, err := ix.snapshots.UnindexedSnapshots(ctx, limit)
	if err != nil {
		return archive.BatchSummary{}, fmt.Errorf("list unindexed snapshots: %w", err)
	}

	summary := archive.BatchSummary{Found: len(snaps)}
	for _, snap := range snaps {
		if len(snap.ContainerPaths) == 0 {
			summary.Skipped++
			continue
		}
		if _, err := ix.IndexSnapshot(ctx, snap); err != nil {
			ix.log.Warn("batch index: snapshot failed",
				zap.String("snapshot_id", snap.ID),
				zap.Error(err))
			summary.Failed++
			continue
		}
		summary.Successful++
	}
	ix.log.Info("batch index complete",
		zap.Int("found", summary.Found),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// Lookup canonicalizes url and returns its best capture. With a
// snapshot ID, the most recent capture within that snapshot wins. With
// a non-zero asOf, the closest capture at or before that time wins,
// never one after it, preserving what the site looked like at time T.
func (ix *Indexer) Lookup(ctx context.Context, url string, snapshotID string, asOf time.Time) (archive.CDXRecord, error) {
	urlKey, err := SURT(url)
	if err != nil {
		return archive.CDXRecord{}, err
	}
	matches, err := ix.cdxStore.Lookup(ctx, urlKey, snapshotID)
	if err != nil {
		return archive.CDXRecord{}, fmt.Errorf("lookup %q: %w", urlKey, err)
	}

	if !asOf.IsZero() {
		cutoff := Timestamp14(asOf)
		for _, m := range matches {
			if m.Timestamp <= cutoff {
				return m, nil
			}
		}
		return archive.CDXRecord{}, archive.ErrNotFound
	}
	if len(matches) == 0 {
		return archive.CDXRecord{}, archive.ErrNotFound
	}
	return matches[0], nil
}

// ListURLs returns every distinct URL captured in a snapshot.
func (ix *Indexer) ListURLs(ctx context.Context, snapshotID string) ([]string, error) {
	return ix.cdxStore.ListURLs(ctx, snapshotID)
}

// WriteCDX emits records as a flat sorted text index compatible with
// external replay tooling.
func (ix *Indexer) WriteCDX(w io.Writer, records []archive.CDXRecord) error {
	sorted := make([]archive.CDXRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].URLKey != sorted[j].URLKey {
			return sorted[i].URLKey < sorted[j].URLKey
		}
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	if _, err := io.WriteString(w, " CDX N b a m s k r M S V g\n"); err != nil {
		return fmt.Errorf("write cdx header: %w", err)
	}
	for _, rec := range sorted {
		if _, err := io.WriteString(w, FormatLine(rec)+"\n"); err != nil {
			return fmt.Errorf("write cdx line: %w", err)
		}
	}
	return nil
}

// FormatLine renders one record in the standard index line format.
func FormatLine(rec archive.CDXRecord) string {
	redirect := rec.RedirectURL
	if redirect == "" {
		redirect = "-"
	}
	return fmt.Sprintf("%s %s %s %s %d %s %s - %d %s %s",
		rec.URLKey, rec.Timestamp, rec.OriginalURL,
		rec.MIMEType, rec.StatusCode, rec.Digest,
		redirect, rec.Offset, rec.ContainerName, rec.Digest)
}

func containerNameFromKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
