package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/cdx"
	"github.com/coinlens/archivist/internal/diff"
	"github.com/coinlens/archivist/internal/engine"
	"github.com/coinlens/archivist/internal/metrics"
	"github.com/coinlens/archivist/internal/storage"
	"github.com/coinlens/archivist/internal/warc"
)

// EngineSet holds the available crawl engines. Unused slots may be nil;
// selecting a nil engine is an execution error, not a panic.
type EngineSet struct {
	Browsertrix engine.Engine
	Simple      engine.Engine
	Headless    engine.Engine
}

// ForKind selects the engine for a kind.
func (s EngineSet) ForKind(k archive.EngineKind) (engine.Engine, error) {
	var e engine.Engine
	switch k {
	case archive.EngineBrowsertrix:
		e = s.Browsertrix
	case archive.EngineSimple:
		e = s.Simple
	case archive.EngineHeadless:
		e = s.Headless
	default:
		return nil, fmt.Errorf("unknown engine kind %q", k)
	}
	if e == nil {
		return nil, fmt.Errorf("engine %q is not configured", k)
	}
	return e, nil
}

// CrawlDefaults carries crawl settings that come from service
// configuration rather than the job record: politeness delay, link
// scope, and the user agent presented to crawled sites.
type CrawlDefaults struct {
	Scope     engine.Scope
	Delay     time.Duration
	UserAgent string
}

// Runner executes one crawl job end to end: engine run, snapshot
// creation, index generation, and change detection against the previous
// snapshot. It owns the job's status transitions.
type Runner struct {
	jobs      archive.JobStore
	snapshots archive.SnapshotStore
	changes   archive.ChangeStore
	engines   EngineSet
	indexer   *cdx.Indexer
	detector  *diff.Detector
	store     *storage.Manager
	hasher    archive.Hasher
	clock     archive.Clock
	ids       archive.IDGenerator
	log       *zap.Logger
	defaults  CrawlDefaults
}

// SetCrawlDefaults installs the service-level crawl settings folded
// into every job's engine configuration.
func (r *Runner) SetCrawlDefaults(d CrawlDefaults) {
	r.defaults = d
}

// NewRunner builds a Runner. Everything except the logger is required.
func NewRunner(
	jobs archive.JobStore,
	snapshots archive.SnapshotStore,
	changes archive.ChangeStore,
	engines EngineSet,
	indexer *cdx.Indexer,
	detector *diff.Detector,
	store *storage.Manager,
	hasher archive.Hasher,
	clock archive.Clock,
	ids archive.IDGenerator,
	log *zap.Logger,
) (*Runner, error) {
	if jobs == nil || snapshots == nil || changes == nil {
		return nil, fmt.Errorf("job, snapshot and change stores are required")
	}
	if indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("change detector is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage manager is required")
	}
	if hasher == nil || clock == nil || ids == nil {
		return nil, fmt.Errorf("hasher, clock and id generator are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		jobs:      jobs,
		snapshots: snapshots,
		changes:   changes,
		engines:   engines,
		indexer:   indexer,
		detector:  detector,
		store:     store,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		log:       log,
	}, nil
}

// RunJob drives one job from pending to a terminal status. The returned
// error reflects the crawl outcome; the job record always ends up
// terminal, even on failure paths.
func (r *Runner) RunJob(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		r.log.Warn("job already terminal, skipping",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)))
		return nil
	}

	started := r.clock.Now()
	job.Status = archive.JobStatusInProgress
	job.StartedAt = &started
	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s in progress: %w", job.ID, err)
	}
	metrics.ObserveJob(string(archive.JobStatusInProgress))

	eng, err := r.engines.ForKind(job.Engine)
	if err != nil {
		return r.failJob(ctx, job, archive.FailureEngineError, err)
	}

	result, err := eng.Execute(ctx, r.engineConfig(job))
	duration := r.clock.Now().Sub(started)
	if err != nil {
		metrics.ObserveCrawl(job.TargetID, string(job.Engine), "failed", 0, duration)
		return r.failJob(ctx, job, engine.FailureOf(err), err)
	}

	// The previous snapshot must be resolved before the new one lands,
	// or the comparison would be against the crawl we just finished.
	prev, err := r.snapshots.LatestSnapshot(ctx, job.TargetID)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		return r.failJob(ctx, job, archive.FailureEngineError,
			fmt.Errorf("load previous snapshot: %w", err))
	}

	snap, err := r.buildSnapshot(ctx, job, started, result)
	if err != nil {
		return r.failJob(ctx, job, archive.FailureEngineError, err)
	}
	if err := r.snapshots.CreateSnapshot(ctx, snap); err != nil {
		return r.failJob(ctx, job, archive.FailureEngineError,
			fmt.Errorf("persist snapshot: %w", err))
	}

	// Index failures leave the snapshot unindexed for BatchIndex to
	// retry later; the crawl itself succeeded.
	if _, err := r.indexer.IndexSnapshot(ctx, snap); err != nil {
		r.log.Warn("snapshot indexing failed, left for batch retry",
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
	}

	if hasPrev {
		if err := r.compareSnapshots(ctx, prev, snap); err != nil {
			r.log.Warn("change detection failed",
				zap.String("target_id", job.TargetID),
				zap.String("old_snapshot", prev.ID),
				zap.String("new_snapshot", snap.ID),
				zap.Error(err))
		}
	}

	completed := r.clock.Now()
	job.Status = archive.JobStatusCompleted
	job.SnapshotID = snap.ID
	if len(snap.ContainerPaths) > 0 {
		job.ContainerPath = snap.ContainerPaths[0]
	}
	job.CompletedAt = &completed
	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s completed: %w", job.ID, err)
	}

	metrics.ObserveJob(string(archive.JobStatusCompleted))
	metrics.ObserveCrawl(job.TargetID, string(job.Engine), "completed", result.BytesDownloaded, duration)
	if result.JSHeavyPages > 0 && job.Engine == archive.EngineSimple {
		r.log.Info("target looks client-rendered, consider a rendering engine",
			zap.String("target_id", job.TargetID),
			zap.Int("js_heavy_pages", result.JSHeavyPages))
	}
	r.log.Info("crawl job completed",
		zap.String("job_id", job.ID),
		zap.String("target_id", job.TargetID),
		zap.String("snapshot_id", snap.ID),
		zap.Int("pages", result.PagesCrawled),
		zap.Int64("bytes", result.BytesDownloaded),
		zap.Duration("duration", duration))
	return nil
}

func (r *Runner) failJob(ctx context.Context, job archive.CrawlJob, reason archive.FailureReason, cause error) error {
	completed := r.clock.Now()
	job.Status = archive.JobStatusFailed
	job.FailureReason = reason
	job.ErrorText = cause.Error()
	job.CompletedAt = &completed

	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		r.log.Error("failed to mark job failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	metrics.ObserveJob(string(archive.JobStatusFailed))
	r.log.Error("crawl job failed",
		zap.String("job_id", job.ID),
		zap.String("target_id", job.TargetID),
		zap.String("reason", string(reason)),
		zap.Error(cause))
	return fmt.Errorf("job %s failed (%s): %w", job.ID, reason, cause)
}

// engineConfig maps a job onto the engine's crawl configuration,
// folding in the service-level politeness settings. Only the
// browsertrix and headless engines render JavaScript.
func (r *Runner) engineConfig(job archive.CrawlJob) engine.Config {
	return engine.Config{
		TargetCode:       job.TargetID,
		SeedURL:          job.SeedURL,
		Scope:            r.defaults.Scope,
		MaxDepth:         job.Limits.MaxDepth,
		MaxPages:         job.Limits.MaxPages,
		Delay:            r.defaults.Delay,
		Timeout:          job.Limits.Timeout,
		UserAgent:        r.defaults.UserAgent,
		RenderJavaScript: job.Engine != archive.EngineSimple,
	}
}

// buildSnapshot assembles the snapshot record for a finished crawl. The
// content hash covers the captured page bodies, so an unchanged site
// produces the same hash on every crawl regardless of capture time.
func (r *Runner) buildSnapshot(ctx context.Context, job archive.CrawlJob, at time.Time, result engine.Result) (archive.WebsiteSnapshot, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return archive.WebsiteSnapshot{}, fmt.Errorf("generate snapshot id: %w", err)
	}

	keys := make([]string, 0, len(result.Containers))
	for _, c := range result.Containers {
		keys = append(keys, c.Key)
	}

	snap := archive.WebsiteSnapshot{
		ID:             id,
		TargetID:       job.TargetID,
		SeedURL:        job.SeedURL,
		Timestamp:      at,
		PageURLs:       result.PageURLs,
		ResourceURLs:   result.ResourceURLs,
		PagesArchived:  result.PagesCrawled,
		BytesArchived:  result.BytesDownloaded,
		ContainerPaths: keys,
	}

	material, err := r.snapshotMaterial(ctx, snap)
	if err != nil {
		return archive.WebsiteSnapshot{}, fmt.Errorf("extract snapshot content: %w", err)
	}
	snap.ContentHash = material.ContentHash
	return snap, nil
}

// compareSnapshots runs change detection between two stored snapshots
// and persists the outcome for the reanalysis pipeline.
func (r *Runner) compareSnapshots(ctx context.Context, prev, next archive.WebsiteSnapshot) error {
	oldMat, err := r.snapshotMaterial(ctx, prev)
	if err != nil {
		return fmt.Errorf("load previous snapshot content: %w", err)
	}
	newMat, err := r.snapshotMaterial(ctx, next)
	if err != nil {
		return fmt.Errorf("load new snapshot content: %w", err)
	}

	m := r.detector.DetectChanges(oldMat, newMat)

	id, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate change id: %w", err)
	}
	change := archive.ChangeRecord{
		ID:                 id,
		TargetID:           next.TargetID,
		OldSnapshotID:      prev.ID,
		NewSnapshotID:      next.ID,
		ChangeScore:        m.ChangeScore,
		ChangeType:         m.ChangeType,
		IsSignificant:      m.IsSignificant,
		RequiresReanalysis: m.RequiresReanalysis,
		ComparedAt:         r.clock.Now(),
	}
	if err := r.changes.CreateChange(ctx, change); err != nil {
		return fmt.Errorf("persist change record: %w", err)
	}

	metrics.ObserveChange(string(m.ChangeType))
	r.log.Info("snapshots compared",
		zap.String("target_id", next.TargetID),
		zap.Float64("change_score", m.ChangeScore),
		zap.String("change_type", string(m.ChangeType)),
		zap.Bool("requires_reanalysis", m.RequiresReanalysis))
	return nil
}

// snapshotMaterial reads a snapshot's containers back and extracts the
// comparison material: concatenated page markup, its visible text, and
// a content hash over the page bodies.
func (r *Runner) snapshotMaterial(ctx context.Context, snap archive.WebsiteSnapshot) (diff.Snapshot, error) {
	var htmlParts []string
	for _, key := range snap.ContainerPaths {
		parts, err := r.pageBodies(ctx, key)
		if err != nil {
			return diff.Snapshot{}, err
		}
		htmlParts = append(htmlParts, parts...)
	}

	combined := strings.Join(htmlParts, "\n")
	hash, err := r.hasher.Hash([]byte(combined))
	if err != nil {
		return diff.Snapshot{}, fmt.Errorf("hash snapshot content: %w", err)
	}

	return diff.Snapshot{
		ID:          snap.ID,
		ContentHash: hash,
		Content:     visibleText(combined),
		HTML:        combined,
		Resources:   snap.ResourceURLs,
		PageURLs:    snap.PageURLs,
	}, nil
}

// pageBodies returns the HTML response bodies of one container in
// capture order. Records without a parseable HTTP block are skipped the
// same way metadata extraction skips them.
func (r *Runner) pageBodies(ctx context.Context, key string) ([]string, error) {
	rc, err := r.store.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", key, err)
	}
	defer rc.Close()

	wr, err := warc.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("read container %s: %w", key, err)
	}

	var bodies []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := wr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read container %s: %w", key, err)
		}
		if rec.Type != "response" || rec.TargetURI == "" {
			continue
		}
		resp, err := rec.HTTPResponse()
		if err != nil {
			continue
		}
		contentType := resp.Header.Get("Content-Type")
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil || !engine.IsHTML(contentType) {
			continue
		}
		bodies = append(bodies, string(body))
	}
	return bodies, nil
}

// visibleText strips markup for the text-similarity comparison. Parse
// failures fall back to the raw input rather than dropping the signal.
func visibleText(htmlText string) string {
	if htmlText == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return htmlText
	}
	return strings.TrimSpace(doc.Text())
}
