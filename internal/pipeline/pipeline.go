// Package pipeline is the seam between the archival core and the rest
// of the monitoring system: target discovery hooks in, reanalysis
// signals flow out, and external callers read archival status.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/scheduler"
)

// Rank tiers for default schedule frequency. Top-ranked targets move
// fast and get crawled weekly; the long tail changes rarely and gets
// monthly coverage.
const (
	topRankCutoff = 100
	midRankCutoff = 1000

	priorityTop  = 8
	priorityMid  = 5
	priorityTail = 3

	defaultMaxPages = 50
	defaultMaxDepth = 2
)

// Config tunes the pipeline seam.
type Config struct {
	// ReanalysisTopic is the pub/sub topic reanalysis signals publish to.
	ReanalysisTopic string `mapstructure:"reanalysis_topic" yaml:"reanalysis_topic"`
}

// ReanalysisSignal is the message published per change needing
// downstream reanalysis. It carries identifiers only; the analysis
// itself lives outside this system.
type ReanalysisSignal struct {
	TargetID    string             `json:"target_id"`
	ChangeID    string             `json:"change_id"`
	ChangeScore float64            `json:"change_score"`
	ChangeType  archive.ChangeType `json:"change_type"`
}

// Pipeline wires discovery, change hand-off and status reads.
type Pipeline struct {
	scheduler *scheduler.Scheduler
	schedules archive.ScheduleStore
	jobs      archive.JobStore
	snapshots archive.SnapshotStore
	changes   archive.ChangeStore
	publisher archive.Publisher
	clock     archive.Clock
	cfg       Config
	log       *zap.Logger
}

// New builds a Pipeline.
func New(
	sched *scheduler.Scheduler,
	schedules archive.ScheduleStore,
	jobs archive.JobStore,
	snapshots archive.SnapshotStore,
	changes archive.ChangeStore,
	publisher archive.Publisher,
	clock archive.Clock,
	cfg Config,
	log *zap.Logger,
) (*Pipeline, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if schedules == nil || jobs == nil || snapshots == nil || changes == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.ReanalysisTopic == "" {
		cfg.ReanalysisTopic = "archivist-reanalysis"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		scheduler: sched,
		schedules: schedules,
		jobs:      jobs,
		snapshots: snapshots,
		changes:   changes,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		log:       log,
	}, nil
}

// FrequencyForRank maps a target's importance rank onto a default crawl
// frequency. Non-positive ranks are treated as unranked long tail.
func FrequencyForRank(rank int) archive.Frequency {
	switch {
	case rank > 0 && rank <= topRankCutoff:
		return archive.FrequencyWeekly
	case rank > 0 && rank <= midRankCutoff:
		return archive.FrequencyBiweekly
	default:
		return archive.FrequencyMonthly
	}
}

func priorityForRank(rank int) int {
	switch {
	case rank > 0 && rank <= topRankCutoff:
		return priorityTop
	case rank > 0 && rank <= midRankCutoff:
		return priorityMid
	default:
		return priorityTail
	}
}

// OnTargetDiscovered provisions a newly discovered target: an immediate
// high-priority crawl plus a recurring schedule whose frequency follows
// the target's rank. Calling it again for a known target is a no-op.
func (p *Pipeline) OnTargetDiscovered(ctx context.Context, targetID, seedURL string, rank int) (archive.CrawlJob, error) {
	if targetID == "" || seedURL == "" {
		return archive.CrawlJob{}, fmt.Errorf("target id and seed url are required")
	}

	if _, err := p.schedules.GetScheduleForTarget(ctx, targetID); err == nil {
		p.log.Debug("target already provisioned", zap.String("target_id", targetID))
		return archive.CrawlJob{}, nil
	} else if !errors.Is(err, archive.ErrNotFound) {
		return archive.CrawlJob{}, fmt.Errorf("check existing schedule: %w", err)
	}

	limits := archive.CrawlLimits{MaxPages: defaultMaxPages, MaxDepth: defaultMaxDepth}
	if _, err := p.scheduler.AddSchedule(ctx, archive.CrawlSchedule{
		TargetID:  targetID,
		SeedURL:   seedURL,
		Frequency: FrequencyForRank(rank),
		Priority:  priorityForRank(rank),
		Limits:    limits,
		Engine:    archive.EngineSimple,
		Enabled:   true,
	}); err != nil {
		return archive.CrawlJob{}, fmt.Errorf("create default schedule: %w", err)
	}

	job, err := p.scheduler.TriggerManualCrawl(ctx, targetID, seedURL, archive.EngineSimple, limits)
	if err != nil {
		if errors.Is(err, archive.ErrDuplicateJob) {
			p.log.Debug("initial crawl already queued", zap.String("target_id", targetID))
			return archive.CrawlJob{}, nil
		}
		return archive.CrawlJob{}, fmt.Errorf("trigger initial crawl: %w", err)
	}

	p.log.Info("target provisioned for archival",
		zap.String("target_id", targetID),
		zap.Int("rank", rank),
		zap.String("frequency", string(FrequencyForRank(rank))),
		zap.String("job_id", job.ID))
	return job, nil
}

// CheckForChangesAndReanalyze hands pending significant changes off to
// the analysis subsystem. Each change is marked triggered before its
// signal is published, so the same detected change is never emitted
// twice; a publish failure after marking loses the signal rather than
// risking a duplicate. Returns the distinct target IDs signalled.
func (p *Pipeline) CheckForChangesAndReanalyze(ctx context.Context, threshold float64) ([]string, error) {
	pending, err := p.changes.PendingReanalysis(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("list pending reanalysis: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	p.log.Info("changes pending reanalysis", zap.Int("count", len(pending)))

	var targets []string
	seen := make(map[string]bool)
	for _, change := range pending {
		if err := p.changes.MarkReanalysisTriggered(ctx, change.ID, p.clock.Now()); err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				// Another checker claimed this change first.
				continue
			}
			return targets, fmt.Errorf("mark change %s triggered: %w", change.ID, err)
		}

		signal := ReanalysisSignal{
			TargetID:    change.TargetID,
			ChangeID:    change.ID,
			ChangeScore: change.ChangeScore,
			ChangeType:  change.ChangeType,
		}
		if _, err := p.publisher.Publish(ctx, p.cfg.ReanalysisTopic, signal); err != nil {
			p.log.Error("reanalysis signal lost",
				zap.String("target_id", change.TargetID),
				zap.String("change_id", change.ID),
				zap.Error(err))
			continue
		}

		if !seen[change.TargetID] {
			seen[change.TargetID] = true
			targets = append(targets, change.TargetID)
		}
		p.log.Info("reanalysis signalled",
			zap.String("target_id", change.TargetID),
			zap.Float64("change_score", change.ChangeScore),
			zap.String("change_type", string(change.ChangeType)))
	}
	return targets, nil
}

// GetArchivalStatus summarizes a target's archival state for external
// callers. Missing pieces (no snapshots yet, no schedule) leave their
// fields zero rather than erroring.
func (p *Pipeline) GetArchivalStatus(ctx context.Context, targetID string) (archive.ArchivalStatus, error) {
	if targetID == "" {
		return archive.ArchivalStatus{}, fmt.Errorf("target id is required")
	}
	status := archive.ArchivalStatus{TargetID: targetID}

	snaps, err := p.snapshots.ListSnapshots(ctx, targetID)
	if err != nil {
		return status, fmt.Errorf("list snapshots: %w", err)
	}
	status.SnapshotCount = len(snaps)

	if latest, err := p.snapshots.LatestSnapshot(ctx, targetID); err == nil {
		ts := latest.Timestamp
		status.LatestSnapshotAt = &ts
		status.LatestVersion = latest.Version
		status.LatestPageCount = latest.PagesArchived
		status.LatestContentHash = latest.ContentHash
	} else if !errors.Is(err, archive.ErrNotFound) {
		return status, fmt.Errorf("load latest snapshot: %w", err)
	}

	if job, err := p.jobs.LatestJobForTarget(ctx, targetID); err == nil {
		status.LatestJobStatus = job.Status
		status.LatestJobError = job.ErrorText
	} else if !errors.Is(err, archive.ErrNotFound) {
		return status, fmt.Errorf("load latest job: %w", err)
	}

	if sched, err := p.schedules.GetScheduleForTarget(ctx, targetID); err == nil {
		status.ScheduleFrequency = sched.Frequency
		status.ScheduleEnabled = sched.Enabled
	} else if !errors.Is(err, archive.ErrNotFound) {
		return status, fmt.Errorf("load schedule: %w", err)
	}

	return status, nil
}
