package archive

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for policy violations. These are rejected before any
// work begins and are distinguishable from execution failures.
var (
	// ErrDuplicateJob is returned when a target already has a pending or
	// in-progress job.
	ErrDuplicateJob = errors.New("target already has an active crawl job")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("record not found")
	// ErrScheduleDisabled is returned when executing a schedule that was
	// disabled between trigger registration and firing.
	ErrScheduleDisabled = errors.New("schedule is disabled")
)

// JobStore persists crawl jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, id string) (CrawlJob, error)
	// ActiveJobForTarget returns the pending or in-progress job for a
	// target, or ErrNotFound when none exists.
	ActiveJobForTarget(ctx context.Context, targetID string) (CrawlJob, error)
	// LatestJobForTarget returns the most recently created job for a
	// target, or ErrNotFound.
	LatestJobForTarget(ctx context.Context, targetID string) (CrawlJob, error)
}

// SnapshotStore persists website snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap WebsiteSnapshot) error
	GetSnapshot(ctx context.Context, id string) (WebsiteSnapshot, error)
	// LatestSnapshot returns the highest-version snapshot for a target,
	// or ErrNotFound.
	LatestSnapshot(ctx context.Context, targetID string) (WebsiteSnapshot, error)
	ListSnapshots(ctx context.Context, targetID string) ([]WebsiteSnapshot, error)
	// UnindexedSnapshots returns snapshots without a generated index,
	// oldest first. A non-positive limit means no limit.
	UnindexedSnapshots(ctx context.Context, limit int) ([]WebsiteSnapshot, error)
	MarkIndexGenerated(ctx context.Context, id string) error
}

// CDXStore persists index records. StoreBatch is transactional: either
// every record for a container lands or none do.
type CDXStore interface {
	StoreBatch(ctx context.Context, records []CDXRecord) error
	// Lookup returns records matching a canonical URL key, newest first,
	// optionally filtered by snapshot.
	Lookup(ctx context.Context, urlKey string, snapshotID string) ([]CDXRecord, error)
	ListURLs(ctx context.Context, snapshotID string) ([]string, error)
}

// ScheduleStore persists crawl schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s CrawlSchedule) error
	UpdateSchedule(ctx context.Context, s CrawlSchedule) error
	GetSchedule(ctx context.Context, id string) (CrawlSchedule, error)
	GetScheduleForTarget(ctx context.Context, targetID string) (CrawlSchedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]CrawlSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// ChangeStore persists snapshot comparison outcomes.
type ChangeStore interface {
	CreateChange(ctx context.Context, c ChangeRecord) error
	// PendingReanalysis returns changes flagged requires_reanalysis that
	// have not yet been marked triggered.
	PendingReanalysis(ctx context.Context, minScore float64) ([]ChangeRecord, error)
	MarkReanalysisTriggered(ctx context.Context, id string, at time.Time) error
}

// Publisher pushes downstream signals (target IDs needing reanalysis).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content addressing and change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
