package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/cdx"
	"github.com/coinlens/archivist/internal/diff"
	"github.com/coinlens/archivist/internal/hash/sha256"
	"github.com/coinlens/archivist/internal/metrics"
	memorypublisher "github.com/coinlens/archivist/internal/publisher/memory"
	queuememory "github.com/coinlens/archivist/internal/queue/memory"
	"github.com/coinlens/archivist/internal/scheduler"
	storememory "github.com/coinlens/archivist/internal/store/memory"
	"github.com/coinlens/archivist/internal/storage"
	storagememory "github.com/coinlens/archivist/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker unavailable")
}

type harness struct {
	pipeline  *Pipeline
	publisher *memorypublisher.Publisher
	schedules *storememory.ScheduleStore
	jobs      *storememory.JobStore
	snapshots *storememory.SnapshotStore
	changes   *storememory.ChangeStore
	clock     *fixedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	metrics.Init()

	mgr, err := storage.NewManager(storagememory.NewBlobStore(), sha256.New(), storage.ManagerConfig{Compress: true}, zap.NewNop())
	require.NoError(t, err)

	clock := &fixedClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	jobs := storememory.NewJobStore()
	snapshots := storememory.NewSnapshotStore()
	schedules := storememory.NewScheduleStore()
	changes := storememory.NewChangeStore()

	indexer, err := cdx.NewIndexer(storememory.NewCDXStore(), snapshots, mgr, zap.NewNop())
	require.NoError(t, err)

	runner, err := scheduler.NewRunner(
		jobs, snapshots, changes,
		scheduler.EngineSet{},
		indexer,
		diff.NewDetector(diff.Config{}, zap.NewNop()),
		mgr, sha256.New(), clock, &seqIDs{}, zap.NewNop(),
	)
	require.NoError(t, err)

	sched, err := scheduler.New(scheduler.Config{}, queuememory.NewQueue(8), runner, schedules, jobs, clock, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	pub := memorypublisher.New()
	p, err := New(sched, schedules, jobs, snapshots, changes, pub, clock, Config{ReanalysisTopic: "reanalysis"}, zap.NewNop())
	require.NoError(t, err)

	return &harness{
		pipeline:  p,
		publisher: pub,
		schedules: schedules,
		jobs:      jobs,
		snapshots: snapshots,
		changes:   changes,
		clock:     clock,
	}
}

func TestFrequencyForRank(t *testing.T) {
	tests := []struct {
		rank int
		want archive.Frequency
	}{
		{1, archive.FrequencyWeekly},
		{100, archive.FrequencyWeekly},
		{101, archive.FrequencyBiweekly},
		{1000, archive.FrequencyBiweekly},
		{1001, archive.FrequencyMonthly},
		{0, archive.FrequencyMonthly},
		{-5, archive.FrequencyMonthly},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrequencyForRank(tt.rank), "rank %d", tt.rank)
	}
}

func TestOnTargetDiscovered(t *testing.T) {
	h := newHarness(t)

	job, err := h.pipeline.OnTargetDiscovered(context.Background(), "tok-alpha", "https://alpha.example.com/", 42)
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusPending, job.Status)
	assert.Equal(t, archive.EngineSimple, job.Engine)
	assert.Equal(t, 50, job.Limits.MaxPages)
	assert.Equal(t, 2, job.Limits.MaxDepth)

	sched, err := h.schedules.GetScheduleForTarget(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, archive.FrequencyWeekly, sched.Frequency)
	assert.Equal(t, 8, sched.Priority)
	assert.True(t, sched.Enabled)
}

func TestOnTargetDiscoveredIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first, err := h.pipeline.OnTargetDiscovered(context.Background(), "tok-alpha", "https://alpha.example.com/", 500)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := h.pipeline.OnTargetDiscovered(context.Background(), "tok-alpha", "https://alpha.example.com/", 500)
	require.NoError(t, err)
	assert.Empty(t, second.ID)

	latest, err := h.jobs.LatestJobForTarget(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestCheckForChangesAndReanalyze(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	comparedAt := h.clock.now.Add(-time.Hour)
	require.NoError(t, h.changes.CreateChange(ctx, archive.ChangeRecord{
		ID: "chg-1", TargetID: "tok-alpha", OldSnapshotID: "s1", NewSnapshotID: "s2",
		ChangeScore: 0.7, ChangeType: archive.ChangeContentModified,
		IsSignificant: true, RequiresReanalysis: true, ComparedAt: comparedAt,
	}))
	require.NoError(t, h.changes.CreateChange(ctx, archive.ChangeRecord{
		ID: "chg-2", TargetID: "tok-beta", OldSnapshotID: "s3", NewSnapshotID: "s4",
		ChangeScore: 0.2, ChangeType: archive.ChangeContentModified,
		IsSignificant: false, RequiresReanalysis: true, ComparedAt: comparedAt,
	}))

	targets, err := h.pipeline.CheckForChangesAndReanalyze(ctx, 0.3)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-alpha"}, targets)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reanalysis", msgs[0].Topic)

	// The same change never signals twice.
	targets, err = h.pipeline.CheckForChangesAndReanalyze(ctx, 0.3)
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestCheckForChangesDeduplicatesTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.changes.CreateChange(ctx, archive.ChangeRecord{
			ID: fmt.Sprintf("chg-%d", i), TargetID: "tok-alpha",
			OldSnapshotID: "s1", NewSnapshotID: "s2",
			ChangeScore: 0.9, ChangeType: archive.ChangeMajorRedesign,
			IsSignificant: true, RequiresReanalysis: true,
			ComparedAt: h.clock.now.Add(time.Duration(i) * time.Minute),
		}))
	}

	targets, err := h.pipeline.CheckForChangesAndReanalyze(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-alpha"}, targets)
	assert.Len(t, h.publisher.Messages(), 2)
}

func TestCheckForChangesPublishFailureDoesNotRetrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := New(h.pipeline.scheduler, h.schedules, h.jobs, h.snapshots, h.changes,
		failingPublisher{}, h.clock, Config{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.changes.CreateChange(ctx, archive.ChangeRecord{
		ID: "chg-1", TargetID: "tok-alpha", OldSnapshotID: "s1", NewSnapshotID: "s2",
		ChangeScore: 0.8, ChangeType: archive.ChangeMajorRedesign,
		IsSignificant: true, RequiresReanalysis: true, ComparedAt: h.clock.now,
	}))

	targets, err := p.CheckForChangesAndReanalyze(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, targets)

	// The change was claimed before the publish failed; it must not be
	// offered again.
	pending, err := h.changes.PendingReanalysis(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetArchivalStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Empty state: all zero values, no error.
	status, err := h.pipeline.GetArchivalStatus(ctx, "tok-alpha")
	require.NoError(t, err)
	assert.Zero(t, status.SnapshotCount)
	assert.Nil(t, status.LatestSnapshotAt)

	ts := h.clock.now.Add(-2 * time.Hour)
	require.NoError(t, h.snapshots.CreateSnapshot(ctx, archive.WebsiteSnapshot{
		ID: "snap-1", TargetID: "tok-alpha", SeedURL: "https://alpha.example.com/",
		Timestamp: ts, ContentHash: "sha256:abc", PagesArchived: 12,
	}))
	require.NoError(t, h.jobs.CreateJob(ctx, archive.CrawlJob{
		ID: "job-1", TargetID: "tok-alpha", SeedURL: "https://alpha.example.com/",
		Engine: archive.EngineSimple, Status: archive.JobStatusCompleted,
		CreatedAt: ts,
	}))
	require.NoError(t, h.schedules.CreateSchedule(ctx, archive.CrawlSchedule{
		ID: "sched-1", TargetID: "tok-alpha", SeedURL: "https://alpha.example.com/",
		Frequency: archive.FrequencyWeekly, Engine: archive.EngineSimple,
		Enabled: true, CreatedAt: ts,
	}))

	status, err = h.pipeline.GetArchivalStatus(ctx, "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, status.SnapshotCount)
	require.NotNil(t, status.LatestSnapshotAt)
	assert.Equal(t, ts, *status.LatestSnapshotAt)
	assert.Equal(t, 1, status.LatestVersion)
	assert.Equal(t, 12, status.LatestPageCount)
	assert.Equal(t, "sha256:abc", status.LatestContentHash)
	assert.Equal(t, archive.JobStatusCompleted, status.LatestJobStatus)
	assert.Equal(t, archive.FrequencyWeekly, status.ScheduleFrequency)
	assert.True(t, status.ScheduleEnabled)

	_, err = h.pipeline.GetArchivalStatus(ctx, "")
	require.Error(t, err)
}
