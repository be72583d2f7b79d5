package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/cdx"
	"github.com/coinlens/archivist/internal/diff"
	"github.com/coinlens/archivist/internal/engine"
	"github.com/coinlens/archivist/internal/hash/sha256"
	"github.com/coinlens/archivist/internal/metrics"
	"github.com/coinlens/archivist/internal/queue"
	queuememory "github.com/coinlens/archivist/internal/queue/memory"
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

// stubEngine writes a real container through the storage manager so the
// runner's read-back paths (indexing, diff material) exercise the full
// pipeline.
type stubEngine struct {
	mgr   *storage.Manager
	clock archive.Clock
	pages map[string]string
	err   error

	calls   int
	lastCfg engine.Config
}

func (e *stubEngine) Execute(ctx context.Context, cfg engine.Config) (engine.Result, error) {
	e.calls++
	e.lastCfg = cfg
	if e.err != nil {
		return engine.Result{}, e.err
	}

	cw, err := e.mgr.OpenWriter(cfg.TargetCode, e.clock.Now(), 1)
	if err != nil {
		return engine.Result{}, err
	}

	var res engine.Result
	header := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	for url, body := range e.pages {
		if _, err := cw.AppendResponse(url, http.StatusOK, header, []byte(body), e.clock.Now()); err != nil {
			return engine.Result{}, err
		}
		res.PagesCrawled++
		res.BytesDownloaded += int64(len(body))
		res.PageURLs = append(res.PageURLs, url)
	}

	meta, err := cw.Close(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	res.Containers = []storage.ContainerMetadata{meta}
	return res, nil
}

type testHarness struct {
	scheduler *Scheduler
	runner    *Runner
	engine    *stubEngine
	jobs      *storememory.JobStore
	snapshots *storememory.SnapshotStore
	schedules *storememory.ScheduleStore
	changes   *storememory.ChangeStore
	cdxStore  *storememory.CDXStore
	queue     queue.Queue
	clock     *fixedClock
	mgr       *storage.Manager
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	metrics.Init()

	mgr, err := storage.NewManager(storagememory.NewBlobStore(), sha256.New(), storage.ManagerConfig{Compress: true}, zap.NewNop())
	require.NoError(t, err)

	clock := &fixedClock{now: time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)}
	jobs := storememory.NewJobStore()
	snapshots := storememory.NewSnapshotStore()
	schedules := storememory.NewScheduleStore()
	changes := storememory.NewChangeStore()
	cdxStore := storememory.NewCDXStore()

	indexer, err := cdx.NewIndexer(cdxStore, snapshots, mgr, zap.NewNop())
	require.NoError(t, err)

	eng := &stubEngine{
		mgr:   mgr,
		clock: clock,
		pages: map[string]string{
			"https://example.com/": "<html><body><h1>Example</h1><p>hello world</p></body></html>",
		},
	}
	runner, err := NewRunner(
		jobs, snapshots, changes,
		EngineSet{Simple: eng, Headless: eng, Browsertrix: eng},
		indexer,
		diff.NewDetector(diff.Config{}, zap.NewNop()),
		mgr, sha256.New(), clock, &seqIDs{}, zap.NewNop(),
	)
	require.NoError(t, err)

	jobQueue := queuememory.NewQueue(8)
	sched, err := New(cfg, jobQueue, runner, schedules, jobs, clock, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	return &testHarness{
		scheduler: sched,
		runner:    runner,
		engine:    eng,
		jobs:      jobs,
		snapshots: snapshots,
		schedules: schedules,
		changes:   changes,
		cdxStore:  cdxStore,
		queue:     jobQueue,
		clock:     clock,
		mgr:       mgr,
	}
}

func (h *testHarness) addSchedule(t *testing.T, enabled bool) archive.CrawlSchedule {
	t.Helper()
	sched, err := h.scheduler.AddSchedule(context.Background(), archive.CrawlSchedule{
		TargetID:  "tok-alpha",
		SeedURL:   "https://example.com/",
		Frequency: archive.FrequencyWeekly,
		Engine:    archive.EngineSimple,
		Enabled:   enabled,
	})
	require.NoError(t, err)
	return sched
}

// drain runs every queued job through the runner, returning the run
// errors in dequeue order.
func (h *testHarness) drain(t *testing.T) []error {
	t.Helper()
	var errs []error
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		item, err := h.queue.Dequeue(ctx)
		cancel()
		if err != nil {
			return errs
		}
		runErr := h.runner.RunJob(context.Background(), item.JobID)
		h.scheduler.recordRunOutcome(context.Background(), item.TargetID, runErr)
		errs = append(errs, runErr)
	}
}

func TestExecuteDueScheduleRunsCrawlPipeline(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	job, err := h.jobs.LatestJobForTarget(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusCompleted, job.Status)
	assert.NotEmpty(t, job.SnapshotID)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	snap, err := h.snapshots.LatestSnapshot(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 1, snap.PagesArchived)
	assert.True(t, snap.IndexGenerated)
	assert.NotEmpty(t, snap.ContentHash)

	urls, err := h.cdxStore.ListURLs(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, urls)

	updated, err := h.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.ConsecutiveFailures)
	require.NotNil(t, updated.LastRunAt)
	assert.Equal(t, h.clock.now, *updated.LastRunAt)
}

func TestExecuteDueScheduleDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, false)

	err := h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID)
	require.ErrorIs(t, err, archive.ErrScheduleDisabled)
}

func TestExecuteDueScheduleDuplicateJobGuard(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	// The first job is still pending, so a second firing must not
	// create another one.
	err := h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID)
	require.ErrorIs(t, err, archive.ErrDuplicateJob)

	errs := h.drain(t)
	require.Len(t, errs, 1)
}

func TestSecondCrawlRecordsChange(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	h.drain(t)

	h.engine.pages = map[string]string{
		"https://example.com/": "<html><body><h1>Example</h1><p>entirely new launch announcement with much more text than before</p></body></html>",
	}
	h.clock.now = h.clock.now.Add(7 * 24 * time.Hour)
	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	snap, err := h.snapshots.LatestSnapshot(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)

	pending, err := h.changes.PendingReanalysis(context.Background(), 0)
	require.NoError(t, err)
	if assert.Len(t, pending, 1) {
		assert.Equal(t, "tok-alpha", pending[0].TargetID)
		assert.Greater(t, pending[0].ChangeScore, 0.0)
		assert.NotEqual(t, archive.ChangeNone, pending[0].ChangeType)
	}
}

func TestUnchangedSiteRecordsNoChangeType(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	h.drain(t)

	h.clock.now = h.clock.now.Add(7 * 24 * time.Hour)
	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	// Same content, so the hash short-circuit fires and nothing is
	// flagged for reanalysis.
	pending, err := h.changes.PendingReanalysis(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailedCrawlMarksJobAndCountsFailure(t *testing.T) {
	h := newHarness(t, Config{AutoDisableAfter: 5})
	sched := h.addSchedule(t, true)
	h.engine.err = &engine.CrawlError{Reason: archive.FailureTimeout, Err: errors.New("deadline exceeded")}

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.Error(t, errs[0])

	job, err := h.jobs.LatestJobForTarget(context.Background(), "tok-alpha")
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusFailed, job.Status)
	assert.Equal(t, archive.FailureTimeout, job.FailureReason)
	assert.NotEmpty(t, job.ErrorText)

	updated, err := h.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.Nil(t, updated.LastRunAt)
	assert.True(t, updated.Enabled)
}

func TestScheduleAutoDisablesAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, Config{AutoDisableAfter: 2})
	sched := h.addSchedule(t, true)
	h.engine.err = errors.New("engine exploded")

	for i := 0; i < 2; i++ {
		require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
		errs := h.drain(t)
		require.Len(t, errs, 1)
		require.Error(t, errs[0])
	}

	updated, err := h.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 2, updated.ConsecutiveFailures)

	err = h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID)
	require.ErrorIs(t, err, archive.ErrScheduleDisabled)
}

func TestTriggerManualCrawl(t *testing.T) {
	h := newHarness(t, Config{})

	job, err := h.scheduler.TriggerManualCrawl(context.Background(), "tok-beta", "https://beta.example.com/", archive.EngineSimple, archive.CrawlLimits{MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusPending, job.Status)

	// No schedule exists for the target, so bookkeeping is a no-op and
	// the run itself still completes.
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	stored, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusCompleted, stored.Status)
}

func TestTriggerManualCrawlValidation(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.scheduler.TriggerManualCrawl(context.Background(), "", "https://x.example.com/", archive.EngineSimple, archive.CrawlLimits{})
	require.Error(t, err)

	_, err = h.scheduler.TriggerManualCrawl(context.Background(), "tok-x", "https://x.example.com/", archive.EngineKind("warp"), archive.CrawlLimits{})
	require.Error(t, err)
}

func TestAddScheduleValidation(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.scheduler.AddSchedule(context.Background(), archive.CrawlSchedule{
		TargetID:  "tok-alpha",
		SeedURL:   "https://example.com/",
		Frequency: archive.Frequency("hourly"),
		Engine:    archive.EngineSimple,
	})
	require.Error(t, err)

	_, err = h.scheduler.AddSchedule(context.Background(), archive.CrawlSchedule{
		TargetID:  "tok-alpha",
		SeedURL:   "https://example.com/",
		Frequency: archive.FrequencyDaily,
		Engine:    archive.EngineKind("nope"),
	})
	require.Error(t, err)
}

func TestUpdateFrequency(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.UpdateFrequency(context.Background(), sched.ID, archive.FrequencyMonthly))

	updated, err := h.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.FrequencyMonthly, updated.Frequency)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, h.clock.now.AddDate(0, 1, 0), *updated.NextRunAt)

	require.Error(t, h.scheduler.UpdateFrequency(context.Background(), sched.ID, archive.Frequency("never")))
}

func TestRemoveSchedule(t *testing.T) {
	h := newHarness(t, Config{})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.RemoveSchedule(context.Background(), sched.ID))
	_, err := h.schedules.GetSchedule(context.Background(), sched.ID)
	require.ErrorIs(t, err, archive.ErrNotFound)

	require.Error(t, h.scheduler.RemoveSchedule(context.Background(), sched.ID))
}

// ctxStrictScheduleStore rejects calls once the context is done, the
// way the pgx pool does.
type ctxStrictScheduleStore struct {
	archive.ScheduleStore
}

func (s ctxStrictScheduleStore) GetSchedule(ctx context.Context, scheduleID string) (archive.CrawlSchedule, error) {
	if err := ctx.Err(); err != nil {
		return archive.CrawlSchedule{}, err
	}
	return s.ScheduleStore.GetSchedule(ctx, scheduleID)
}

func TestCronTriggerOutlivesRegistrationContext(t *testing.T) {
	h := newHarness(t, Config{})
	strict := ctxStrictScheduleStore{h.schedules}
	sch, err := New(Config{}, h.queue, h.runner, strict, h.jobs, h.clock, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	sch.mu.Lock()
	sch.runCtx = runCtx
	sch.mu.Unlock()

	// Schedules arrive over HTTP, and the request context dies the
	// moment the handler returns. The trigger fires much later and must
	// not inherit it.
	reqCtx, cancel := context.WithCancel(context.Background())
	created, err := sch.AddSchedule(reqCtx, archive.CrawlSchedule{
		TargetID:  "tok-alpha",
		SeedURL:   "https://example.com/",
		Frequency: archive.FrequencyDaily,
		Engine:    archive.EngineSimple,
		Enabled:   true,
	})
	require.NoError(t, err)
	cancel()

	entries := sch.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()

	job, err := h.jobs.ActiveJobForTarget(context.Background(), created.TargetID)
	require.NoError(t, err)
	assert.Equal(t, archive.JobStatusPending, job.Status)
}

func TestRunnerAppliesCrawlDefaults(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.SetCrawlDefaults(CrawlDefaults{
		Scope:     engine.ScopeDomain,
		Delay:     750 * time.Millisecond,
		UserAgent: "archivist/1.0",
	})
	sched := h.addSchedule(t, true)

	require.NoError(t, h.scheduler.ExecuteDueSchedule(context.Background(), sched.ID))
	errs := h.drain(t)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	assert.Equal(t, engine.ScopeDomain, h.engine.lastCfg.Scope)
	assert.Equal(t, 750*time.Millisecond, h.engine.lastCfg.Delay)
	assert.Equal(t, "archivist/1.0", h.engine.lastCfg.UserAgent)
}
