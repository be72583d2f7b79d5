package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinlens/archivist/internal/archive"
)

// anyArgs builds n wildcard matchers for expectations that do not care
// about individual argument values.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestJobStoreCreateJob(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	job := archive.CrawlJob{
		ID:       "job-1",
		TargetID: "target-a",
		SeedURL:  "https://example.com/",
		Engine:   archive.EngineSimple,
		Limits:   archive.CrawlLimits{MaxPages: 100, MaxDepth: 3, Timeout: time.Hour},
		Status:   archive.JobStatusPending,
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			job.ID, job.TargetID, job.SeedURL, "simple",
			100, 3, int64(3600),
			"pending", "", "", "", "",
			job.CreatedAt, job.StartedAt, job.CompletedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateJobDuplicate(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	// Zero rows affected means the active-job guard blocked the insert.
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.CreateJob(context.Background(), archive.CrawlJob{ID: "job-2", TargetID: "target-a"})
	require.ErrorIs(t, err, archive.ErrDuplicateJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetJob(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "target_id", "seed_url", "engine", "max_pages", "max_depth", "timeout_seconds",
		"status", "failure_reason", "error_text", "container_path", "snapshot_id",
		"created_at", "started_at", "completed_at",
	}).AddRow(
		"job-1", "target-a", "https://example.com/", "browsertrix", 50, 2, int64(1800),
		"completed", "", "", "2026/03/01/example_20260301_100000_001.warc.gz", "snap-1",
		created, (*time.Time)(nil), (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, archive.EngineBrowsertrix, job.Engine)
	assert.Equal(t, archive.JobStatusCompleted, job.Status)
	assert.Equal(t, 30*time.Minute, job.Limits.Timeout)
	assert.Equal(t, "snap-1", job.SnapshotID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreActiveJobNotFound(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs").
		WithArgs("target-a").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.ActiveJobForTarget(context.Background(), "target-a")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreMarkIndexGenerated(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewSnapshotStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE snapshots SET index_generated").
		WithArgs("snap-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkIndexGenerated(context.Background(), "snap-1"))

	mock.ExpectExec("UPDATE snapshots SET index_generated").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.MarkIndexGenerated(context.Background(), "missing"), archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreUnindexedLimit(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewSnapshotStore(mock)
	require.NoError(t, err)

	cols := []string{
		"id", "target_id", "seed_url", "captured_at", "version", "content_hash",
		"page_urls", "resource_urls", "pages_archived", "bytes_archived",
		"container_paths", "index_generated",
	}
	captured := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM snapshots\\s+WHERE NOT index_generated(.+)LIMIT").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"snap-1", "target-a", "https://example.com/", captured, 1, "abc",
			[]string{"https://example.com/"}, []string{}, 1, int64(1024),
			[]string{"2026/02/10/example_20260210_000000_001.warc.gz"}, false,
		))

	snaps, err := store.UnindexedSnapshots(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap-1", snaps[0].ID)
	assert.Equal(t, []string{"https://example.com/"}, snaps[0].PageURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCDXStoreStoreBatchTransactional(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewCDXStore(mock)
	require.NoError(t, err)

	records := []archive.CDXRecord{
		{URLKey: "com,example)/", Timestamp: "20260301100000", OriginalURL: "https://example.com/", MIMEType: "text/html", StatusCode: 200, Digest: "d1", ContainerName: "c.warc.gz", Offset: 0, Length: 100, SnapshotID: "s1"},
		{URLKey: "com,example)/about", Timestamp: "20260301100001", OriginalURL: "https://example.com/about", MIMEType: "text/html", StatusCode: 200, Digest: "d2", ContainerName: "c.warc.gz", Offset: 100, Length: 80, SnapshotID: "s1"},
	}

	mock.ExpectBegin()
	for _, rec := range records {
		mock.ExpectExec("INSERT INTO cdx_records").
			WithArgs(
				rec.URLKey, rec.Timestamp, rec.OriginalURL, rec.MIMEType,
				rec.StatusCode, rec.Digest, rec.RedirectURL,
				rec.ContainerName, rec.Offset, rec.Length, rec.SnapshotID,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.StoreBatch(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCDXStoreStoreBatchRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewCDXStore(mock)
	require.NoError(t, err)

	records := []archive.CDXRecord{
		{URLKey: "com,example)/", Timestamp: "20260301100000"},
		{URLKey: "com,example)/about", Timestamp: "20260301100001"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cdx_records").
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO cdx_records").
		WithArgs(anyArgs(11)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.StoreBatch(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCDXStoreLookup(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewCDXStore(mock)
	require.NoError(t, err)

	cols := []string{
		"url_key", "ts", "original_url", "mime_type", "status_code", "digest",
		"redirect_url", "container_name", "byte_offset", "byte_length", "snapshot_id",
	}
	mock.ExpectQuery("SELECT (.+) FROM cdx_records").
		WithArgs("com,example)/", "").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("com,example)/", "20260301100001", "https://example.com/", "text/html", 200, "d2", "", "c2.warc.gz", int64(0), int64(90), "s2").
			AddRow("com,example)/", "20260301100000", "https://example.com/", "text/html", 200, "d1", "", "c1.warc.gz", int64(0), int64(100), "s1"))

	hits, err := store.Lookup(context.Background(), "com,example)/", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "20260301100001", hits[0].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleStoreDeleteNotFound(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewScheduleStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM crawl_schedules").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteSchedule(context.Background(), "missing"), archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleStoreRoundTrip(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewScheduleStore(mock)
	require.NoError(t, err)

	created := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	next := created.AddDate(0, 0, 7)
	cols := []string{
		"id", "target_id", "seed_url", "frequency", "priority",
		"max_pages", "max_depth", "timeout_seconds", "engine", "enabled",
		"consecutive_failures", "last_run_at", "next_run_at", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM crawl_schedules WHERE target_id").
		WithArgs("target-a").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"sched-1", "target-a", "https://example.com/", "weekly", 10,
			200, 3, int64(3600), "browsertrix", true,
			0, (*time.Time)(nil), &next, created,
		))

	sched, err := store.GetScheduleForTarget(context.Background(), "target-a")
	require.NoError(t, err)
	assert.Equal(t, archive.FrequencyWeekly, sched.Frequency)
	assert.Equal(t, archive.EngineBrowsertrix, sched.Engine)
	assert.Equal(t, time.Hour, sched.Limits.Timeout)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Equal(next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeStoreMarkTriggeredOnce(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewChangeStore(mock)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE change_records").
		WithArgs("change-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkReanalysisTriggered(context.Background(), "change-1", at))

	// Second mark matches zero rows because the stamp is already set.
	mock.ExpectExec("UPDATE change_records").
		WithArgs("change-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.MarkReanalysisTriggered(context.Background(), "change-1", at), archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeStorePendingReanalysis(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store, err := NewChangeStore(mock)
	require.NoError(t, err)

	compared := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"id", "target_id", "old_snapshot_id", "new_snapshot_id",
		"change_score", "change_type", "is_significant", "requires_reanalysis",
		"reanalysis_triggered_at", "compared_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM change_records").
		WithArgs(0.5).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"change-1", "target-a", "snap-1", "snap-2",
			0.72, "structure_changed", true, true,
			(*time.Time)(nil), compared,
		))

	pending, err := store.PendingReanalysis(context.Background(), 0.5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, archive.ChangeStructureChanged, pending[0].ChangeType)
	require.NoError(t, mock.ExpectationsWereMet())
}
