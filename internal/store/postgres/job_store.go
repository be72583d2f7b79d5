package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coinlens/archivist/internal/archive"
)

// JobStore implements archive.JobStore on Postgres. It assumes a table:
//
//	CREATE TABLE crawl_jobs (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL,
//	    seed_url TEXT NOT NULL,
//	    engine TEXT NOT NULL,
//	    max_pages INT NOT NULL,
//	    max_depth INT NOT NULL,
//	    timeout_seconds BIGINT NOT NULL,
//	    status TEXT NOT NULL,
//	    failure_reason TEXT NOT NULL DEFAULT '',
//	    error_text TEXT NOT NULL DEFAULT '',
//	    container_path TEXT NOT NULL DEFAULT '',
//	    snapshot_id TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    started_at TIMESTAMPTZ,
//	    completed_at TIMESTAMPTZ
//	);
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, target_id, seed_url, engine, max_pages, max_depth, timeout_seconds,
	status, failure_reason, error_text, container_path, snapshot_id,
	created_at, started_at, completed_at`

// CreateJob inserts a job unless the target already has an active one.
// The guard and the insert are a single statement so two concurrent
// creates cannot both pass the check.
func (s *JobStore) CreateJob(ctx context.Context, job archive.CrawlJob) error {
	query := `
		INSERT INTO crawl_jobs (` + jobColumns + `)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		WHERE NOT EXISTS (
			SELECT 1 FROM crawl_jobs
			WHERE target_id = $2 AND status IN ('pending','in_progress')
		)`
	tag, err := s.db.Exec(ctx, query,
		job.ID, job.TargetID, job.SeedURL, string(job.Engine),
		job.Limits.MaxPages, job.Limits.MaxDepth, int64(job.Limits.Timeout/time.Second),
		string(job.Status), string(job.FailureReason), job.ErrorText,
		job.ContainerPath, job.SnapshotID,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrDuplicateJob
	}
	return nil
}

// UpdateJob replaces the mutable fields of a job.
func (s *JobStore) UpdateJob(ctx context.Context, job archive.CrawlJob) error {
	query := `
		UPDATE crawl_jobs
		SET status = $2, failure_reason = $3, error_text = $4,
			container_path = $5, snapshot_id = $6,
			started_at = $7, completed_at = $8
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		job.ID, string(job.Status), string(job.FailureReason), job.ErrorText,
		job.ContainerPath, job.SnapshotID, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrNotFound
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (archive.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ActiveJobForTarget returns the pending or in-progress job for a
// target, or archive.ErrNotFound.
func (s *JobStore) ActiveJobForTarget(ctx context.Context, targetID string) (archive.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM crawl_jobs
		WHERE target_id = $1 AND status IN ('pending','in_progress')
		ORDER BY created_at DESC LIMIT 1`, targetID)
	return scanJob(row)
}

// LatestJobForTarget returns the most recently created job for a
// target, or archive.ErrNotFound.
func (s *JobStore) LatestJobForTarget(ctx context.Context, targetID string) (archive.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM crawl_jobs
		WHERE target_id = $1
		ORDER BY created_at DESC LIMIT 1`, targetID)
	return scanJob(row)
}

func scanJob(row pgx.Row) (archive.CrawlJob, error) {
	var (
		job            archive.CrawlJob
		engine         string
		status         string
		failureReason  string
		timeoutSeconds int64
	)
	err := row.Scan(
		&job.ID, &job.TargetID, &job.SeedURL, &engine,
		&job.Limits.MaxPages, &job.Limits.MaxDepth, &timeoutSeconds,
		&status, &failureReason, &job.ErrorText,
		&job.ContainerPath, &job.SnapshotID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.CrawlJob{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.CrawlJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Engine = archive.EngineKind(engine)
	job.Status = archive.JobStatus(status)
	job.FailureReason = archive.FailureReason(failureReason)
	job.Limits.Timeout = time.Duration(timeoutSeconds) * time.Second
	return job, nil
}
