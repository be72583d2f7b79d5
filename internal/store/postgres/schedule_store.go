package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coinlens/archivist/internal/archive"
)

// ScheduleStore implements archive.ScheduleStore on Postgres. It
// assumes a table:
//
//	CREATE TABLE crawl_schedules (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL UNIQUE,
//	    seed_url TEXT NOT NULL,
//	    frequency TEXT NOT NULL,
//	    priority INT NOT NULL DEFAULT 0,
//	    max_pages INT NOT NULL,
//	    max_depth INT NOT NULL,
//	    timeout_seconds BIGINT NOT NULL,
//	    engine TEXT NOT NULL,
//	    enabled BOOLEAN NOT NULL DEFAULT TRUE,
//	    consecutive_failures INT NOT NULL DEFAULT 0,
//	    last_run_at TIMESTAMPTZ,
//	    next_run_at TIMESTAMPTZ,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type ScheduleStore struct {
	db DB
}

// NewScheduleStore constructs a ScheduleStore over an existing pool.
func NewScheduleStore(db DB) (*ScheduleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ScheduleStore{db: db}, nil
}

const scheduleColumns = `id, target_id, seed_url, frequency, priority,
	max_pages, max_depth, timeout_seconds, engine, enabled,
	consecutive_failures, last_run_at, next_run_at, created_at`

// CreateSchedule inserts a schedule. The target's uniqueness is
// enforced by the table constraint.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, sched archive.CrawlSchedule) error {
	query := `
		INSERT INTO crawl_schedules (` + scheduleColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.db.Exec(ctx, query,
		sched.ID, sched.TargetID, sched.SeedURL, string(sched.Frequency), sched.Priority,
		sched.Limits.MaxPages, sched.Limits.MaxDepth, int64(sched.Limits.Timeout/time.Second),
		string(sched.Engine), sched.Enabled, sched.ConsecutiveFailures,
		sched.LastRunAt, sched.NextRunAt, sched.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// UpdateSchedule replaces the mutable fields of a schedule.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sched archive.CrawlSchedule) error {
	query := `
		UPDATE crawl_schedules
		SET frequency = $2, priority = $3, max_pages = $4, max_depth = $5,
			timeout_seconds = $6, engine = $7, enabled = $8,
			consecutive_failures = $9, last_run_at = $10, next_run_at = $11
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		sched.ID, string(sched.Frequency), sched.Priority,
		sched.Limits.MaxPages, sched.Limits.MaxDepth, int64(sched.Limits.Timeout/time.Second),
		string(sched.Engine), sched.Enabled, sched.ConsecutiveFailures,
		sched.LastRunAt, sched.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrNotFound
	}
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *ScheduleStore) GetSchedule(ctx context.Context, id string) (archive.CrawlSchedule, error) {
	row := s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM crawl_schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

// GetScheduleForTarget fetches the schedule attached to a target.
func (s *ScheduleStore) GetScheduleForTarget(ctx context.Context, targetID string) (archive.CrawlSchedule, error) {
	row := s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM crawl_schedules WHERE target_id = $1`, targetID)
	return scanSchedule(row)
}

// ListSchedules returns schedules ordered by ID, optionally only
// enabled ones.
func (s *ScheduleStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]archive.CrawlSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + ` FROM crawl_schedules
		WHERE ($1 = FALSE OR enabled)
		ORDER BY id ASC`
	rows, err := s.db.Query(ctx, query, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []archive.CrawlSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// DeleteSchedule removes a schedule.
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM crawl_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (archive.CrawlSchedule, error) {
	var (
		sched          archive.CrawlSchedule
		frequency      string
		engine         string
		timeoutSeconds int64
	)
	err := row.Scan(
		&sched.ID, &sched.TargetID, &sched.SeedURL, &frequency, &sched.Priority,
		&sched.Limits.MaxPages, &sched.Limits.MaxDepth, &timeoutSeconds,
		&engine, &sched.Enabled, &sched.ConsecutiveFailures,
		&sched.LastRunAt, &sched.NextRunAt, &sched.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.CrawlSchedule{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.CrawlSchedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Frequency = archive.Frequency(frequency)
	sched.Engine = archive.EngineKind(engine)
	sched.Limits.Timeout = time.Duration(timeoutSeconds) * time.Second
	return sched, nil
}
