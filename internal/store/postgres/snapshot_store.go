package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coinlens/archivist/internal/archive"
)

// SnapshotStore implements archive.SnapshotStore on Postgres. It
// assumes a table:
//
//	CREATE TABLE snapshots (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL,
//	    seed_url TEXT NOT NULL,
//	    captured_at TIMESTAMPTZ NOT NULL,
//	    version INT NOT NULL,
//	    content_hash TEXT NOT NULL DEFAULT '',
//	    page_urls JSONB NOT NULL DEFAULT '[]',
//	    resource_urls JSONB NOT NULL DEFAULT '[]',
//	    pages_archived INT NOT NULL DEFAULT 0,
//	    bytes_archived BIGINT NOT NULL DEFAULT 0,
//	    container_paths JSONB NOT NULL DEFAULT '[]',
//	    index_generated BOOLEAN NOT NULL DEFAULT FALSE,
//	    UNIQUE (target_id, version)
//	);
type SnapshotStore struct {
	db DB
}

// NewSnapshotStore constructs a SnapshotStore over an existing pool.
func NewSnapshotStore(db DB) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SnapshotStore{db: db}, nil
}

const snapshotColumns = `id, target_id, seed_url, captured_at, version, content_hash,
	page_urls, resource_urls, pages_archived, bytes_archived,
	container_paths, index_generated`

// CreateSnapshot inserts a snapshot. A zero version is assigned in the
// insert itself as one past the target's current highest, so concurrent
// creates for the same target serialize on the unique constraint.
func (s *SnapshotStore) CreateSnapshot(ctx context.Context, snap archive.WebsiteSnapshot) error {
	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		SELECT $1, $2, $3, $4,
			CASE WHEN $5 > 0 THEN $5
				ELSE COALESCE((SELECT MAX(version) FROM snapshots WHERE target_id = $2), 0) + 1
			END,
			$6, $7, $8, $9, $10, $11, $12`
	_, err := s.db.Exec(ctx, query,
		snap.ID, snap.TargetID, snap.SeedURL, snap.Timestamp, snap.Version,
		snap.ContentHash, jsonStrings(snap.PageURLs), jsonStrings(snap.ResourceURLs),
		snap.PagesArchived, snap.BytesArchived, jsonStrings(snap.ContainerPaths),
		snap.IndexGenerated,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot fetches a snapshot by ID.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, id string) (archive.WebsiteSnapshot, error) {
	row := s.db.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

// LatestSnapshot returns the highest-version snapshot for a target.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, targetID string) (archive.WebsiteSnapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE target_id = $1
		ORDER BY version DESC LIMIT 1`, targetID)
	return scanSnapshot(row)
}

// ListSnapshots returns a target's snapshots ordered by version.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, targetID string) ([]archive.WebsiteSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE target_id = $1
		ORDER BY version ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// UnindexedSnapshots returns snapshots without a generated index,
// oldest first.
func (s *SnapshotStore) UnindexedSnapshots(ctx context.Context, limit int) ([]archive.WebsiteSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM snapshots
		WHERE NOT index_generated
		ORDER BY captured_at ASC`
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list unindexed snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// MarkIndexGenerated flips the index flag for a snapshot.
func (s *SnapshotStore) MarkIndexGenerated(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE snapshots SET index_generated = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark index generated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrNotFound
	}
	return nil
}

func scanSnapshot(row pgx.Row) (archive.WebsiteSnapshot, error) {
	var snap archive.WebsiteSnapshot
	err := row.Scan(
		&snap.ID, &snap.TargetID, &snap.SeedURL, &snap.Timestamp, &snap.Version,
		&snap.ContentHash, &snap.PageURLs, &snap.ResourceURLs,
		&snap.PagesArchived, &snap.BytesArchived, &snap.ContainerPaths,
		&snap.IndexGenerated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.WebsiteSnapshot{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.WebsiteSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	return snap, nil
}

func collectSnapshots(rows pgx.Rows) ([]archive.WebsiteSnapshot, error) {
	var out []archive.WebsiteSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// jsonStrings never yields JSON null for an empty slice; the columns
// default to empty arrays.
func jsonStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
