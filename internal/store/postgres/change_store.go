package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/coinlens/archivist/internal/archive"
)

// ChangeStore implements archive.ChangeStore on Postgres. It assumes a
// table:
//
//	CREATE TABLE change_records (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL,
//	    old_snapshot_id TEXT NOT NULL,
//	    new_snapshot_id TEXT NOT NULL,
//	    change_score DOUBLE PRECISION NOT NULL,
//	    change_type TEXT NOT NULL,
//	    is_significant BOOLEAN NOT NULL,
//	    requires_reanalysis BOOLEAN NOT NULL,
//	    reanalysis_triggered_at TIMESTAMPTZ,
//	    compared_at TIMESTAMPTZ NOT NULL
//	);
type ChangeStore struct {
	db DB
}

// NewChangeStore constructs a ChangeStore over an existing pool.
func NewChangeStore(db DB) (*ChangeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ChangeStore{db: db}, nil
}

// CreateChange inserts a comparison outcome.
func (s *ChangeStore) CreateChange(ctx context.Context, c archive.ChangeRecord) error {
	query := `
		INSERT INTO change_records (
			id, target_id, old_snapshot_id, new_snapshot_id,
			change_score, change_type, is_significant, requires_reanalysis,
			reanalysis_triggered_at, compared_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.TargetID, c.OldSnapshotID, c.NewSnapshotID,
		c.ChangeScore, string(c.ChangeType), c.IsSignificant, c.RequiresReanalysis,
		c.ReanalysisTriggered, c.ComparedAt,
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// PendingReanalysis returns untriggered reanalysis candidates at or
// above the score floor, oldest comparison first.
func (s *ChangeStore) PendingReanalysis(ctx context.Context, minScore float64) ([]archive.ChangeRecord, error) {
	query := `
		SELECT id, target_id, old_snapshot_id, new_snapshot_id,
			change_score, change_type, is_significant, requires_reanalysis,
			reanalysis_triggered_at, compared_at
		FROM change_records
		WHERE requires_reanalysis
			AND reanalysis_triggered_at IS NULL
			AND change_score >= $1
		ORDER BY compared_at ASC`
	rows, err := s.db.Query(ctx, query, minScore)
	if err != nil {
		return nil, fmt.Errorf("list pending reanalysis: %w", err)
	}
	defer rows.Close()

	var out []archive.ChangeRecord
	for rows.Next() {
		var (
			c          archive.ChangeRecord
			changeType string
		)
		if err := rows.Scan(
			&c.ID, &c.TargetID, &c.OldSnapshotID, &c.NewSnapshotID,
			&c.ChangeScore, &changeType, &c.IsSignificant, &c.RequiresReanalysis,
			&c.ReanalysisTriggered, &c.ComparedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.ChangeType = archive.ChangeType(changeType)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// MarkReanalysisTriggered stamps a change exactly once; a second mark
// affects no rows and reports archive.ErrNotFound.
func (s *ChangeStore) MarkReanalysisTriggered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE change_records
		SET reanalysis_triggered_at = $2
		WHERE id = $1 AND reanalysis_triggered_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark reanalysis triggered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ErrNotFound
	}
	return nil
}
