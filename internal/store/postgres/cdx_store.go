package postgres

import (
	"context"
	"fmt"

	"github.com/coinlens/archivist/internal/archive"
)

// CDXStore implements archive.CDXStore on Postgres. It assumes a table:
//
//	CREATE TABLE cdx_records (
//	    url_key TEXT NOT NULL,
//	    ts CHAR(14) NOT NULL,
//	    original_url TEXT NOT NULL,
//	    mime_type TEXT NOT NULL,
//	    status_code INT NOT NULL,
//	    digest TEXT NOT NULL,
//	    redirect_url TEXT NOT NULL DEFAULT '',
//	    container_name TEXT NOT NULL,
//	    byte_offset BIGINT NOT NULL,
//	    byte_length BIGINT NOT NULL,
//	    snapshot_id TEXT NOT NULL
//	);
//	CREATE INDEX cdx_records_key_ts ON cdx_records (url_key, ts DESC);
type CDXStore struct {
	db DB
}

// NewCDXStore constructs a CDXStore over an existing pool.
func NewCDXStore(db DB) (*CDXStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &CDXStore{db: db}, nil
}

// StoreBatch inserts every record in one transaction. A failure on any
// row rolls back the whole container's batch.
func (s *CDXStore) StoreBatch(ctx context.Context, records []archive.CDXRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cdx batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO cdx_records (
			url_key, ts, original_url, mime_type, status_code, digest,
			redirect_url, container_name, byte_offset, byte_length, snapshot_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	for _, rec := range records {
		if _, err := tx.Exec(ctx, query,
			rec.URLKey, rec.Timestamp, rec.OriginalURL, rec.MIMEType,
			rec.StatusCode, rec.Digest, rec.RedirectURL,
			rec.ContainerName, rec.Offset, rec.Length, rec.SnapshotID,
		); err != nil {
			return fmt.Errorf("insert cdx record %s@%s: %w", rec.URLKey, rec.Timestamp, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cdx batch: %w", err)
	}
	return nil
}

// Lookup returns records for a canonical URL key, newest first,
// optionally filtered by snapshot.
func (s *CDXStore) Lookup(ctx context.Context, urlKey string, snapshotID string) ([]archive.CDXRecord, error) {
	query := `
		SELECT url_key, ts, original_url, mime_type, status_code, digest,
			redirect_url, container_name, byte_offset, byte_length, snapshot_id
		FROM cdx_records
		WHERE url_key = $1 AND ($2 = '' OR snapshot_id = $2)
		ORDER BY ts DESC`
	rows, err := s.db.Query(ctx, query, urlKey, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("lookup cdx records: %w", err)
	}
	defer rows.Close()

	var out []archive.CDXRecord
	for rows.Next() {
		var rec archive.CDXRecord
		if err := rows.Scan(
			&rec.URLKey, &rec.Timestamp, &rec.OriginalURL, &rec.MIMEType,
			&rec.StatusCode, &rec.Digest, &rec.RedirectURL,
			&rec.ContainerName, &rec.Offset, &rec.Length, &rec.SnapshotID,
		); err != nil {
			return nil, fmt.Errorf("scan cdx record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cdx records: %w", err)
	}
	return out, nil
}

// ListURLs returns the distinct original URLs indexed for a snapshot,
// ordered by URL key.
func (s *CDXStore) ListURLs(ctx context.Context, snapshotID string) ([]string, error) {
	query := `
		SELECT DISTINCT ON (url_key) original_url
		FROM cdx_records
		WHERE ($1 = '' OR snapshot_id = $1)
		ORDER BY url_key, ts DESC`
	rows, err := s.db.Query(ctx, query, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list cdx urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan cdx url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cdx urls: %w", err)
	}
	return out, nil
}
