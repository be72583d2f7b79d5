package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coinlens/archivist/internal/archive"
)

// CDXStore is an in-memory archive.CDXStore.
type CDXStore struct {
	mu      sync.RWMutex
	records []archive.CDXRecord
}

// NewCDXStore constructs a CDXStore.
func NewCDXStore() *CDXStore {
	return &CDXStore{}
}

// StoreBatch appends a batch of records. The in-memory append is
// all-or-nothing by construction.
func (s *CDXStore) StoreBatch(_ context.Context, records []archive.CDXRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Lookup returns records for a canonical URL key, newest first,
// optionally filtered by snapshot.
func (s *CDXStore) Lookup(_ context.Context, urlKey string, snapshotID string) ([]archive.CDXRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.CDXRecord
	for _, rec := range s.records {
		if rec.URLKey != urlKey {
			continue
		}
		if snapshotID != "" && rec.SnapshotID != snapshotID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// ListURLs returns the distinct original URLs indexed for a snapshot,
// sorted by URL key.
func (s *CDXStore) ListURLs(_ context.Context, snapshotID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]string)
	for _, rec := range s.records {
		if snapshotID != "" && rec.SnapshotID != snapshotID {
			continue
		}
		seen[rec.URLKey] = rec.OriginalURL
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, nil
}
