package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coinlens/archivist/internal/archive"
)

// SnapshotStore is an in-memory archive.SnapshotStore. Version numbers
// are assigned on create: one greater than the target's current
// highest, starting at 1.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]archive.WebsiteSnapshot
	byTarget  map[string][]string
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snapshots: make(map[string]archive.WebsiteSnapshot),
		byTarget:  make(map[string][]string),
	}
}

// CreateSnapshot stores a snapshot, assigning its version if unset.
func (s *SnapshotStore) CreateSnapshot(_ context.Context, snap archive.WebsiteSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}
	if snap.Version == 0 {
		highest := 0
		for _, id := range s.byTarget[snap.TargetID] {
			if v := s.snapshots[id].Version; v > highest {
				highest = v
			}
		}
		snap.Version = highest + 1
	}
	s.snapshots[snap.ID] = snap
	s.byTarget[snap.TargetID] = append(s.byTarget[snap.TargetID], snap.ID)
	return nil
}

// GetSnapshot fetches a snapshot by ID.
func (s *SnapshotStore) GetSnapshot(_ context.Context, id string) (archive.WebsiteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return archive.WebsiteSnapshot{}, archive.ErrNotFound
	}
	return snap, nil
}

// LatestSnapshot returns the highest-version snapshot for a target.
func (s *SnapshotStore) LatestSnapshot(_ context.Context, targetID string) (archive.WebsiteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest archive.WebsiteSnapshot
	found := false
	for _, id := range s.byTarget[targetID] {
		snap := s.snapshots[id]
		if !found || snap.Version > latest.Version {
			latest = snap
			found = true
		}
	}
	if !found {
		return archive.WebsiteSnapshot{}, archive.ErrNotFound
	}
	return latest, nil
}

// ListSnapshots returns a target's snapshots ordered by version.
func (s *SnapshotStore) ListSnapshots(_ context.Context, targetID string) ([]archive.WebsiteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.WebsiteSnapshot, 0, len(s.byTarget[targetID]))
	for _, id := range s.byTarget[targetID] {
		out = append(out, s.snapshots[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// UnindexedSnapshots returns snapshots without a generated index,
// oldest first.
func (s *SnapshotStore) UnindexedSnapshots(_ context.Context, limit int) ([]archive.WebsiteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.WebsiteSnapshot
	for _, snap := range s.snapshots {
		if !snap.IndexGenerated {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkIndexGenerated flips the index flag for a snapshot.
func (s *SnapshotStore) MarkIndexGenerated(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return archive.ErrNotFound
	}
	snap.IndexGenerated = true
	s.snapshots[id] = snap
	return nil
}
