package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinlens/archivist/internal/archive"
)

// ChangeStore is an in-memory archive.ChangeStore.
type ChangeStore struct {
	mu      sync.RWMutex
	changes map[string]archive.ChangeRecord
}

// NewChangeStore constructs a ChangeStore.
func NewChangeStore() *ChangeStore {
	return &ChangeStore{changes: make(map[string]archive.ChangeRecord)}
}

// CreateChange stores a comparison outcome.
func (s *ChangeStore) CreateChange(_ context.Context, c archive.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.changes[c.ID]; exists {
		return fmt.Errorf("change %s already exists", c.ID)
	}
	s.changes[c.ID] = c
	return nil
}

// PendingReanalysis returns changes flagged requires_reanalysis that
// have not been marked triggered, oldest comparison first.
func (s *ChangeStore) PendingReanalysis(_ context.Context, minScore float64) ([]archive.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.ChangeRecord
	for _, c := range s.changes {
		if !c.RequiresReanalysis || c.ReanalysisTriggered != nil {
			continue
		}
		if c.ChangeScore < minScore {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComparedAt.Before(out[j].ComparedAt) })
	return out, nil
}

// MarkReanalysisTriggered records when a change's downstream signal
// went out. Marking twice is an error so the signal fires exactly once.
func (s *ChangeStore) MarkReanalysisTriggered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok {
		return archive.ErrNotFound
	}
	if c.ReanalysisTriggered != nil {
		return fmt.Errorf("change %s already marked triggered", id)
	}
	c.ReanalysisTriggered = &at
	s.changes[id] = c
	return nil
}
