package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coinlens/archivist/internal/archive"
)

// ScheduleStore is an in-memory archive.ScheduleStore.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]archive.CrawlSchedule
}

// NewScheduleStore constructs a ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{schedules: make(map[string]archive.CrawlSchedule)}
}

// CreateSchedule stores a new schedule. A target carries at most one.
func (s *ScheduleStore) CreateSchedule(_ context.Context, sched archive.CrawlSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	for _, existing := range s.schedules {
		if existing.TargetID == sched.TargetID {
			return fmt.Errorf("target %s already has schedule %s", sched.TargetID, existing.ID)
		}
	}
	s.schedules[sched.ID] = sched
	return nil
}

// UpdateSchedule replaces a stored schedule.
func (s *ScheduleStore) UpdateSchedule(_ context.Context, sched archive.CrawlSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return archive.ErrNotFound
	}
	s.schedules[sched.ID] = sched
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *ScheduleStore) GetSchedule(_ context.Context, id string) (archive.CrawlSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return archive.CrawlSchedule{}, archive.ErrNotFound
	}
	return sched, nil
}

// GetScheduleForTarget fetches the schedule attached to a target.
func (s *ScheduleStore) GetScheduleForTarget(_ context.Context, targetID string) (archive.CrawlSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sched := range s.schedules {
		if sched.TargetID == targetID {
			return sched, nil
		}
	}
	return archive.CrawlSchedule{}, archive.ErrNotFound
}

// ListSchedules returns schedules sorted by ID, optionally only
// enabled ones.
func (s *ScheduleStore) ListSchedules(_ context.Context, enabledOnly bool) ([]archive.CrawlSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.CrawlSchedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if enabledOnly && !sched.Enabled {
			continue
		}
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchedule removes a schedule.
func (s *ScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return archive.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}
