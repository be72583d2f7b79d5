// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/coinlens/archivist/internal/archive"
)

// JobStore is an in-memory archive.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]archive.CrawlJob
	// order preserves creation order per target for LatestJobForTarget.
	order map[string][]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]archive.CrawlJob),
		order: make(map[string][]string),
	}
}

// CreateJob stores a new job. A target with an active job rejects the
// new one with archive.ErrDuplicateJob.
func (s *JobStore) CreateJob(_ context.Context, job archive.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	for _, id := range s.order[job.TargetID] {
		if s.jobs[id].Status.Active() {
			return archive.ErrDuplicateJob
		}
	}
	s.jobs[job.ID] = job
	s.order[job.TargetID] = append(s.order[job.TargetID], job.ID)
	return nil
}

// UpdateJob replaces a stored job.
func (s *JobStore) UpdateJob(_ context.Context, job archive.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return archive.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (archive.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return archive.CrawlJob{}, archive.ErrNotFound
	}
	return job, nil
}

// ActiveJobForTarget returns the pending or in-progress job for a
// target, or archive.ErrNotFound.
func (s *JobStore) ActiveJobForTarget(_ context.Context, targetID string) (archive.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[targetID] {
		if job := s.jobs[id]; job.Status.Active() {
			return job, nil
		}
	}
	return archive.CrawlJob{}, archive.ErrNotFound
}

// LatestJobForTarget returns the most recently created job for a
// target, or archive.ErrNotFound.
func (s *JobStore) LatestJobForTarget(_ context.Context, targetID string) (archive.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[targetID]
	if len(ids) == 0 {
		return archive.CrawlJob{}, archive.ErrNotFound
	}
	return s.jobs[ids[len(ids)-1]], nil
}
