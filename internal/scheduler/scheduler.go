// Package scheduler drives recurring crawls: cron triggers per
// frequency, a bounded worker pool fed by the job queue, and per-run
// schedule bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/metrics"
	"github.com/coinlens/archivist/internal/queue"
)

// Config controls the scheduler's pool size and failure policy.
type Config struct {
	// Workers is the number of concurrent crawl workers.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// AutoDisableAfter disables a schedule after this many consecutive
	// failures. Zero turns the rule off.
	AutoDisableAfter int `mapstructure:"auto_disable_after" yaml:"auto_disable_after"`
}

const (
	defaultWorkers          = 4
	defaultAutoDisableAfter = 5
)

// Scheduler owns the cron entries and the worker pool. One cron entry
// exists per enabled schedule with a recurring frequency; firing it
// enqueues a job that a worker picks up.
type Scheduler struct {
	cfg       Config
	cron      *cron.Cron
	jobQueue  queue.Queue
	runner    *Runner
	schedules archive.ScheduleStore
	jobs      archive.JobStore
	clock     archive.Clock
	ids       archive.IDGenerator
	log       *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	runCtx  context.Context
}

// New builds a Scheduler.
func New(
	cfg Config,
	jobQueue queue.Queue,
	runner *Runner,
	schedules archive.ScheduleStore,
	jobs archive.JobStore,
	clock archive.Clock,
	ids archive.IDGenerator,
	log *zap.Logger,
) (*Scheduler, error) {
	if jobQueue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if schedules == nil || jobs == nil {
		return nil, fmt.Errorf("schedule and job stores are required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	return &Scheduler{
		cfg:       cfg,
		cron:      cron.New(),
		jobQueue:  jobQueue,
		runner:    runner,
		schedules: schedules,
		jobs:      jobs,
		clock:     clock,
		ids:       ids,
		log:       log,
		entries:   make(map[string]cron.EntryID),
	}, nil
}

// Run registers triggers for every enabled schedule, starts the cron
// loop and the worker pool, then blocks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	stored, err := s.schedules.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range stored {
		if err := s.registerTrigger(sched); err != nil {
			s.log.Error("failed to register schedule trigger",
				zap.String("schedule_id", sched.ID),
				zap.Error(err))
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		zap.Int("schedules", len(stored)),
		zap.Int("workers", s.cfg.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	<-ctx.Done()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.jobQueue.Close()
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// worker consumes queued jobs until the context finishes.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		item, err := s.jobQueue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("queue dequeue failed", zap.Error(err))
			return
		}

		metrics.IncActiveWorkers()
		runErr := s.runner.RunJob(ctx, item.JobID)
		metrics.DecActiveWorkers()

		s.recordRunOutcome(ctx, item.TargetID, runErr)
	}
}

// AddSchedule validates and persists a schedule, registering its cron
// trigger when it is enabled and recurring.
func (s *Scheduler) AddSchedule(ctx context.Context, sched archive.CrawlSchedule) (archive.CrawlSchedule, error) {
	if sched.TargetID == "" || sched.SeedURL == "" {
		return archive.CrawlSchedule{}, fmt.Errorf("target id and seed url are required")
	}
	if !sched.Frequency.Valid() {
		return archive.CrawlSchedule{}, fmt.Errorf("invalid frequency %q", sched.Frequency)
	}
	if !sched.Engine.Valid() {
		return archive.CrawlSchedule{}, fmt.Errorf("invalid engine %q", sched.Engine)
	}

	if sched.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return archive.CrawlSchedule{}, fmt.Errorf("generate schedule id: %w", err)
		}
		sched.ID = id
	}
	now := s.clock.Now()
	sched.CreatedAt = now
	sched.NextRunAt = nextRun(sched.Frequency, now)

	if err := s.schedules.CreateSchedule(ctx, sched); err != nil {
		return archive.CrawlSchedule{}, fmt.Errorf("persist schedule: %w", err)
	}
	if sched.Enabled {
		if err := s.registerTrigger(sched); err != nil {
			return archive.CrawlSchedule{}, err
		}
	}
	s.log.Info("schedule added",
		zap.String("schedule_id", sched.ID),
		zap.String("target_id", sched.TargetID),
		zap.String("frequency", string(sched.Frequency)))
	return sched, nil
}

// RemoveSchedule deletes a schedule and deregisters its trigger.
func (s *Scheduler) RemoveSchedule(ctx context.Context, scheduleID string) error {
	if err := s.schedules.DeleteSchedule(ctx, scheduleID); err != nil {
		return fmt.Errorf("delete schedule %s: %w", scheduleID, err)
	}
	s.deregisterTrigger(scheduleID)
	return nil
}

// UpdateFrequency changes a schedule's recurrence and re-registers its
// trigger under the new cron expression.
func (s *Scheduler) UpdateFrequency(ctx context.Context, scheduleID string, freq archive.Frequency) error {
	if !freq.Valid() {
		return fmt.Errorf("invalid frequency %q", freq)
	}
	sched, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", scheduleID, err)
	}

	sched.Frequency = freq
	sched.NextRunAt = nextRun(freq, s.clock.Now())
	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule %s: %w", scheduleID, err)
	}

	s.deregisterTrigger(scheduleID)
	if sched.Enabled {
		if err := s.registerTrigger(sched); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteDueSchedule fires one schedule: creates the crawl job and
// enqueues it for the worker pool. Disabled schedules and targets with
// an active job are rejected with sentinel errors.
func (s *Scheduler) ExecuteDueSchedule(ctx context.Context, scheduleID string) error {
	sched, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", scheduleID, err)
	}
	if !sched.Enabled {
		metrics.ObserveScheduleRun(string(sched.Frequency), "disabled")
		return archive.ErrScheduleDisabled
	}

	job, err := s.createJob(ctx, sched.TargetID, sched.SeedURL, sched.Engine, sched.Limits)
	if err != nil {
		if errors.Is(err, archive.ErrDuplicateJob) {
			metrics.ObserveScheduleRun(string(sched.Frequency), "duplicate")
			s.log.Warn("schedule fired while a job was still active",
				zap.String("schedule_id", sched.ID),
				zap.String("target_id", sched.TargetID))
		}
		return err
	}

	if err := s.jobQueue.Enqueue(ctx, queue.Item{JobID: job.ID, TargetID: job.TargetID}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	metrics.ObserveScheduleRun(string(sched.Frequency), "enqueued")
	return nil
}

// TriggerManualCrawl creates and enqueues an on-demand job outside any
// schedule. The duplicate-active-job guard still applies.
func (s *Scheduler) TriggerManualCrawl(ctx context.Context, targetID, seedURL string, kind archive.EngineKind, limits archive.CrawlLimits) (archive.CrawlJob, error) {
	if targetID == "" || seedURL == "" {
		return archive.CrawlJob{}, fmt.Errorf("target id and seed url are required")
	}
	if !kind.Valid() {
		return archive.CrawlJob{}, fmt.Errorf("invalid engine %q", kind)
	}

	job, err := s.createJob(ctx, targetID, seedURL, kind, limits)
	if err != nil {
		return archive.CrawlJob{}, err
	}
	if err := s.jobQueue.Enqueue(ctx, queue.Item{JobID: job.ID, TargetID: job.TargetID}); err != nil {
		return archive.CrawlJob{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.log.Info("manual crawl triggered",
		zap.String("job_id", job.ID),
		zap.String("target_id", targetID))
	return job, nil
}

func (s *Scheduler) createJob(ctx context.Context, targetID, seedURL string, kind archive.EngineKind, limits archive.CrawlLimits) (archive.CrawlJob, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return archive.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	job := archive.CrawlJob{
		ID:        id,
		TargetID:  targetID,
		SeedURL:   seedURL,
		Engine:    kind,
		Limits:    limits,
		Status:    archive.JobStatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, archive.ErrDuplicateJob) {
			return archive.CrawlJob{}, archive.ErrDuplicateJob
		}
		return archive.CrawlJob{}, fmt.Errorf("persist job: %w", err)
	}
	metrics.ObserveJob(string(archive.JobStatusPending))
	return job, nil
}

// recordRunOutcome updates the target's schedule after a worker
// finishes a job. Success resets the failure streak and stamps the last
// run; failure increments it and may auto-disable the schedule. The
// next nominal run advances either way. Jobs without a schedule
// (manual triggers) skip bookkeeping.
func (s *Scheduler) recordRunOutcome(ctx context.Context, targetID string, runErr error) {
	sched, err := s.schedules.GetScheduleForTarget(ctx, targetID)
	if err != nil {
		if !errors.Is(err, archive.ErrNotFound) {
			s.log.Error("schedule lookup failed after run",
				zap.String("target_id", targetID),
				zap.Error(err))
		}
		return
	}

	now := s.clock.Now()
	sched.NextRunAt = nextRun(sched.Frequency, now)

	if runErr == nil {
		sched.ConsecutiveFailures = 0
		sched.LastRunAt = &now
		metrics.ObserveScheduleRun(string(sched.Frequency), "success")
	} else {
		sched.ConsecutiveFailures++
		metrics.ObserveScheduleRun(string(sched.Frequency), "failure")
		if s.cfg.AutoDisableAfter > 0 && sched.ConsecutiveFailures >= s.cfg.AutoDisableAfter {
			sched.Enabled = false
			s.deregisterTrigger(sched.ID)
			s.log.Warn("schedule auto-disabled after repeated failures",
				zap.String("schedule_id", sched.ID),
				zap.String("target_id", targetID),
				zap.Int("consecutive_failures", sched.ConsecutiveFailures))
		}
	}

	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		s.log.Error("schedule bookkeeping failed",
			zap.String("schedule_id", sched.ID),
			zap.Error(err))
	}
}

// registerTrigger adds the cron entry for a recurring schedule.
// On-demand schedules register nothing. The closure reads the
// scheduler's lifecycle context at fire time rather than capturing the
// caller's: schedules arrive over HTTP, and a request context is dead
// long before the first firing.
func (s *Scheduler) registerTrigger(sched archive.CrawlSchedule) error {
	spec, ok := cronSpec(sched.Frequency)
	if !ok {
		return nil
	}

	scheduleID := sched.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		if err := s.ExecuteDueSchedule(s.runContext(), scheduleID); err != nil &&
			!errors.Is(err, archive.ErrDuplicateJob) &&
			!errors.Is(err, archive.ErrScheduleDisabled) {
			s.log.Error("scheduled crawl failed to start",
				zap.String("schedule_id", scheduleID),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register trigger for schedule %s: %w", scheduleID, err)
	}

	s.mu.Lock()
	s.entries[scheduleID] = entryID
	s.mu.Unlock()
	return nil
}

// runContext is the context cron firings execute under. Before Run
// starts there is no lifecycle context yet, so triggers registered
// early fall back to Background.
func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Scheduler) deregisterTrigger(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// AdjustFrequencyForActivity is the extension point for adaptive
// scheduling: callers feed observed change scores and the scheduler
// may promote or demote the recurrence. The current policy is
// deliberately static and keeps the configured frequency.
//
// TODO: promote to weekly after consecutive significant changes once
// change-score history is queryable per target.
func (s *Scheduler) AdjustFrequencyForActivity(ctx context.Context, targetID string, changeScore float64) error {
	_, err := s.schedules.GetScheduleForTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load schedule for target %s: %w", targetID, err)
	}
	return nil
}
