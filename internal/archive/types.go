// Package archive defines the core types shared across the archival subsystems.
package archive

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store. A job moves
// pending -> in_progress -> {completed, failed}; no transition skips
// in_progress.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Active reports whether a job in this status blocks new jobs for the
// same target.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

// FailureReason distinguishes the ways a crawl job can fail.
type FailureReason string

const (
	FailureTimeout     FailureReason = "timeout"
	FailureEngineError FailureReason = "engine_error"
	FailureNoOutput    FailureReason = "no_output_produced"
)

// EngineKind selects which crawl engine executes a job. The set of
// supported engines is closed; selection happens at job construction
// time rather than by runtime string comparison.
type EngineKind string

const (
	// EngineBrowsertrix invokes the external container-based rendering
	// crawler.
	EngineBrowsertrix EngineKind = "browsertrix"
	// EngineSimple is the built-in same-process HTTP crawler for static
	// sites.
	EngineSimple EngineKind = "simple"
	// EngineHeadless renders pages with headless Chrome before recording.
	EngineHeadless EngineKind = "headless"
)

// Valid reports whether the kind names a supported engine.
func (k EngineKind) Valid() bool {
	switch k {
	case EngineBrowsertrix, EngineSimple, EngineHeadless:
		return true
	default:
		return false
	}
}

// Frequency is the recurrence policy for a crawl schedule.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyOnDemand Frequency = "on_demand"
)

// Valid reports whether the frequency is one of the supported values.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyOnDemand:
		return true
	default:
		return false
	}
}

// ChangeType classifies the dominant kind of change between two
// snapshots.
type ChangeType string

const (
	ChangeNone             ChangeType = "no_change"
	ChangeContentAdded     ChangeType = "content_added"
	ChangeContentRemoved   ChangeType = "content_removed"
	ChangeContentModified  ChangeType = "content_modified"
	ChangeStructureChanged ChangeType = "structure_changed"
	ChangeResourcesChanged ChangeType = "resources_changed"
	ChangeMajorRedesign    ChangeType = "major_redesign"
)

// CrawlLimits bounds the resource usage of one crawl job.
type CrawlLimits struct {
	MaxPages int           `json:"max_pages"`
	MaxDepth int           `json:"max_depth"`
	Timeout  time.Duration `json:"timeout"`
}

// CrawlJob represents one attempt to crawl a target URL. Jobs are an
// append-only audit trail: they are created by the scheduler (or a
// manual trigger), mutated only during execution, and never deleted.
type CrawlJob struct {
	ID            string        `json:"id"`
	TargetID      string        `json:"target_id"`
	SeedURL       string        `json:"seed_url"`
	Engine        EngineKind    `json:"engine"`
	Limits        CrawlLimits   `json:"limits"`
	Status        JobStatus     `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	ErrorText     string        `json:"error_text,omitempty"`
	ContainerPath string        `json:"container_path,omitempty"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// WebsiteSnapshot is one logical, versioned capture of a target at a
// point in time. A snapshot may span multiple archive containers for
// large sites. Immutable after creation except IndexGenerated.
type WebsiteSnapshot struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	SeedURL        string    `json:"seed_url"`
	Timestamp      time.Time `json:"timestamp"`
	Version        int       `json:"version"`
	ContentHash    string    `json:"content_hash"`
	PageURLs       []string  `json:"page_urls"`
	ResourceURLs   []string  `json:"resource_urls"`
	PagesArchived  int       `json:"pages_archived"`
	BytesArchived  int64     `json:"bytes_archived"`
	ContainerPaths []string  `json:"container_paths"`
	IndexGenerated bool      `json:"index_generated"`
}

// CDXRecord is one index entry per captured URL+response within a
// container. (url_key, timestamp) pairs sort consistently with the
// SURT transform for prefix lookups.
type CDXRecord struct {
	URLKey        string `json:"url_key"`
	Timestamp     string `json:"timestamp"` // YYYYMMDDhhmmss
	OriginalURL   string `json:"original_url"`
	MIMEType      string `json:"mime_type"`
	StatusCode    int    `json:"status_code"`
	Digest        string `json:"digest"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	ContainerName string `json:"container_name"`
	Offset        int64  `json:"offset"`
	Length        int64  `json:"length"`
	SnapshotID    string `json:"snapshot_id"`
}

// CrawlSchedule is a recurring crawl policy attached to a target.
// Schedules are never deleted automatically, only disabled.
type CrawlSchedule struct {
	ID                  string      `json:"id"`
	TargetID            string      `json:"target_id"`
	SeedURL             string      `json:"seed_url"`
	Frequency           Frequency   `json:"frequency"`
	Priority            int         `json:"priority"`
	Limits              CrawlLimits `json:"limits"`
	Engine              EngineKind  `json:"engine"`
	Enabled             bool        `json:"enabled"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastRunAt           *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time  `json:"next_run_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// ChangeRecord persists the outcome of one snapshot comparison so the
// pipeline can pick up pending reanalysis signals exactly once.
type ChangeRecord struct {
	ID                  string     `json:"id"`
	TargetID            string     `json:"target_id"`
	OldSnapshotID       string     `json:"old_snapshot_id"`
	NewSnapshotID       string     `json:"new_snapshot_id"`
	ChangeScore         float64    `json:"change_score"`
	ChangeType          ChangeType `json:"change_type"`
	IsSignificant       bool       `json:"is_significant"`
	RequiresReanalysis  bool       `json:"requires_reanalysis"`
	ReanalysisTriggered *time.Time `json:"reanalysis_triggered_at,omitempty"`
	ComparedAt          time.Time  `json:"compared_at"`
}

// BatchSummary is the return contract for batch operations that may
// partially fail. There is no silent-success path: callers always see
// what succeeded and what did not.
type BatchSummary struct {
	Found      int `json:"found"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// ArchivalStatus is the read-only summary exposed to external callers.
type ArchivalStatus struct {
	TargetID          string     `json:"target_id"`
	SnapshotCount     int        `json:"snapshot_count"`
	LatestSnapshotAt  *time.Time `json:"latest_snapshot_at,omitempty"`
	LatestVersion     int        `json:"latest_version"`
	LatestPageCount   int        `json:"latest_page_count"`
	LatestContentHash string     `json:"latest_content_hash,omitempty"`
	LatestJobStatus   JobStatus  `json:"latest_job_status,omitempty"`
	LatestJobError    string     `json:"latest_job_error,omitempty"`
	ScheduleFrequency Frequency  `json:"schedule_frequency,omitempty"`
	ScheduleEnabled   bool       `json:"schedule_enabled"`
}
