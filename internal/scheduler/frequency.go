package scheduler

import (
	"time"

	"github.com/coinlens/archivist/internal/archive"
)

// Cron specs per frequency, pinned to low-traffic UTC hours so the
// crawl load on monitored sites stays off their peaks. Biweekly has no
// calendar expression and runs as a fixed interval instead; on-demand
// schedules never fire on their own.
const (
	cronDaily   = "0 3 * * *"
	cronWeekly  = "0 4 * * 1"
	cronMonthly = "0 5 1 * *"

	biweeklyInterval = "@every 336h"
)

// cronSpec returns the cron expression for a frequency. The second
// return is false for on_demand, which registers no trigger.
func cronSpec(f archive.Frequency) (string, bool) {
	switch f {
	case archive.FrequencyDaily:
		return cronDaily, true
	case archive.FrequencyWeekly:
		return cronWeekly, true
	case archive.FrequencyBiweekly:
		return biweeklyInterval, true
	case archive.FrequencyMonthly:
		return cronMonthly, true
	default:
		return "", false
	}
}

// nextRun computes the schedule's next nominal run for store
// bookkeeping. Months advance by calendar month, not a fixed hour
// count. On-demand schedules have no next run.
func nextRun(f archive.Frequency, from time.Time) *time.Time {
	var next time.Time
	switch f {
	case archive.FrequencyDaily:
		next = from.Add(24 * time.Hour)
	case archive.FrequencyWeekly:
		next = from.Add(7 * 24 * time.Hour)
	case archive.FrequencyBiweekly:
		next = from.Add(14 * 24 * time.Hour)
	case archive.FrequencyMonthly:
		next = from.AddDate(0, 1, 0)
	default:
		return nil
	}
	return &next
}
