package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinlens/archivist/internal/archive"
)

func TestCronSpecMapping(t *testing.T) {
	tests := []struct {
		frequency archive.Frequency
		spec      string
		triggers  bool
	}{
		{archive.FrequencyDaily, "0 3 * * *", true},
		{archive.FrequencyWeekly, "0 4 * * 1", true},
		{archive.FrequencyBiweekly, "@every 336h", true},
		{archive.FrequencyMonthly, "0 5 1 * *", true},
		{archive.FrequencyOnDemand, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			spec, ok := cronSpec(tt.frequency)
			assert.Equal(t, tt.triggers, ok)
			assert.Equal(t, tt.spec, spec)
		})
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 1, 31, 3, 0, 0, 0, time.UTC)

	next := nextRun(archive.FrequencyDaily, from)
	require.NotNil(t, next)
	assert.Equal(t, from.Add(24*time.Hour), *next)

	next = nextRun(archive.FrequencyBiweekly, from)
	require.NotNil(t, next)
	assert.Equal(t, from.Add(14*24*time.Hour), *next)

	// Months are calendar months; January 31 + 1 month normalizes to
	// March 2/3 per time.AddDate, which is the behavior we keep.
	next = nextRun(archive.FrequencyMonthly, from)
	require.NotNil(t, next)
	assert.Equal(t, from.AddDate(0, 1, 0), *next)

	assert.Nil(t, nextRun(archive.FrequencyOnDemand, from))
}
