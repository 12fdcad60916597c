package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{"@every 30s", SpecCron, "@every 30s", 0},
		{"*/5 * * * *", SpecCron, "*/5 * * * *", 0},
		{"cron:@hourly", SpecCron, "@hourly", 0},
		{"30s", SpecInterval, "", 30 * time.Second},
		{"every: 5m", SpecInterval, "", 5 * time.Minute},
		{"interval:02:30", SpecInterval, "", 2*time.Hour + 30*time.Minute},
		{"00:05", SpecInterval, "", 5 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.cron, got.Cron, tc.in)
		assert.Equal(t, tc.every, got.Every, tc.in)
	}

	for _, bad := range []string{"", "cron:", "00:00", "-5m", "soon", "12:75"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	spec, err := cronSpec("90s")
	require.NoError(t, err)
	assert.Equal(t, "@every 1m30s", spec)

	_, err = cronSpec("cron:not a cron")
	assert.Error(t, err)
}
