package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newSMT(max int) (*SMT, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{Window: time.Hour, MaxPrompts: max, TargetUtilization: 0.8, ReservePercent: 0.2, Now: clk.Now}), clk
}

func TestExemptOperationsAlwaysProceed(t *testing.T) {
	t.Parallel()
	s, _ := newSMT(1)
	s.RecordUsage(OpTaskExecute)
	s.Pause()

	for _, op := range []string{OpIdentityExtract, OpAuditAppend, OpHealthCheck, OpPause, OpStatus} {
		assert.True(t, s.CanProceed(op, "DEV"), op)
		s.RecordUsage(op)
	}
	assert.False(t, s.CanProceed(OpTaskExecute, "DEV"))
	assert.Equal(t, 1, s.Metrics().Used, "exempt operations are not counted")
}

func TestLimitsPerCategory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		category string
		burst    bool
		want     int
	}{
		{name: "default uses target utilization", category: "DEV", want: 8},
		{name: "legal dips into reserve", category: "LEGAL", want: 9},
		{name: "email dips into reserve", category: "EMAIL", want: 9},
		{name: "burst uses max", category: "DEV", burst: true, want: 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newSMT(10)
			if tt.burst {
				s.EnableBurst()
			}
			admitted := 0
			for i := 0; i < 20 && s.CanProceed(OpTaskExecute, tt.category); i++ {
				s.RecordUsage(OpTaskExecute)
				admitted++
			}
			assert.Equal(t, tt.want, admitted)
		})
	}
}

func TestWindowResets(t *testing.T) {
	t.Parallel()
	s, clk := newSMT(2)
	s.RecordUsage(OpTaskExecute)
	require.False(t, s.CanProceed(OpTaskExecute, ""))

	clk.Advance(59 * time.Minute)
	assert.False(t, s.CanProceed(OpTaskExecute, ""))

	clk.Advance(time.Minute)
	assert.True(t, s.CanProceed(OpTaskExecute, ""))
	assert.Equal(t, clk.Now().Add(time.Hour), s.WindowEnd())
}

func TestPauseResumeAndMetrics(t *testing.T) {
	t.Parallel()
	s, _ := newSMT(10)
	s.Pause()
	assert.True(t, s.Paused())
	assert.False(t, s.CanProceed(OpTaskExecute, "DEV"))
	s.Resume()
	assert.True(t, s.CanProceed(OpTaskExecute, "DEV"))

	for i := 0; i < 4; i++ {
		s.RecordUsage(OpTaskExecute)
	}
	m := s.Metrics()
	assert.InDelta(t, 0.5, m.Utilization, 1e-9)
	assert.InDelta(t, 4.0, m.Remaining, 1e-9)
	assert.InDelta(t, 0.5, s.Utilization(), 1e-9)
}

func TestConfigureKeepsUsage(t *testing.T) {
	t.Parallel()
	s, clk := newSMT(10)
	for i := 0; i < 5; i++ {
		s.RecordUsage(OpTaskExecute)
	}
	s.Configure(Config{Window: time.Hour, MaxPrompts: 5, TargetUtilization: 1})
	assert.False(t, s.CanProceed(OpTaskExecute, ""))
	assert.Equal(t, clk.Now().Add(time.Hour), s.WindowEnd(), "clock survives reconfigure")
}
