package resource

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "missionctl/pkg/logx"
)

func fixed(heapMB, diskFreeMB uint64) SamplerFunc {
	return func(string) Sample {
		return Sample{HeapInuse: heapMB * mib, DiskFree: diskFreeMB * mib, DiskTotal: 100 * 1024 * mib}
	}
}

func TestCheckThresholds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		heapMB, disk uint64
		memWarn      bool
		memCrit      bool
		diskWarn     bool
		diskCrit     bool
		pause        bool
	}{
		{name: "healthy", heapMB: 100, disk: 50_000},
		{name: "memory warn", heapMB: 900, disk: 50_000, memWarn: true},
		{name: "memory critical", heapMB: 1000, disk: 50_000, memWarn: true, memCrit: true, pause: true},
		{name: "disk warn", heapMB: 100, disk: 800, diskWarn: true},
		{name: "disk critical", heapMB: 100, disk: 400, diskWarn: true, diskCrit: true, pause: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(Config{MaxMemoryMB: 1024}, logx.Nop(), WithSampler(fixed(tt.heapMB, tt.disk)))
			st := m.Check()
			assert.Equal(t, tt.memWarn, st.MemoryWarn)
			assert.Equal(t, tt.memCrit, st.MemoryCritical)
			assert.Equal(t, tt.diskWarn, st.DiskWarn)
			assert.Equal(t, tt.diskCrit, st.DiskCritical)
			assert.Equal(t, tt.pause, st.ShouldPause())
			assert.Equal(t, tt.pause, m.ShouldPause())
			assert.Equal(t, tt.memWarn || tt.diskWarn, len(st.Warnings) > 0)
		})
	}
}

func TestDiskErrorIsNotCritical(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), WithSampler(SamplerFunc(func(string) Sample {
		return Sample{HeapInuse: mib, DiskErr: errors.New("statfs: no such file")}
	})))
	st := m.Check()
	assert.False(t, st.DiskKnown)
	assert.False(t, st.ShouldPause())
	assert.Equal(t, st, m.Last())
}

func TestWarningsAreLoggedOncePerInterval(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := New(Config{LogEvery: time.Minute}, logx.NewWriter(&buf, "debug"),
		WithSampler(fixed(1000, 50_000)),
		WithClock(func() time.Time { return now }),
	)

	m.Check()
	m.Check()
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("resource pressure")))

	now = now.Add(time.Minute)
	m.Check()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("resource pressure")))
}

func TestRuntimeSamplerReadsHeap(t *testing.T) {
	t.Parallel()
	smp := runtimeSampler{}.Sample(t.TempDir())
	assert.NotZero(t, smp.HeapInuse)
	if smp.DiskErr == nil {
		assert.NotZero(t, smp.DiskTotal)
	}
}
