// Package resource samples process memory and data-dir disk space and turns
// them into a pause signal for the scheduler.
package resource

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	logx "missionctl/pkg/logx"
)

const mib = 1 << 20

// Sample is one raw reading.
type Sample struct {
	HeapInuse uint64 // bytes
	DiskFree  uint64 // bytes available to unprivileged users
	DiskTotal uint64
	DiskErr   error
}

// Sampler reads current usage. It must be cheap; Check calls it synchronously.
type Sampler interface {
	Sample(dir string) Sample
}

// SamplerFunc adapts a plain function to Sampler.
type SamplerFunc func(dir string) Sample

func (f SamplerFunc) Sample(dir string) Sample { return f(dir) }

type runtimeSampler struct{}

func (runtimeSampler) Sample(dir string) Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{HeapInuse: ms.HeapInuse}
	s.DiskFree, s.DiskTotal, s.DiskErr = diskUsage(dir)
	return s
}

type Config struct {
	MaxMemoryMB        int
	MemoryWarnPct      float64
	MemoryCriticalPct  float64
	DiskWarnFreeMB     int
	DiskCriticalFreeMB int
	DataDir            string
	LogEvery           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMemoryMB:        1024,
		MemoryWarnPct:      0.85,
		MemoryCriticalPct:  0.95,
		DiskWarnFreeMB:     1024,
		DiskCriticalFreeMB: 500,
		DataDir:            ".",
		LogEvery:           5 * time.Minute,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.MemoryWarnPct <= 0 {
		c.MemoryWarnPct = d.MemoryWarnPct
	}
	if c.MemoryCriticalPct <= 0 {
		c.MemoryCriticalPct = d.MemoryCriticalPct
	}
	if c.DiskWarnFreeMB <= 0 {
		c.DiskWarnFreeMB = d.DiskWarnFreeMB
	}
	if c.DiskCriticalFreeMB <= 0 {
		c.DiskCriticalFreeMB = d.DiskCriticalFreeMB
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogEvery <= 0 {
		c.LogEvery = d.LogEvery
	}
	return c
}

// Status is the result of one Check.
type Status struct {
	MemoryUsedMB   float64  `json:"memoryUsedMB"`
	MemoryPercent  float64  `json:"memoryPercent"`
	DiskFreeMB     float64  `json:"diskFreeMB"`
	DiskTotalMB    float64  `json:"diskTotalMB"`
	DiskKnown      bool     `json:"diskKnown"`
	MemoryWarn     bool     `json:"memoryWarn"`
	MemoryCritical bool     `json:"memoryCritical"`
	DiskWarn       bool     `json:"diskWarn"`
	DiskCritical   bool     `json:"diskCritical"`
	Warnings       []string `json:"warnings,omitempty"`
}

// ShouldPause is true when any resource is critical.
func (s Status) ShouldPause() bool { return s.MemoryCritical || s.DiskCritical }

type Monitor struct {
	log     logx.Logger
	sampler Sampler
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	last    Status
	lastLog time.Time
}

type Option func(*Monitor)

// WithSampler replaces the runtime/statfs sampler.
func WithSampler(s Sampler) Option { return func(m *Monitor) { m.sampler = s } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(cfg Config, log logx.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		log:     log,
		sampler: runtimeSampler{},
		now:     time.Now,
		cfg:     cfg.normalize(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.normalize()
	m.mu.Unlock()
}

// Check samples and evaluates thresholds.
func (m *Monitor) Check() Status {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	smp := m.sampler.Sample(cfg.DataDir)
	st := evaluate(cfg, smp)

	m.mu.Lock()
	prev := m.last
	m.last = st
	now := m.now()
	logNow := len(st.Warnings) > 0 && (prev.ShouldPause() != st.ShouldPause() || now.Sub(m.lastLog) >= cfg.LogEvery)
	if logNow {
		m.lastLog = now
	}
	m.mu.Unlock()

	if logNow {
		m.log.Warn("resource pressure",
			logx.String("heap", humanize.IBytes(smp.HeapInuse)),
			logx.String("disk_free", humanize.IBytes(smp.DiskFree)),
			logx.Strings("warnings", st.Warnings),
			logx.Bool("pause", st.ShouldPause()),
		)
	}
	if smp.DiskErr != nil {
		m.log.Debug("disk usage unavailable", logx.String("dir", cfg.DataDir), logx.Err(smp.DiskErr))
	}
	return st
}

// ShouldPause runs a fresh Check.
func (m *Monitor) ShouldPause() bool { return m.Check().ShouldPause() }

// Last returns the most recent Status without sampling.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func evaluate(cfg Config, smp Sample) Status {
	st := Status{
		MemoryUsedMB: float64(smp.HeapInuse) / mib,
	}
	st.MemoryPercent = st.MemoryUsedMB / float64(cfg.MaxMemoryMB)
	st.MemoryWarn = st.MemoryPercent > cfg.MemoryWarnPct
	st.MemoryCritical = st.MemoryPercent > cfg.MemoryCriticalPct

	if smp.DiskErr == nil && smp.DiskTotal > 0 {
		st.DiskKnown = true
		st.DiskFreeMB = float64(smp.DiskFree) / mib
		st.DiskTotalMB = float64(smp.DiskTotal) / mib
		st.DiskWarn = st.DiskFreeMB < float64(cfg.DiskWarnFreeMB)
		st.DiskCritical = st.DiskFreeMB < float64(cfg.DiskCriticalFreeMB)
	}

	if st.MemoryCritical {
		st.Warnings = append(st.Warnings, fmt.Sprintf("memory critical: %.0f%% of %dMB", st.MemoryPercent*100, cfg.MaxMemoryMB))
	} else if st.MemoryWarn {
		st.Warnings = append(st.Warnings, fmt.Sprintf("memory high: %.0f%% of %dMB", st.MemoryPercent*100, cfg.MaxMemoryMB))
	}
	if st.DiskCritical {
		st.Warnings = append(st.Warnings, "disk critical: "+humanize.IBytes(smp.DiskFree)+" free")
	} else if st.DiskWarn {
		st.Warnings = append(st.Warnings, "disk low: "+humanize.IBytes(smp.DiskFree)+" free")
	}
	return st
}

// String renders a one-line summary for CLI and logs.
func (s Status) String() string {
	out := fmt.Sprintf("memory %s (%.0f%%)", humanize.IBytes(uint64(s.MemoryUsedMB*mib)), s.MemoryPercent*100)
	if s.DiskKnown {
		out += fmt.Sprintf(" | disk %s free of %s", humanize.IBytes(uint64(s.DiskFreeMB*mib)), humanize.IBytes(uint64(s.DiskTotalMB*mib)))
	}
	if s.ShouldPause() {
		out += " | dispatch paused"
	}
	return out
}
