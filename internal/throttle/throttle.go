// Package throttle implements the SMT admission counter that gates
// prompt-consuming operations within a fixed time window.
package throttle

import (
	"math"
	"sync"
	"time"
)

// Operations that are never throttled nor counted.
const (
	OpIdentityExtract = "identity.extract"
	OpAuditAppend     = "audit.append"
	OpHealthCheck     = "health.check"
	OpPause           = "mission.pause"
	OpStatus          = "mission.status"

	// OpTaskExecute is the operation the scheduler checks before dispatch.
	OpTaskExecute = "task.execute"
)

var exempt = map[string]struct{}{
	OpIdentityExtract: {},
	OpAuditAppend:     {},
	OpHealthCheck:     {},
	OpPause:           {},
	OpStatus:          {},
}

// IsExempt reports whether op bypasses throttling.
func IsExempt(op string) bool {
	_, ok := exempt[op]
	return ok
}

type Config struct {
	Window            time.Duration
	MaxPrompts        int
	TargetUtilization float64
	ReservePercent    float64

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Window:            5 * time.Hour,
		MaxPrompts:        500,
		TargetUtilization: 0.95,
		ReservePercent:    0.2,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxPrompts <= 0 {
		c.MaxPrompts = d.MaxPrompts
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization > 1 {
		c.TargetUtilization = d.TargetUtilization
	}
	if c.ReservePercent < 0 || c.ReservePercent > 1 {
		c.ReservePercent = d.ReservePercent
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Metrics is a point-in-time view of the throttler.
type Metrics struct {
	Used        int       `json:"used"`
	Utilization float64   `json:"utilization"`
	Remaining   float64   `json:"remaining"`
	Paused      bool      `json:"paused"`
	Burst       bool      `json:"burstMode"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// SMT is safe for concurrent use. All methods are O(1) and do no I/O.
type SMT struct {
	mu          sync.Mutex
	cfg         Config
	used        int
	windowStart time.Time
	paused      bool
	burst       bool
}

func New(cfg Config) *SMT {
	cfg = cfg.normalize()
	return &SMT{cfg: cfg, windowStart: cfg.Now()}
}

// Configure swaps limits in place. Usage in the current window is kept.
func (s *SMT) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Now == nil {
		cfg.Now = s.cfg.Now
	}
	s.cfg = cfg.normalize()
}

// CanProceed reports whether op (of the given task category, may be empty)
// may run now.
func (s *SMT) CanProceed(op, category string) bool {
	if IsExempt(op) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return false
	}
	s.rollLocked()
	return s.used < s.limitLocked(category)
}

// RecordUsage counts one use of op in the current window.
func (s *SMT) RecordUsage(op string) {
	if IsExempt(op) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	s.used++
}

func (s *SMT) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *SMT) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *SMT) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// EnableBurst lifts the limit to MaxPrompts for every category.
func (s *SMT) EnableBurst() {
	s.mu.Lock()
	s.burst = true
	s.mu.Unlock()
}

func (s *SMT) DisableBurst() {
	s.mu.Lock()
	s.burst = false
	s.mu.Unlock()
}

// Utilization is usage relative to the target limit; it may exceed 1 in burst mode.
func (s *SMT) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return float64(s.used) / s.targetLocked()
}

func (s *SMT) Remaining() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return math.Max(0, s.targetLocked()-float64(s.used))
}

func (s *SMT) WindowEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.windowStart.Add(s.cfg.Window)
}

func (s *SMT) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	target := s.targetLocked()
	return Metrics{
		Used:        s.used,
		Utilization: float64(s.used) / target,
		Remaining:   math.Max(0, target-float64(s.used)),
		Paused:      s.paused,
		Burst:       s.burst,
		WindowEnd:   s.windowStart.Add(s.cfg.Window),
	}
}

func (s *SMT) rollLocked() {
	now := s.cfg.Now()
	if now.Sub(s.windowStart) >= s.cfg.Window {
		s.used = 0
		s.windowStart = now
	}
}

func (s *SMT) targetLocked() float64 {
	return float64(s.cfg.MaxPrompts) * s.cfg.TargetUtilization
}

func (s *SMT) limitLocked(category string) int {
	if s.burst {
		return s.cfg.MaxPrompts
	}
	switch category {
	case "LEGAL", "EMAIL":
		// Priority categories may dip into half of the reserve.
		return int(math.Floor(float64(s.cfg.MaxPrompts) * (1 - s.cfg.ReservePercent*0.5)))
	}
	return int(math.Floor(s.targetLocked()))
}
