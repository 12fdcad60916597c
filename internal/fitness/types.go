// Package fitness tracks per-module correctness, reliability and efficiency
// streaks and gates task completion on them.
package fitness

import "time"

type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusUnstable Status = "unstable"
	StatusStable   Status = "stable"
	StatusFailing  Status = "failing"
)

const (
	DefaultRequiredPasses  = 3
	DefaultMaxPrompts      = 20
	DefaultInterval        = 168 * time.Hour
	MaxHistory             = 50
	autoRegistrationDetail = "Auto-registered module (no explicit correctness definition)"
)

// Metrics is one assessment's pass/fail per dimension.
type Metrics struct {
	Correctness bool `json:"correctness"`
	Reliability bool `json:"reliability"`
	Efficiency  bool `json:"efficiency"`
}

// Passed is true only when every dimension passed.
func (m Metrics) Passed() bool { return m.Correctness && m.Reliability && m.Efficiency }

// Snapshot is one history entry.
type Snapshot struct {
	Metrics
	At          time.Time `json:"ts"`
	TaskID      string    `json:"taskId,omitempty"`
	PromptsUsed int       `json:"promptsUsed,omitempty"`
}

// Record is the per-module fitness state. Records are never deleted.
type Record struct {
	ModuleName             string        `json:"moduleName"`
	Status                 Status        `json:"status"`
	ConsecutivePasses      int           `json:"consecutivePasses"`
	RequiredPasses         int           `json:"requiredPasses"`
	Stable                 bool          `json:"stable"`
	MaxPromptsPerExecution int           `json:"maxPromptsPerExecution"`
	LastMetrics            *Metrics      `json:"lastMetrics,omitempty"`
	LastAssessedAt         *time.Time    `json:"lastAssessedAt,omitempty"`
	LastStableAt           *time.Time    `json:"lastStableAt,omitempty"`
	ReassessmentInterval   time.Duration `json:"reassessmentInterval"`
	RegisteredAt           time.Time     `json:"registeredAt"`
	TotalAssessments       int           `json:"totalAssessments"`
	TotalPasses            int           `json:"totalPasses"`
	TotalFailures          int           `json:"totalFailures"`
	History                []Snapshot    `json:"history,omitempty"`
	CorrectnessDescription string        `json:"correctnessDescription,omitempty"`
}

// Due reports whether the module should be reassessed at now.
// Never-assessed modules are always due.
func (r Record) Due(now time.Time) bool {
	if r.LastAssessedAt == nil {
		return true
	}
	return now.Sub(*r.LastAssessedAt) >= r.ReassessmentInterval
}

func (r Record) clone() Record {
	cp := r
	cp.History = append([]Snapshot(nil), r.History...)
	if r.LastMetrics != nil {
		m := *r.LastMetrics
		cp.LastMetrics = &m
	}
	if r.LastAssessedAt != nil {
		t := *r.LastAssessedAt
		cp.LastAssessedAt = &t
	}
	if r.LastStableAt != nil {
		t := *r.LastStableAt
		cp.LastStableAt = &t
	}
	return cp
}

// Registration seeds a module record.
type Registration struct {
	ModuleName             string
	CorrectnessDescription string
	RequiredPasses         int
	MaxPromptsPerExecution int
	Interval               time.Duration
}

// RecordResult describes what a single Record call changed.
type RecordResult struct {
	Record       Record
	Passed       bool
	Degraded     bool // stable -> failing
	BecameStable bool
}

type Summary struct {
	TotalModules int     `json:"totalModules"`
	Stable       int     `json:"stable"`
	Unstable     int     `json:"unstable"`
	Failing      int     `json:"failing"`
	Unknown      int     `json:"unknown"`
	Overdue      int     `json:"overdue"`
	FitnessRatio float64 `json:"fitnessRatio"`
}
