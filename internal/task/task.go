package task

import (
	"time"
)

type Status string

const (
	StatusBacklog        Status = "BACKLOG"
	StatusReady          Status = "READY"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusBlocked        Status = "BLOCKED"
	StatusWaitingOnHuman Status = "WAITING_ON_HUMAN"
	StatusDone           Status = "DONE"
)

type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeCompleted     Outcome = "COMPLETED"
	OutcomeBlocked       Outcome = "BLOCKED"
	OutcomeAborted       Outcome = "ABORTED"
	OutcomeRequiresHuman Outcome = "REQUIRES_HUMAN"
	OutcomeUnsafe        Outcome = "UNSAFE"
)

type Category string

const (
	CategoryDev            Category = "DEV"
	CategoryLegal          Category = "LEGAL"
	CategoryEmail          Category = "EMAIL"
	CategoryAdmin          Category = "ADMIN"
	CategoryResearch       Category = "RESEARCH"
	CategoryRnD            Category = "RND"
	CategorySMS            Category = "SMS"
	CategoryMissionControl Category = "MISSION_CONTROL"
	CategorySelfModify     Category = "SELF_MODIFY"
	CategoryFitnessCheck   Category = "FITNESS_CHECK"
	CategoryRustCheck      Category = "RUST_CHECK"
	CategoryRustFix        Category = "RUST_FIX"
)

var categories = map[Category]struct{}{
	CategoryDev: {}, CategoryLegal: {}, CategoryEmail: {}, CategoryAdmin: {},
	CategoryResearch: {}, CategoryRnD: {}, CategorySMS: {}, CategoryMissionControl: {},
	CategorySelfModify: {}, CategoryFitnessCheck: {}, CategoryRustCheck: {}, CategoryRustFix: {},
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { _, ok := categories[c]; return ok }

// Persona is the closed set of executor classes a task can be owned by.
type Persona string

const (
	PersonaDev          Persona = "Dev"
	PersonaLegalOps     Persona = "LegalOps"
	PersonaChiefOfStaff Persona = "ChiefOfStaff"
	PersonaRnD          Persona = "RnD"
)

// Personas lists every persona in dispatch order.
var Personas = []Persona{PersonaChiefOfStaff, PersonaDev, PersonaLegalOps, PersonaRnD}

func (p Persona) Valid() bool {
	switch p {
	case PersonaDev, PersonaLegalOps, PersonaChiefOfStaff, PersonaRnD:
		return true
	}
	return false
}

const DefaultMaxRetries = 3

// Task is the unit of work moved through the scheduler.
type Task struct {
	ID          string   `json:"taskId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    Category `json:"category"`
	Persona     Persona  `json:"personaOwner"`

	Status          Status  `json:"status"`
	Outcome         Outcome `json:"outcome,omitempty"`
	DecisionSummary string  `json:"decisionSummary,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`

	Urgency    int `json:"urgency"`
	Importance int `json:"importance"`
	Risk       int `json:"risk"`
	StressCost int `json:"stressCost"`

	RequiresApproval bool   `json:"requiresApproval"`
	Approved         bool   `json:"approved"`
	ApprovedBy       string `json:"approvedBy,omitempty"`

	DueBy               *time.Time `json:"dueBy,omitempty"`
	SLAHours            int        `json:"slaHours,omitempty"`
	EscalationThreshold int        `json:"escalationThreshold,omitempty"` // hours

	Dependencies []string       `json:"dependencies,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`

	MaxRetries    int        `json:"maxRetries"`
	RetryCount    int        `json:"retryCount"`
	LastRetryAt   *time.Time `json:"lastRetryAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
}

// PayloadString returns payload[key] when it is a non-empty string.
func (t Task) PayloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}

// Eligible reports whether a READY task may be dispatched at now
// (its retry backoff has elapsed).
func (t Task) Eligible(now time.Time) bool {
	return t.NextAttemptAt == nil || !now.Before(*t.NextAttemptAt)
}

// CreateInput is the caller-supplied part of a new task.
type CreateInput struct {
	Title       string
	Description string
	Category    Category
	Persona     Persona

	Urgency    int
	Importance int
	Risk       int
	StressCost int

	Status           Status // defaults to BACKLOG
	RequiresApproval bool

	DueBy               *time.Time
	SLAHours            int
	EscalationThreshold int

	Dependencies []string
	Payload      map[string]any
	MaxRetries   int
	CreatedBy    string
}

// Update is a partial update; nil fields are left untouched.
type Update struct {
	Status          *Status
	Outcome         *Outcome
	DecisionSummary *string
	Confidence      *float64

	Approved   *bool
	ApprovedBy *string

	RetryCount    *int
	LastRetryAt   *time.Time
	NextAttemptAt *time.Time
	// ClearNextAttempt resets NextAttemptAt to nil.
	ClearNextAttempt bool

	Payload map[string]any
}

// Filter selects tasks in List.
type Filter struct {
	Status   []Status
	Persona  Persona
	Category Category
	Limit    int
}

// Match reports whether t satisfies f (ignoring Limit).
func (f Filter) Match(t Task) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Persona != "" && t.Persona != f.Persona {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	return true
}

// Ptr is a small helper for building Update values.
func Ptr[T any](v T) *T { return &v }
