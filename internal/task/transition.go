package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidState      = errors.New("invalid task state")
	ErrInvalidInput      = errors.New("invalid task input")
)

var validTransitions = map[Status][]Status{
	StatusBacklog:        {StatusReady},
	StatusReady:          {StatusInProgress, StatusBlocked, StatusWaitingOnHuman},
	StatusInProgress:     {StatusDone, StatusBlocked, StatusWaitingOnHuman, StatusReady},
	StatusBlocked:        {StatusReady, StatusWaitingOnHuman},
	StatusWaitingOnHuman: {StatusReady, StatusBlocked},
	StatusDone:           nil,
}

// IsValidTransition reports whether from -> to is allowed by the state machine.
// Staying in the same status is not a transition and is handled by callers.
func IsValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks the cross-field invariants of a task.
func Validate(t Task) error {
	if t.Status == StatusDone && t.Outcome == OutcomeNone {
		return fmt.Errorf("%w: DONE tasks must have an outcome", ErrInvalidState)
	}
	if t.Outcome == OutcomeRequiresHuman && t.Status != StatusWaitingOnHuman {
		return fmt.Errorf("%w: REQUIRES_HUMAN outcome must have WAITING_ON_HUMAN status", ErrInvalidState)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidState, t.Confidence)
	}
	return nil
}

// New builds a task from in, applying defaults and validating input ranges.
func New(in CreateInput, now time.Time) (Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Task{}, fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if !in.Category.Valid() {
		return Task{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, in.Category)
	}
	if !in.Persona.Valid() {
		return Task{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidInput, in.Persona)
	}
	for name, v := range map[string]int{
		"urgency": in.Urgency, "importance": in.Importance, "risk": in.Risk, "stressCost": in.StressCost,
	} {
		if v < 1 || v > 5 {
			return Task{}, fmt.Errorf("%w: %s must be in 1..5, got %d", ErrInvalidInput, name, v)
		}
	}
	status := in.Status
	if status == "" {
		status = StatusBacklog
	}
	if status != StatusBacklog && status != StatusReady {
		return Task{}, fmt.Errorf("%w: new tasks start in BACKLOG or READY, got %s", ErrInvalidInput, status)
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		createdBy = "system"
	}

	t := Task{
		ID:                  uuid.NewString(),
		Title:               in.Title,
		Description:         in.Description,
		Category:            in.Category,
		Persona:             in.Persona,
		Status:              status,
		Urgency:             in.Urgency,
		Importance:          in.Importance,
		Risk:                in.Risk,
		StressCost:          in.StressCost,
		RequiresApproval:    in.RequiresApproval,
		DueBy:               in.DueBy,
		SLAHours:            in.SLAHours,
		EscalationThreshold: in.EscalationThreshold,
		Dependencies:        append([]string(nil), in.Dependencies...),
		Payload:             clonePayload(in.Payload),
		MaxRetries:          maxRetries,
		CreatedAt:           now,
		UpdatedAt:           now,
		CreatedBy:           createdBy,
	}
	return t, Validate(t)
}

// Apply returns t with upd applied. Status changes must be legal transitions
// and the result must satisfy Validate. Every store driver routes writes through here.
func Apply(t Task, upd Update, now time.Time) (Task, error) {
	next := t
	if upd.Status != nil && *upd.Status != t.Status {
		if !IsValidTransition(t.Status, *upd.Status) {
			return t, fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, *upd.Status, t.ID)
		}
		next.Status = *upd.Status
	}
	if upd.Outcome != nil {
		next.Outcome = *upd.Outcome
	}
	if upd.DecisionSummary != nil {
		next.DecisionSummary = *upd.DecisionSummary
	}
	if upd.Confidence != nil {
		next.Confidence = *upd.Confidence
	}
	if upd.Approved != nil {
		next.Approved = *upd.Approved
	}
	if upd.ApprovedBy != nil {
		next.ApprovedBy = *upd.ApprovedBy
	}
	if upd.RetryCount != nil {
		next.RetryCount = *upd.RetryCount
	}
	if upd.LastRetryAt != nil {
		v := *upd.LastRetryAt
		next.LastRetryAt = &v
	}
	if upd.ClearNextAttempt {
		next.NextAttemptAt = nil
	}
	if upd.NextAttemptAt != nil {
		v := *upd.NextAttemptAt
		next.NextAttemptAt = &v
	}
	if upd.Payload != nil {
		merged := clonePayload(t.Payload)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range upd.Payload {
			merged[k] = v
		}
		next.Payload = merged
	}
	if err := Validate(next); err != nil {
		return t, err
	}
	next.UpdatedAt = now
	return next, nil
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
