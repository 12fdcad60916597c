package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missionctl/internal/eventbus"
	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

const autoApprover = "auto-approval"

// Approve releases a task held for a human. A WAITING_ON_HUMAN task goes back
// to READY; a BACKLOG or READY task is pre-approved in place.
func (s *Scheduler) Approve(ctx context.Context, id, by string) (task.Task, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return task.Task{}, fmt.Errorf("%w: approver required", task.ErrInvalidInput)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	upd := task.Update{Approved: task.Ptr(true), ApprovedBy: task.Ptr(by)}
	switch t.Status {
	case task.StatusWaitingOnHuman:
		upd.Status = task.Ptr(task.StatusReady)
		upd.Outcome = task.Ptr(task.OutcomeNone)
		upd.ClearNextAttempt = true
	case task.StatusBacklog, task.StatusReady:
	default:
		return t, fmt.Errorf("%w: cannot approve %s task %s", task.ErrInvalidState, t.Status, id)
	}
	out, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return t, err
	}
	s.audit(ctx, id, "task.approved", map[string]any{"from": string(t.Status)}, by)
	return out, nil
}

// Reject blocks a task awaiting approval (or not yet started).
func (s *Scheduler) Reject(ctx context.Context, id, by, reason string) (task.Task, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return task.Task{}, fmt.Errorf("%w: rejecter required", task.ErrInvalidInput)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.StatusWaitingOnHuman && t.Status != task.StatusReady {
		return t, fmt.Errorf("%w: cannot reject %s task %s", task.ErrInvalidState, t.Status, id)
	}
	summary := "rejected by " + by
	if reason = strings.TrimSpace(reason); reason != "" {
		summary += ": " + reason
	}
	out, err := s.store.Update(ctx, id, task.Update{
		Status:          task.Ptr(task.StatusBlocked),
		Outcome:         task.Ptr(task.OutcomeBlocked),
		DecisionSummary: task.Ptr(summary),
	})
	if err != nil {
		return t, err
	}
	s.audit(ctx, id, "task.rejected", map[string]any{"reason": reason}, by)
	s.publish(eventbus.TopicTaskBlocked, out)
	return out, nil
}

// ExpireApprovals resolves tasks that waited longer than ApprovalTimeout:
// urgent ones are auto-approved, the rest are blocked for review.
// It returns the number of tasks resolved.
func (s *Scheduler) ExpireApprovals(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	cfg := s.config()
	now := s.now()
	waiting, err := s.store.List(ctx, task.Filter{Status: []task.Status{task.StatusWaitingOnHuman}})
	if err != nil {
		return 0, err
	}
	hours := cfg.ApprovalTimeout.Hours()
	n := 0
	for _, t := range waiting {
		if now.Sub(t.UpdatedAt) <= cfg.ApprovalTimeout {
			continue
		}
		var (
			upd    task.Update
			action string
		)
		if t.Urgency >= cfg.AutoApproveUrgency {
			action = "task.auto_approved"
			upd = task.Update{
				Status:          task.Ptr(task.StatusReady),
				Outcome:         task.Ptr(task.OutcomeNone),
				Approved:        task.Ptr(true),
				ApprovedBy:      task.Ptr(autoApprover),
				DecisionSummary: task.Ptr(fmt.Sprintf("auto-approved after %gh timeout (urgency %d)", hours, t.Urgency)),
			}
		} else {
			action = "task.approval_expired"
			upd = task.Update{
				Status:          task.Ptr(task.StatusBlocked),
				Outcome:         task.Ptr(task.OutcomeBlocked),
				DecisionSummary: task.Ptr(fmt.Sprintf("approval timeout exceeded after %gh; blocked pending human review", hours)),
			}
		}
		out, err := s.store.Update(ctx, t.ID, upd)
		if err != nil {
			s.log.Warn("approval expiry failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		n++
		s.audit(ctx, t.ID, action, map[string]any{
			"waited":  now.Sub(t.UpdatedAt).Round(time.Second).String(),
			"urgency": t.Urgency,
		}, performedBy)
		if out.Status == task.StatusBlocked {
			s.publish(eventbus.TopicTaskBlocked, out)
		}
	}
	return n, nil
}
