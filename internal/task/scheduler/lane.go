package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"missionctl/internal/eventbus"
	"missionctl/internal/fitness"
	"missionctl/internal/task"
	"missionctl/internal/throttle"
	logx "missionctl/pkg/logx"
)

// lane is the single in-flight slot of a persona. token identifies the run
// so a late result from an abandoned run is discarded.
type lane struct {
	taskID     string
	token      uint64
	started    time.Time
	completing bool
	cancel     context.CancelFunc
}

type execResult struct {
	res Result
	err error
}

// start moves t to IN_PROGRESS, claims the persona lane and runs exec in the
// background.
func (s *Scheduler) start(ctx context.Context, t task.Task, exec Executor) (bool, error) {
	cur, err := s.store.Update(ctx, t.ID, task.Update{Status: task.Ptr(task.StatusInProgress)})
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Raced with an operator action; leave it for the next tick.
			s.log.Debug("dispatch skipped", logx.String("task", t.ID), logx.Err(err))
			return false, nil
		}
		return false, fmt.Errorf("start %s: %w", t.ID, err)
	}

	cfg := s.config()
	runCtx, cancel := context.WithTimeout(s.sup.Context(), cfg.ExecutorTimeout)

	s.mu.Lock()
	s.nextToken++
	token := s.nextToken
	s.lanes[t.Persona] = &lane{taskID: t.ID, token: token, started: s.now(), cancel: cancel}
	s.mu.Unlock()

	s.audit(ctx, t.ID, "task.dispatched", map[string]any{
		"persona": string(t.Persona),
		"attempt": t.RetryCount + 1,
	}, performedBy)

	s.inflight.Add(1)
	s.sup.Go0("lane:"+string(t.Persona), func(context.Context) {
		defer s.inflight.Done()
		defer cancel()
		s.runLane(runCtx, cur, exec, token, cfg.ExecutorTimeout)
	})
	return true, nil
}

func (s *Scheduler) runLane(ctx context.Context, t task.Task, exec Executor, token uint64, timeout time.Duration) {
	ec := ExecContext{
		Identity: s.identityFor(ctx, t),
		RecordUsage: func(op string) {
			if s.smt != nil {
				s.smt.RecordUsage(op)
			}
		},
		Audit: func(action string, details map[string]any) {
			s.audit(ctx, t.ID, action, details, string(t.Persona))
		},
	}

	done := make(chan execResult, 1)
	go func() {
		res, err := safeExecute(ctx, exec, t, ec)
		done <- execResult{res: res, err: err}
	}()

	var out execResult
	select {
	case out = <-done:
		if s.smt != nil {
			s.smt.RecordUsage(throttle.OpTaskExecute)
		}
	case <-ctx.Done():
		out.err = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
	if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w: executor timed out after %s", ErrAborted, timeout)
	}

	if !s.claimCompletion(t.Persona, token) {
		s.log.Warn("discarding result of abandoned run", logx.String("task", t.ID))
		return
	}
	defer s.releaseLane(t.Persona, token)

	// Completion writes must land even when shutdown cancelled the run.
	s.complete(context.WithoutCancel(ctx), t.ID, out)
}

func safeExecute(ctx context.Context, exec Executor, t task.Task, ec ExecContext) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: executor panic: %v\n%s", ErrAborted, r, debug.Stack())
		}
	}()
	return exec.Execute(ctx, t, ec)
}

func (s *Scheduler) identityFor(ctx context.Context, t task.Task) string {
	if s.identity == nil {
		return ""
	}
	id, err := s.identity.Identity(ctx, t)
	if err != nil {
		s.log.Warn("identity unavailable", logx.String("task", t.ID), logx.Err(err))
		return ""
	}
	return id
}

func (s *Scheduler) claimCompletion(p task.Persona, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[p]
	if !ok || l.token != token {
		return false
	}
	l.completing = true
	return true
}

func (s *Scheduler) releaseLane(p task.Persona, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[p]; ok && l.token == token {
		delete(s.lanes, p)
	}
}

// complete routes an execution result: approval, fitness gate, then DONE,
// or the failure path.
func (s *Scheduler) complete(ctx context.Context, id string, out execResult) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error("reload task after execution failed", logx.String("task", id), logx.Err(err))
		return
	}
	if t.Status != task.StatusInProgress {
		s.log.Warn("task left IN_PROGRESS during execution", logx.String("task", id), logx.String("status", string(t.Status)))
		return
	}

	res := out.res
	if out.err != nil || !res.Success {
		cause := out.err
		if cause == nil {
			msg := res.Err
			if msg == "" {
				msg = "executor reported failure"
			}
			cause = fmt.Errorf("%w: %s", ErrAborted, msg)
		}
		// Malformed input says nothing about the module.
		if !IsPermanent(cause) && !errors.Is(cause, ErrNoExecutor) {
			outcome := res.Outcome
			if outcome == task.OutcomeNone || outcome == task.OutcomeCompleted {
				outcome = task.OutcomeAborted
			}
			s.assess(t, fitness.Execution{
				Outcome:     outcome,
				Summary:     res.Summary,
				Confidence:  res.Confidence,
				PromptsUsed: res.PromptsUsed,
				Err:         cause.Error(),
			})
		}
		s.fail(ctx, t, cause, string(t.Persona))
		return
	}

	if res.Outcome == task.OutcomeRequiresHuman {
		s.escalate(ctx, t, res)
		return
	}

	verdict, assessed := s.assess(t, fitness.Execution{
		Outcome:     res.Outcome,
		Summary:     res.Summary,
		Confidence:  res.Confidence,
		PromptsUsed: res.PromptsUsed,
		Err:         res.Err,
	})
	if assessed && !verdict.Pass {
		s.fail(ctx, t, fmt.Errorf("%w: %s", ErrFitnessFailed, verdict.Reason()), "fitness-assessor")
		return
	}
	s.finish(ctx, t, res)
}

// assess records ex against t's module and raises the degradation alert.
func (s *Scheduler) assess(t task.Task, ex fitness.Execution) (fitness.Outcome, bool) {
	if s.assessor == nil {
		return fitness.Outcome{}, false
	}
	verdict := s.assessor.Assess(t, ex)
	if verdict.Degraded {
		s.publish(eventbus.TopicAlert, Alert{
			Kind:    "module_degradation",
			Module:  verdict.ModuleName,
			TaskID:  t.ID,
			Message: verdict.Reason(),
		})
	}
	return verdict, true
}

// Alert is the payload of mission.alert events.
type Alert struct {
	Kind    string `json:"kind"`
	Module  string `json:"module,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message"`
}

func (s *Scheduler) escalate(ctx context.Context, t task.Task, res Result) {
	upd := task.Update{
		Status:          task.Ptr(task.StatusWaitingOnHuman),
		Outcome:         task.Ptr(task.OutcomeRequiresHuman),
		DecisionSummary: task.Ptr(res.Summary),
		Confidence:      task.Ptr(clamp01(res.Confidence)),
	}
	if _, err := s.store.Update(ctx, t.ID, upd); err != nil {
		s.log.Error("escalate task failed", logx.String("task", t.ID), logx.Err(err))
		return
	}
	s.audit(ctx, t.ID, "task.requires_human", map[string]any{"summary": res.Summary}, string(t.Persona))
	s.publish(eventbus.TopicApprovalRequired, ApprovalRequest{
		TaskID: t.ID, Title: t.Title, Category: t.Category, Persona: t.Persona, Urgency: t.Urgency,
	})
}

func (s *Scheduler) finish(ctx context.Context, t task.Task, res Result) {
	outcome := res.Outcome
	if outcome == task.OutcomeNone {
		outcome = task.OutcomeCompleted
	}
	done, err := s.store.Update(ctx, t.ID, task.Update{
		Status:           task.Ptr(task.StatusDone),
		Outcome:          task.Ptr(outcome),
		DecisionSummary:  task.Ptr(res.Summary),
		Confidence:       task.Ptr(clamp01(res.Confidence)),
		ClearNextAttempt: true,
	})
	if err != nil {
		s.log.Error("complete task failed", logx.String("task", t.ID), logx.Err(err))
		return
	}

	s.mu.Lock()
	s.counters.TasksProcessed++
	s.counters.LastTaskAt = s.now()
	hooks := append([]PostTaskHook(nil), s.hooks...)
	s.mu.Unlock()

	s.audit(ctx, t.ID, "task.completed", map[string]any{
		"outcome":     string(outcome),
		"confidence":  done.Confidence,
		"promptsUsed": res.PromptsUsed,
		"module":      fitness.ModuleFor(t),
	}, string(t.Persona))
	s.publish(eventbus.TopicTaskDone, done)
	s.log.Info("task done", logx.String("task", t.ID), logx.String("persona", string(t.Persona)), logx.String("outcome", string(outcome)))

	for _, h := range hooks {
		if err := runHook(ctx, h, done, res); err != nil {
			s.log.Warn("post-task hook failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
}

func runHook(ctx context.Context, h PostTaskHook, t task.Task, res Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return h(ctx, t, res)
}

// fail consumes a retry, or blocks t once retries are exhausted or the cause
// is permanent.
func (s *Scheduler) fail(ctx context.Context, t task.Task, cause error, by string) {
	cfg := s.config()
	now := s.now()
	attempts := t.RetryCount + 1

	if IsPermanent(cause) || attempts >= t.MaxRetries {
		summary := fmt.Sprintf("failed after %d retries: %v", t.MaxRetries, cause)
		if IsPermanent(cause) {
			summary = fmt.Sprintf("not retried: %v", cause)
		}
		blocked, err := s.store.Update(ctx, t.ID, task.Update{
			Status:           task.Ptr(task.StatusBlocked),
			Outcome:          task.Ptr(task.OutcomeBlocked),
			DecisionSummary:  task.Ptr(summary),
			RetryCount:       task.Ptr(attempts),
			LastRetryAt:      &now,
			ClearNextAttempt: true,
		})
		if err != nil {
			s.log.Error("block task failed", logx.String("task", t.ID), logx.Err(err))
			return
		}
		s.mu.Lock()
		s.counters.TasksFailed++
		s.counters.LastTaskAt = now
		s.mu.Unlock()
		s.audit(ctx, t.ID, "task.blocked", map[string]any{"error": cause.Error(), "attempts": attempts}, by)
		s.publish(eventbus.TopicTaskBlocked, blocked)
		s.log.Warn("task blocked", logx.String("task", t.ID), logx.Int("attempts", attempts), logx.Err(cause))
		return
	}

	delay := backoff(cfg, t.RetryCount, cause)
	next := now.Add(delay)
	_, err := s.store.Update(ctx, t.ID, task.Update{
		Status:          task.Ptr(task.StatusReady),
		DecisionSummary: task.Ptr(fmt.Sprintf("attempt %d failed: %v", attempts, cause)),
		RetryCount:      task.Ptr(attempts),
		LastRetryAt:     &now,
		NextAttemptAt:   &next,
	})
	if err != nil {
		s.log.Error("schedule retry failed", logx.String("task", t.ID), logx.Err(err))
		return
	}
	s.audit(ctx, t.ID, "task.retry_scheduled", map[string]any{
		"error":     cause.Error(),
		"attempt":   attempts,
		"backoffMs": delay.Milliseconds(),
	}, by)
	s.log.Info("task retry scheduled", logx.String("task", t.ID), logx.Int("attempt", attempts), logx.Duration("backoff", delay))
}

// backoff is base*2^retries capped at BackoffMax; a RetryAfter hint replaces
// the exponential delay but keeps the cap.
func backoff(cfg Config, retries int, cause error) time.Duration {
	var ra RetryAfterError
	if errors.As(cause, &ra) && ra.RetryAfter() > 0 {
		return min(ra.RetryAfter(), cfg.BackoffMax)
	}
	d := cfg.BackoffBase
	for i := 0; i < retries && d < cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, cfg.BackoffMax)
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// Drain waits for in-flight executions to finish or ctx to end.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
