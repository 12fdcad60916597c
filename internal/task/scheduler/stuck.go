package scheduler

import (
	"context"
	"fmt"
	"time"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

// RecoverStuck sends IN_PROGRESS tasks older than StuckThreshold through the
// failure path and frees their lanes. A run that is already completing is
// left alone. It returns the number of tasks recovered.
func (s *Scheduler) RecoverStuck(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	cfg := s.config()
	now := s.now()
	running, err := s.store.List(ctx, task.Filter{Status: []task.Status{task.StatusInProgress}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range running {
		age := now.Sub(t.UpdatedAt)
		if age <= cfg.StuckThreshold {
			continue
		}
		if !s.abandonLane(t) {
			continue
		}
		s.log.Warn("recovering stuck task", logx.String("task", t.ID), logx.Duration("age", age))
		s.fail(ctx, t, fmt.Errorf("%w: stuck in progress for %s", ErrAborted, age.Round(time.Second)), performedBy)
		n++
	}
	return n, nil
}

// abandonLane releases the lane running t unless its result is being
// recorded right now. Tasks with no lane (e.g. after a restart) are free.
func (s *Scheduler) abandonLane(t task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[t.Persona]
	if !ok || l.taskID != t.ID {
		return true
	}
	if l.completing {
		return false
	}
	delete(s.lanes, t.Persona)
	if l.cancel != nil {
		l.cancel()
	}
	return true
}
