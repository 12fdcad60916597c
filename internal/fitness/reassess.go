package fitness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"missionctl/internal/storage"
	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

const DefaultMaxTasksPerCall = 5

var statusRank = map[Status]int{
	StatusFailing:  0,
	StatusUnstable: 1,
	StatusUnknown:  2,
	StatusStable:   3,
}

// Reassessor creates FITNESS_CHECK tasks for modules whose interval elapsed.
type Reassessor struct {
	store    *Store
	log      logx.Logger
	now      func() time.Time
	maxTasks int
}

func NewReassessor(store *Store, log logx.Logger, now func() time.Time) *Reassessor {
	if now == nil {
		now = time.Now
	}
	return &Reassessor{store: store, log: log, now: now, maxTasks: DefaultMaxTasksPerCall}
}

// CreateTasks returns the number of tasks created. Nothing is created while a
// FITNESS_CHECK task is READY or IN_PROGRESS.
func (r *Reassessor) CreateTasks(ctx context.Context, ts storage.TaskStore) (int, error) {
	pending, err := ts.List(ctx, task.Filter{
		Category: task.CategoryFitnessCheck,
		Status:   []task.Status{task.StatusReady, task.StatusInProgress},
		Limit:    1,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending fitness checks: %w", err)
	}
	if len(pending) > 0 {
		return 0, nil
	}

	due := r.store.DueForReassessment(r.now())
	if len(due) == 0 {
		return 0, nil
	}
	sort.SliceStable(due, func(i, j int) bool { return statusRank[due[i].Status] < statusRank[due[j].Status] })
	if len(due) > r.maxTasks {
		due = due[:r.maxTasks]
	}

	created := 0
	names := make([]string, 0, len(due))
	for _, mod := range due {
		urgency := 3
		switch mod.Status {
		case StatusFailing:
			urgency = 5
		case StatusUnstable:
			urgency = 4
		}
		payload := map[string]any{
			"source":               mod.ModuleName,
			"action":               "fitness_reassessment",
			"currentStatus":        string(mod.Status),
			"consecutivePasses":    mod.ConsecutivePasses,
			"correctnessCriterion": mod.CorrectnessDescription,
		}
		if mod.LastAssessedAt != nil {
			payload["lastAssessedAt"] = mod.LastAssessedAt.UTC().Format(time.RFC3339)
		}
		_, err := ts.Create(ctx, task.CreateInput{
			Title: "Fitness Re-Assessment: " + mod.ModuleName,
			Description: fmt.Sprintf("Re-assess %s. Status: %s. Streak: %d/%d. Check: %s",
				mod.ModuleName, mod.Status, mod.ConsecutivePasses, mod.RequiredPasses, mod.CorrectnessDescription),
			Category:   task.CategoryFitnessCheck,
			Persona:    task.PersonaDev,
			Urgency:    urgency,
			Importance: 4,
			Risk:       1,
			StressCost: 2,
			Status:     task.StatusReady,
			Payload:    payload,
			CreatedBy:  "fitness-assessor",
		})
		if err != nil {
			return created, fmt.Errorf("create reassessment for %s: %w", mod.ModuleName, err)
		}
		created++
		names = append(names, mod.ModuleName)
	}
	if created > 0 {
		r.log.Info("created fitness reassessment tasks", logx.Int("count", created), logx.Strings("modules", names))
	}
	return created, nil
}
