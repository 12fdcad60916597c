package task

import (
	"sort"
	"time"
)

// Priority weights. Risk and stress both lower the score.
const (
	WeightUrgency    = 2.0
	WeightImportance = 2.0
	WeightRisk       = 1.5
	WeightStressCost = 1.0

	escalationBonus = 2.0
	retryPenalty    = 0.5
)

// Score computes the dispatch priority of t at now.
//
// Aging tasks with an EscalationThreshold gain +2 per elapsed threshold period;
// each retry costs 0.5 so a flapping task yields to fresh work.
func Score(t Task, now time.Time) float64 {
	score := float64(t.Urgency)*WeightUrgency +
		float64(t.Importance)*WeightImportance -
		float64(t.Risk)*WeightRisk -
		float64(t.StressCost)*WeightStressCost

	if t.EscalationThreshold > 0 && !t.CreatedAt.IsZero() {
		age := now.Sub(t.CreatedAt)
		period := time.Duration(t.EscalationThreshold) * time.Hour
		if age > period {
			score += float64(age/period) * escalationBonus
		}
	}
	score -= float64(t.RetryCount) * retryPenalty
	return score
}

// SortByPriority orders tasks by descending score; equal scores keep strict
// FIFO order by CreatedAt.
func SortByPriority(tasks []Task, now time.Time) {
	scores := make(map[string]float64, len(tasks))
	for _, t := range tasks {
		scores[t.ID] = Score(t, now)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := scores[tasks[i].ID], scores[tasks[j].ID]
		if si != sj {
			return si > sj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
