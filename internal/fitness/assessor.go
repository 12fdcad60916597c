package fitness

import (
	"fmt"
	"strings"
	"time"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

// Execution is what the scheduler observed about one executor run.
type Execution struct {
	Outcome     task.Outcome
	Summary     string
	Confidence  float64
	PromptsUsed int
	Err         string // executor-reported error, empty on clean runs
}

// Outcome is the verdict for one execution.
type Outcome struct {
	Pass       bool
	Reasons    []string
	Metrics    Metrics
	Degraded   bool
	ModuleName string
}

// Reason joins the failure reasons into one line.
func (o Outcome) Reason() string {
	if len(o.Reasons) == 0 {
		return ""
	}
	return "fitness failed: " + strings.Join(o.Reasons, "; ")
}

var categoryModules = map[task.Category]string{
	task.CategorySelfModify:     "self-modify",
	task.CategoryFitnessCheck:   "fitness-assessor",
	task.CategoryMissionControl: "roadmap-observer",
}

// ModuleFor derives the module a task exercises: payload "source" first,
// then the category map, then "scheduler".
func ModuleFor(t task.Task) string {
	if src := strings.TrimSpace(t.PayloadString("source")); src != "" {
		return src
	}
	if m, ok := categoryModules[t.Category]; ok {
		return m
	}
	return "scheduler"
}

type AssessorConfig struct {
	MinConfidence float64
	Now           func() time.Time
}

type Assessor struct {
	store         *Store
	log           logx.Logger
	minConfidence float64
	now           func() time.Time
}

func NewAssessor(store *Store, cfg AssessorConfig, log logx.Logger) *Assessor {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assessor{store: store, log: log, minConfidence: cfg.MinConfidence, now: cfg.Now}
}

// Assess evaluates ex for t's module and records the result.
// FITNESS_CHECK tasks verify other modules: the task itself always passes,
// while a reported error records a failure for the module under check.
func (a *Assessor) Assess(t task.Task, ex Execution) Outcome {
	module := ModuleFor(t)
	out := Outcome{ModuleName: module}

	if t.Category == task.CategoryFitnessCheck {
		ok := strings.TrimSpace(ex.Err) == ""
		out.Pass = true
		out.Metrics = Metrics{Correctness: ok, Reliability: ok, Efficiency: ok}
		if !ok {
			out.Reasons = append(out.Reasons, "check failed: "+ex.Err)
		}
		out.Degraded = a.record(module, t, ex, out.Metrics).Degraded
		a.logDegraded(out, t)
		return out
	}

	maxPrompts := DefaultMaxPrompts
	if a.store != nil {
		if r, ok := a.store.Get(module); ok && r.MaxPromptsPerExecution > 0 {
			maxPrompts = r.MaxPromptsPerExecution
		}
	}

	m := Metrics{
		Correctness: ex.Outcome == task.OutcomeCompleted,
		Reliability: strings.TrimSpace(ex.Err) == "",
		Efficiency:  ex.Confidence >= a.minConfidence && ex.PromptsUsed <= maxPrompts,
	}
	if !m.Correctness {
		out.Reasons = append(out.Reasons, fmt.Sprintf("outcome=%s (expected COMPLETED)", ex.Outcome))
	}
	if !m.Reliability {
		out.Reasons = append(out.Reasons, "executor error: "+ex.Err)
	}
	if ex.Confidence < a.minConfidence {
		out.Reasons = append(out.Reasons, fmt.Sprintf("confidence=%.2f < %.2f", ex.Confidence, a.minConfidence))
	}
	if ex.PromptsUsed > maxPrompts {
		out.Reasons = append(out.Reasons, fmt.Sprintf("prompts=%d > %d", ex.PromptsUsed, maxPrompts))
	}
	out.Metrics = m
	out.Pass = m.Passed()
	out.Degraded = a.record(module, t, ex, m).Degraded
	a.logDegraded(out, t)
	return out
}

func (a *Assessor) logDegraded(out Outcome, t task.Task) {
	if !out.Degraded {
		return
	}
	a.log.Warn("module degradation detected",
		logx.String("module", out.ModuleName),
		logx.String("task_id", t.ID),
		logx.String("reason", out.Reason()),
	)
}

func (a *Assessor) record(module string, t task.Task, ex Execution, m Metrics) RecordResult {
	if a.store == nil {
		return RecordResult{Passed: m.Passed()}
	}
	res := a.store.Record(module, Snapshot{Metrics: m, At: a.now(), TaskID: t.ID, PromptsUsed: ex.PromptsUsed})
	if res.BecameStable {
		a.log.Info("module converged", logx.String("module", module), logx.Int("passes", res.Record.ConsecutivePasses))
	}
	return res
}
