package persona

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"missionctl/internal/fitness"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
)

// Probe checks one module. A nil error is a pass.
type Probe func(ctx context.Context) error

// FitnessCheck runs the in-process probe registered for the module named in
// a FITNESS_CHECK task's "source" payload.
type FitnessCheck struct {
	store  *fitness.Store
	probes map[string]Probe
}

func NewFitnessCheck(store *fitness.Store, probes map[string]Probe) *FitnessCheck {
	return &FitnessCheck{store: store, probes: probes}
}

func (f *FitnessCheck) CanHandle(t task.Task) bool {
	return t.Category == task.CategoryFitnessCheck
}

func (f *FitnessCheck) Execute(ctx context.Context, t task.Task, _ scheduler.ExecContext) (scheduler.Result, error) {
	module := t.PayloadString("source")
	if module == "" {
		return scheduler.Result{}, fmt.Errorf("%w: fitness check without source module", scheduler.ErrInvalidPayload)
	}
	probe, ok := f.probes[module]
	if !ok {
		// Modules without an in-process probe pass on their recorded history.
		rec, known := f.store.Get(module)
		if !known {
			return scheduler.Result{}, fmt.Errorf("%w: unknown module %q", scheduler.ErrInvalidPayload, module)
		}
		return scheduler.Result{
			Success:    true,
			Outcome:    task.OutcomeCompleted,
			Summary:    fmt.Sprintf("%s: no probe, status %s", module, rec.Status),
			Confidence: 1,
		}, nil
	}
	if err := probe(ctx); err != nil {
		return scheduler.Result{Err: fmt.Sprintf("%s probe: %v", module, err)}, nil
	}
	return scheduler.Result{
		Success:    true,
		Outcome:    task.OutcomeCompleted,
		Summary:    module + " probe passed",
		Confidence: 1,
	}, nil
}

// Modules lists the modules with a probe, sorted.
func (f *FitnessCheck) Modules() []string {
	out := make([]string, 0, len(f.probes))
	for m := range f.probes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Chain tries executors in order and runs the first that can handle a task.
type Chain []scheduler.Executor

func (c Chain) CanHandle(t task.Task) bool {
	return c.pick(t) != nil
}

func (c Chain) Execute(ctx context.Context, t task.Task, ec scheduler.ExecContext) (scheduler.Result, error) {
	e := c.pick(t)
	if e == nil {
		return scheduler.Result{}, fmt.Errorf("%w: %s for %s", scheduler.ErrNoExecutor, t.Persona, strings.ToLower(string(t.Category)))
	}
	return e.Execute(ctx, t, ec)
}

func (c Chain) pick(t task.Task) scheduler.Executor {
	for _, e := range c {
		if e != nil && e.CanHandle(t) {
			return e
		}
	}
	return nil
}
