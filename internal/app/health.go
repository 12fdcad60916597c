package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"missionctl/internal/persona"
	"missionctl/internal/task"
	"missionctl/internal/throttle"
)

// health backs GET /health and the /rpc health method.
func (a *App) health(ctx context.Context) map[string]error {
	out := map[string]error{
		"storage": a.storeReachable(ctx),
	}
	if st := a.res.Last(); st.ShouldPause() {
		out["resources"] = fmt.Errorf("resources critical: %s", st)
	} else {
		out["resources"] = nil
	}
	// Before the scheduler starts (rollback probe window) the lane check is
	// not meaningful.
	if a.schedStarted.Load() && !a.sched.Snapshot().Running {
		out["scheduler"] = errors.New("scheduler not running")
	} else {
		out["scheduler"] = nil
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Err()
	}
	return out
}

func (a *App) storeReachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := a.store.List(ctx, task.Filter{Limit: 1})
	return err
}

// fitnessProbes are the live checks FITNESS_CHECK tasks run per core module.
func (a *App) fitnessProbes() map[string]persona.Probe {
	return map[string]persona.Probe{
		"scheduler": a.storeReachable,
		"smt-throttler": func(context.Context) error {
			frozen := time.Unix(0, 0)
			smt := throttle.New(throttle.Config{
				Window:     time.Hour,
				MaxPrompts: 10,
				Now:        func() time.Time { return frozen },
			})
			for range 100 {
				if !smt.CanProceed(throttle.OpTaskExecute, "") {
					return nil
				}
				smt.RecordUsage(throttle.OpTaskExecute)
			}
			return errors.New("throttle never blocked a saturated window")
		},
		"boundaries": func(context.Context) error {
			cc, err := a.cfgm.Get().ChecklistConfig()
			if err != nil {
				return err
			}
			for _, p := range []string{"go.mod", "internal/selfmodify/boundaries.go"} {
				if v := cc.Boundaries.Check(p); v.Allowed {
					return fmt.Errorf("protected path %s is editable: %s", p, v.Reason)
				}
			}
			return nil
		},
		"rollback": func(ctx context.Context) error {
			_, err := a.git.RevisionAt(ctx)
			return err
		},
	}
}
