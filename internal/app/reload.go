package app

import (
	"context"
	"strings"

	"missionctl/internal/config"
	logx "missionctl/pkg/logx"
)

// startConfigReload fans validated config updates out to the components that
// support live changes. Sections that need a restart are only reported.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, fields := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config update carried no effective changes")
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("config change needs a restart to take full effect",
			logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(newCfg.LogConfig())

	if tc, err := newCfg.ThrottleConfig(); err != nil {
		a.log.Warn("invalid throttle config; keeping previous", logx.Err(err))
	} else {
		a.smt.Configure(tc)
	}
	if rc, err := newCfg.ResourceConfig(); err != nil {
		a.log.Warn("invalid resource config; keeping previous", logx.Err(err))
	} else {
		a.res.Configure(rc)
	}
	if sc, err := newCfg.SchedulerConfig(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Configure(sc); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	a.pprof.Apply(ctx, newCfg.PprofConfig())

	switch enabled := newCfg.Scheduler.IsEnabled(); {
	case enabled && !a.schedStarted.Load():
		if err := a.startScheduler(); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	case !enabled && a.schedStarted.Load():
		if err := a.stopScheduler(ctx); err != nil {
			a.log.Warn("scheduler stop failed", logx.Err(err))
		}
	}

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}
