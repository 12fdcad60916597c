package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"missionctl/internal/breaker"
	"missionctl/internal/config"
	"missionctl/internal/eventbus"
	"missionctl/internal/fitness"
	"missionctl/internal/httpapi"
	"missionctl/internal/notify"
	"missionctl/internal/observability/pprof"
	"missionctl/internal/persona"
	"missionctl/internal/resource"
	"missionctl/internal/restart"
	"missionctl/internal/runtime/supervisor"
	"missionctl/internal/selfmodify"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	"missionctl/internal/throttle"
	logx "missionctl/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	bus      *eventbus.Bus
	smt      *throttle.SMT
	res      *resource.Monitor
	fit      *fitness.Store
	breakers *breaker.Registry
	sched    *scheduler.Scheduler
	fitCheck *persona.FitnessCheck

	checklist *selfmodify.Checklist
	reloader  *selfmodify.Reloader
	rollback  *selfmodify.Rollback
	git       *selfmodify.Git

	api   *httpapi.Server
	notif *notify.Service
	tg    *notify.Telegram
	pprof *pprof.Service

	sup          *supervisor.Supervisor
	schedStarted atomic.Bool
	lastRollback atomic.Pointer[selfmodify.RollbackReport]
}

type options struct {
	env *viper.Viper
	now func() time.Time
}

type Option func(*options)

// WithEnv replaces the process environment used for MISSIONCTL_* overrides.
func WithEnv(v *viper.Viper) Option { return func(o *options) { o.env = v } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.env == nil {
		o.env = config.NewEnv()
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, config.WithLogger(bootLog), config.WithEnv(o.env))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{cfgm: cfgm, cfg: cfg, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	if err := a.build(cfg, log, o.now); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, now func() time.Time) error {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	sc.Now = now
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a.bus = eventbus.New(log.With(logx.String("comp", "eventbus")), eventbus.WithAudit(a.store), eventbus.WithClock(now))

	tc, err := cfg.ThrottleConfig()
	if err != nil {
		return err
	}
	tc.Now = now
	a.smt = throttle.New(tc)

	rc, err := cfg.ResourceConfig()
	if err != nil {
		return err
	}
	a.res = resource.New(rc, log.With(logx.String("comp", "resources")), resource.WithClock(now))

	a.fit, err = fitness.NewStore(fitness.StoreConfig{Path: cfg.Fitness.Path, Now: now}, log.With(logx.String("comp", "fitness")))
	if err != nil {
		return fmt.Errorf("open fitness store: %w", err)
	}
	a.fit.RegisterCoreModules()
	assessor := fitness.NewAssessor(a.fit, fitness.AssessorConfig{MinConfidence: cfg.Fitness.MinConfidence, Now: now},
		log.With(logx.String("comp", "fitness.assessor")))
	reassessor := fitness.NewReassessor(a.fit, log.With(logx.String("comp", "fitness.reassess")), now)

	a.breakers = breaker.NewDefaultRegistry(now)
	bcs, err := cfg.BreakerConfigs()
	if err != nil {
		return err
	}
	for name, bc := range bcs {
		a.breakers.Register(name, bc)
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Store:      a.store,
		SMT:        a.smt,
		Resources:  a.res,
		Assessor:   assessor,
		Reassessor: reassessor,
		Bus:        a.bus,
		Log:        log,
		Now:        now,
	})
	if err != nil {
		return err
	}
	if err := a.bindPersonas(cfg, log); err != nil {
		return err
	}

	if err := a.buildSelfModify(cfg, log, now); err != nil {
		return err
	}

	if cfg.Telegram.Enabled {
		pollTimeout, _ := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		a.tg, err = notify.NewTelegram(notify.TelegramConfig{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			ThreadID:    cfg.Telegram.ThreadID,
			PollTimeout: pollTimeout,
		}, a.sched, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.notif = notify.New(notify.Config{DedupWindow: time.Minute, RetryMax: 3, Now: now}, a.tg, log)
	}

	a.pprof = pprof.New(log.With(logx.String("comp", "pprof")))

	a.api, err = httpapi.New(httpapi.Config{
		Store:     a.store,
		Control:   a.sched,
		Fitness:   a.fit,
		Checklist: a.checklist,
		Reloader:  a.reloader,
		Breakers:  a.breakers,
		Events:    a.bus,
		Health:    a.health,
		Log:       log,
		Now:       now,
	})
	return err
}

// bindPersonas gives every persona a lane. Personas without a configured
// command only run fitness checks.
func (a *App) bindPersonas(cfg *config.Config, log logx.Logger) error {
	bindings, err := cfg.PersonaConfigs()
	if err != nil {
		return err
	}
	commands := map[task.Persona]*persona.Command{}
	for _, b := range bindings {
		var br *breaker.Breaker
		if b.Breaker != "" {
			br = a.breakers.Get(b.Breaker)
		}
		cmd, err := persona.NewCommand(persona.CommandConfig{
			Argv:       b.Command,
			Dir:        b.Dir,
			Categories: b.Categories,
			Breaker:    br,
		}, log.With(logx.String("comp", "persona"), logx.String("persona", string(b.Persona))))
		if err != nil {
			return fmt.Errorf("persona %s: %w", b.Persona, err)
		}
		commands[b.Persona] = cmd
	}

	a.fitCheck = persona.NewFitnessCheck(a.fit, a.fitnessProbes())
	for _, p := range task.Personas {
		chain := persona.Chain{a.fitCheck}
		if cmd, ok := commands[p]; ok {
			chain = append(chain, cmd)
		}
		if err := a.sched.RegisterPersona(p, chain); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildSelfModify(cfg *config.Config, log logx.Logger, now func() time.Time) error {
	cc, err := cfg.ChecklistConfig()
	if err != nil {
		return err
	}
	a.checklist = selfmodify.NewChecklist(cc, log.With(logx.String("comp", "selfmodify.checklist")))

	restarter, err := restart.New(cfg.RestartConfig(), log.With(logx.String("comp", "restart")))
	if err != nil {
		return err
	}
	a.git = selfmodify.NewGit(cfg.SelfModify.RepoDir, log)
	sentinel := selfmodify.NewSentinelFile(cfg.SelfModify.SentinelPath)

	rlc, err := cfg.ReloadConfig()
	if err != nil {
		return err
	}
	rlc.Now = now
	a.reloader = selfmodify.NewReloader(rlc, selfmodify.ReloaderDeps{
		Sentinel:  sentinel,
		VCS:       a.git,
		Restarter: restarter,
		Bus:       a.bus,
		Log:       log,
	})
	a.reloader.AddPreReloadHook(a.auditReload)

	rbc, err := cfg.RollbackConfig()
	if err != nil {
		return err
	}
	a.rollback = selfmodify.NewRollback(rbc, selfmodify.RollbackDeps{
		Sentinel: sentinel,
		VCS:      a.git,
		Probe:    selfmodify.NewHTTPProbe(cfg.HealthURL()),
		Bus:      a.bus,
		Log:      log,
	})
	return nil
}

// auditReload records the request before the sentinel is written; a failed
// append vetoes the reload.
func (a *App) auditReload(ctx context.Context, req selfmodify.ReloadRequest) error {
	return a.store.Append(ctx, storage.AuditEntry{
		TaskID:      "system",
		Action:      "selfmodify.reload_requested",
		PerformedBy: "self-modify",
		Details:     map[string]any{"reason": req.Reason, "files": req.Files},
	})
}

func (a *App) Config() *config.Config          { return a.cfgm.Get() }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Scheduler() *scheduler.Scheduler  { return a.sched }
func (a *App) Bus() *eventbus.Bus               { return a.bus }
func (a *App) Fitness() *fitness.Store          { return a.fit }
func (a *App) Checklist() *selfmodify.Checklist { return a.checklist }
func (a *App) Rollback() *selfmodify.Rollback   { return a.rollback }
func (a *App) API() *httpapi.Server             { return a.api }
func (a *App) Logger() logx.Logger              { return a.log }

// LastRollback is the report of the startup rollback check, if it ran.
func (a *App) LastRollback() (selfmodify.RollbackReport, bool) {
	p := a.lastRollback.Load()
	if p == nil {
		return selfmodify.RollbackReport{}, false
	}
	return *p, true
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the daemon up. The HTTP server answers /rpc health first;
// the rest of the API opens only after the rollback check returned, so the
// probe of a restarted process sees this process's component checks.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.notif != nil {
		// Before the rollback check, so its report reaches the chat.
		bridge := notify.NewBridge(a.bus, a.notif)
		a.notif.Start(a.sup)
		a.tg.Run(a.sup)
		a.sup.Go0("notify.bridge", bridge.Run)
		a.logs.SetSender(a.notif)
	}

	if cfg.HTTP.Enabled {
		// Durations were validated on load.
		readTimeout, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
		writeTimeout, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
		addr := cfg.HTTP.Addr
		if addr == "" {
			addr = config.DefaultHTTPAddr
		}
		a.sup.Go("http.serve", func(c context.Context) error {
			return a.api.Serve(c, addr, readTimeout, writeTimeout)
		})
	}

	a.pprof.Apply(a.sup.Context(), cfg.PprofConfig())

	rep := a.rollback.Check(ctx)
	a.lastRollback.Store(&rep)
	if rep.RolledBack {
		a.log.Warn("previous self-modification rolled back",
			logx.String("strategy", string(rep.Strategy)),
			logx.String("commit", rep.Commit),
			logx.String("reason", rep.Reason))
	}
	a.api.Open()

	if n, err := a.sched.RecoverStuck(ctx); err != nil {
		a.log.Warn("stuck task recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("recovered stuck tasks", logx.Int("count", n))
	}
	if cfg.Scheduler.IsEnabled() {
		if err := a.startScheduler(); err != nil {
			return err
		}
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	restart.NotifyReady(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { restart.RunWatchdog(c, a.log) })

	a.log.Info("app started",
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.Bool("scheduler", cfg.Scheduler.IsEnabled()),
		logx.Bool("telegram", a.notif != nil))
	return nil
}

func (a *App) startScheduler() error {
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.schedStarted.Store(true)
	return nil
}

func (a *App) stopScheduler(ctx context.Context) error {
	if !a.schedStarted.Swap(false) {
		// Manual ticks may still own lanes.
		return a.sched.Drain(ctx)
	}
	return a.sched.Stop(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	restart.NotifyStopping(a.log)

	// Lanes drain before the supervisor context is canceled.
	a.step(ctx, "scheduler", 10*time.Second, a.stopScheduler)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// close releases what New opened when Start never ran.
func (a *App) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
