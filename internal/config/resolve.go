package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/observability/pprof"
	"missionctl/internal/resource"
	"missionctl/internal/restart"
	"missionctl/internal/selfmodify"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	"missionctl/internal/throttle"
	logx "missionctl/pkg/logx"
)

const DefaultHTTPAddr = "127.0.0.1:18789"

// Default returns a config that runs with every component on its defaults
// and a sqlite store under ./data.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/missionctl.db"},
		HTTP:    HTTPConfig{Enabled: true, Addr: DefaultHTTPAddr},
		SelfModify: SelfModifyConfig{
			RepoDir:      ".",
			SentinelPath: "./data/restart-sentinel.json",
		},
		Restart: RestartConfig{Mode: restart.ModeSignal},
	}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    c.Logging.Alerts.Enabled && c.Telegram.Enabled,
			MinLevel:   c.Logging.Alerts.MinLevel,
			RatePerSec: c.Logging.Alerts.RatePerSec,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	var d durations
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: d.get("storage.busy_timeout", c.Storage.BusyTimeout),
	}
	if out.Driver == "" {
		out.Driver = "sqlite"
	}
	switch out.Driver {
	case "memory":
	case "file", "sqlite":
		if out.Path == "" {
			d.errs = append(d.errs, fmt.Errorf("storage.path is required for driver %q", out.Driver))
		}
	default:
		d.errs = append(d.errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return out, errors.Join(d.errs...)
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	var d durations
	s := c.Scheduler
	out := scheduler.Config{
		TickSchedule:       s.Tick,
		StuckSchedule:      s.StuckCheck,
		ApprovalSchedule:   s.ApprovalCheck,
		Timezone:           s.Timezone,
		ExecutorTimeout:    d.get("scheduler.executor_timeout", s.ExecutorTimeout),
		StuckThreshold:     d.get("scheduler.stuck_threshold", s.StuckThreshold),
		ApprovalTimeout:    d.get("scheduler.approval_timeout", s.ApprovalTimeout),
		BackoffBase:        d.get("scheduler.backoff_base", s.BackoffBase),
		BackoffMax:         d.get("scheduler.backoff_max", s.BackoffMax),
		AutoApproveUrgency: s.AutoApproveLevel,
	}
	for path, raw := range map[string]string{
		"scheduler.tick":           s.Tick,
		"scheduler.stuck_check":    s.StuckCheck,
		"scheduler.approval_check": s.ApprovalCheck,
	} {
		if raw == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(raw); err != nil {
			d.errs = append(d.errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			d.errs = append(d.errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if s.AutoApproveLevel < 0 || s.AutoApproveLevel > 5 {
		d.errs = append(d.errs, fmt.Errorf("scheduler.auto_approve_urgency must be within 0..5"))
	}
	return out, errors.Join(d.errs...)
}

func (c *Config) ThrottleConfig() (throttle.Config, error) {
	var d durations
	out := throttle.Config{
		Window:            d.get("smt.window", c.SMT.Window),
		MaxPrompts:        c.SMT.MaxPrompts,
		TargetUtilization: c.SMT.TargetUtilization,
		ReservePercent:    c.SMT.ReservePercent,
	}
	if out.MaxPrompts < 0 {
		d.errs = append(d.errs, errors.New("smt.max_prompts must be >= 0"))
	}
	if out.TargetUtilization < 0 || out.TargetUtilization > 1 {
		d.errs = append(d.errs, errors.New("smt.target_utilization must be within [0,1]"))
	}
	if out.ReservePercent < 0 || out.ReservePercent >= 1 {
		d.errs = append(d.errs, errors.New("smt.reserve_percent must be within [0,1)"))
	}
	return out, errors.Join(d.errs...)
}

func (c *Config) ResourceConfig() (resource.Config, error) {
	var d durations
	r := c.Resources
	out := resource.Config{
		MaxMemoryMB:        r.MaxMemoryMB,
		MemoryWarnPct:      r.MemoryWarnPct,
		MemoryCriticalPct:  r.MemoryCriticalPct,
		DiskWarnFreeMB:     r.DiskWarnFreeMB,
		DiskCriticalFreeMB: r.DiskCriticalFreeMB,
		DataDir:            r.DataDir,
		LogEvery:           d.get("resources.log_every", r.LogEvery),
	}
	if out.MemoryWarnPct > 0 && out.MemoryCriticalPct > 0 && out.MemoryWarnPct > out.MemoryCriticalPct {
		d.errs = append(d.errs, errors.New("resources.memory_warn_pct must not exceed memory_critical_pct"))
	}
	return out, errors.Join(d.errs...)
}

func (c *Config) ChecklistConfig() (selfmodify.ChecklistConfig, error) {
	sm := c.SelfModify
	b := selfmodify.DefaultBoundaries()
	if len(sm.Allow) > 0 {
		b.Allow = append([]string(nil), sm.Allow...)
	}
	// Configured deny entries extend the defaults; they never replace them.
	b.Deny = append(b.Deny, sm.Deny...)
	if sm.DiffThreshold < 0 || sm.DiffThreshold > 1 {
		return selfmodify.ChecklistConfig{}, errors.New("self_modify.diff_threshold must be within [0,1]")
	}
	return selfmodify.ChecklistConfig{
		Boundaries: b,
		Diff:       selfmodify.DiffPolicy{Poweruser: sm.Poweruser, Threshold: sm.DiffThreshold},
	}, nil
}

func (c *Config) ReloadConfig() (selfmodify.ReloadConfig, error) {
	var d durations
	r := c.SelfModify.Reload
	out := selfmodify.ReloadConfig{
		Delay:             d.get("self_modify.reload.delay", r.Delay),
		BackoffMultiplier: r.BackoffMultiplier,
		MaxDelay:          d.get("self_modify.reload.max_delay", r.MaxDelay),
		ConsecutiveWindow: d.get("self_modify.reload.consecutive_window", r.ConsecutiveWindow),
		RestartsPerMinute: r.RestartsPerMinute,
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		d.errs = append(d.errs, errors.New("self_modify.reload.backoff_multiplier must be >= 1"))
	}
	return out, errors.Join(d.errs...)
}

func (c *Config) RollbackConfig() (selfmodify.RollbackConfig, error) {
	var d durations
	r := c.SelfModify.Rollback
	out := selfmodify.RollbackConfig{
		HealthTimeout:          d.get("self_modify.rollback.timeout", r.Timeout),
		PollInterval:           d.get("self_modify.rollback.poll_interval", r.PollInterval),
		MaxConsecutiveFailures: r.MaxFailures,
		DryRun:                 r.DryRun,
	}
	st, err := selfmodify.ParseStrategy(r.Strategy)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("self_modify.rollback.strategy: %w", err))
	}
	out.Strategy = st
	return out, errors.Join(d.errs...)
}

// HealthURL is where the rollback check probes the restarted process.
func (c *Config) HealthURL() string {
	if u := strings.TrimSpace(c.SelfModify.Rollback.HealthURL); u != "" {
		return u
	}
	addr := strings.TrimSpace(c.HTTP.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	return "http://" + addr + "/rpc"
}

func (c *Config) PprofConfig() pprof.Config {
	p := c.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Token:                strings.TrimSpace(p.Token),
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}

func (c *Config) RestartConfig() restart.Config {
	return restart.Config{Mode: c.Restart.Mode, Unit: c.Restart.Unit, Command: c.Restart.Command}
}

func (c *Config) BreakerConfigs() (map[string]breaker.Config, error) {
	var d durations
	out := make(map[string]breaker.Config, len(c.Breakers))
	for name, b := range c.Breakers {
		out[name] = breaker.Config{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			Cooldown:         d.get("breakers."+name+".cooldown", b.Cooldown),
			Timeout:          d.get("breakers."+name+".timeout", b.Timeout),
		}
	}
	return out, errors.Join(d.errs...)
}

// Persona is a validated persona binding.
type Persona struct {
	Persona    task.Persona
	Command    []string
	Dir        string
	Categories []task.Category
	Breaker    string
}

// PersonaConfigs validates the persona bindings, sorted by persona.
func (c *Config) PersonaConfigs() ([]Persona, error) {
	var (
		out  []Persona
		errs []error
	)
	for name, pc := range c.Personas {
		p := Persona{Persona: task.Persona(name), Command: pc.Command, Dir: pc.Dir, Breaker: pc.Breaker}
		if !p.Persona.Valid() {
			errs = append(errs, fmt.Errorf("personas.%s: unknown persona", name))
			continue
		}
		if len(pc.Command) == 0 || strings.TrimSpace(pc.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("personas.%s.command is required", name))
		}
		for _, raw := range pc.Categories {
			cat := task.Category(strings.ToUpper(strings.TrimSpace(raw)))
			if !cat.Valid() {
				errs = append(errs, fmt.Errorf("personas.%s.categories: unknown category %q", name, raw))
				continue
			}
			p.Categories = append(p.Categories, cat)
		}
		if pc.Breaker != "" && !knownBreaker(c, pc.Breaker) {
			errs = append(errs, fmt.Errorf("personas.%s.breaker: unknown breaker %q", name, pc.Breaker))
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Persona < out[j].Persona })
	return out, errors.Join(errs...)
}

func knownBreaker(c *Config, name string) bool {
	if _, ok := c.Breakers[name]; ok {
		return true
	}
	switch name {
	case breaker.Twilio, breaker.Proton, breaker.Browser, breaker.Database:
		return true
	}
	return false
}

// Validate resolves every section and reports all problems together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := c.StorageConfig()
	collect(err)
	_, err = c.SchedulerConfig()
	collect(err)
	_, err = c.ThrottleConfig()
	collect(err)
	_, err = c.ResourceConfig()
	collect(err)
	_, err = c.ChecklistConfig()
	collect(err)
	_, err = c.ReloadConfig()
	collect(err)
	_, err = c.RollbackConfig()
	collect(err)
	_, err = c.BreakerConfigs()
	collect(err)
	_, err = c.PersonaConfigs()
	collect(err)
	var dd durations
	dd.get("http.read_timeout", c.HTTP.ReadTimeout)
	dd.get("http.write_timeout", c.HTTP.WriteTimeout)
	dd.get("telegram.poll_timeout", c.Telegram.PollTimeout)
	errs = append(errs, dd.errs...)
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required when telegram is enabled"))
		}
	}
	switch strings.ToLower(c.Restart.Mode) {
	case "", restart.ModeSignal, restart.ModeNone, restart.ModeSystemd, restart.ModeCommand:
	default:
		errs = append(errs, fmt.Errorf("restart.mode: unknown mode %q", c.Restart.Mode))
	}
	return errors.Join(errs...)
}
