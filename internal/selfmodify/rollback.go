package selfmodify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missionctl/internal/eventbus"
	logx "missionctl/pkg/logx"
)

// Strategy selects how Rollback reverts.
type Strategy string

const (
	// StrategyFileScoped reverts only the sentinel's files.
	StrategyFileScoped Strategy = "file-scoped"
	// StrategyFullCheckout reverts every tracked file.
	StrategyFullCheckout Strategy = "full-checkout"
	// StrategyGitReset hard-resets the working tree.
	StrategyGitReset Strategy = "git-reset"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyFileScoped, StrategyFullCheckout, StrategyGitReset:
		return st, nil
	case "":
		return StrategyFileScoped, nil
	default:
		return "", fmt.Errorf("unknown rollback strategy %q", s)
	}
}

type RollbackConfig struct {
	Strategy               Strategy
	HealthTimeout          time.Duration
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	DryRun                 bool
}

func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{
		Strategy:               StrategyFileScoped,
		HealthTimeout:          30 * time.Second,
		PollInterval:           500 * time.Millisecond,
		MaxConsecutiveFailures: 2,
	}
}

func (c RollbackConfig) normalize() RollbackConfig {
	d := DefaultRollbackConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return c
}

// ReliabilityScore weighs how forgiving a rollback configuration is: a 60s
// health window and five tolerated failures each saturate their term.
func (c RollbackConfig) ReliabilityScore() float64 {
	timeout := min(c.HealthTimeout.Seconds()/60, 1)
	tolerance := min(float64(c.MaxConsecutiveFailures)/5, 1)
	return 0.7*timeout + 0.3*tolerance
}

// RollbackReport describes what Check did.
type RollbackReport struct {
	SentinelFound bool     `json:"sentinelFound"`
	SelfModify    bool     `json:"selfModify"`
	Healthy       bool     `json:"healthy"`
	RolledBack    bool     `json:"rolledBack"`
	DryRun        bool     `json:"dryRun"`
	Strategy      Strategy `json:"strategy,omitempty"`
	Commit        string   `json:"commit,omitempty"`
	Files         []string `json:"files,omitempty"`
	Probes        int      `json:"probes"`
	Reason        string   `json:"reason,omitempty"`
	Err           string   `json:"error,omitempty"`
}

// Rollback runs once at startup, before the API serves traffic.
type Rollback struct {
	cfg      RollbackConfig
	sentinel *SentinelFile
	vcs      VCS
	probe    HealthProbe
	bus      Publisher
	log      logx.Logger
}

type RollbackDeps struct {
	Sentinel *SentinelFile
	VCS      VCS
	Probe    HealthProbe
	Bus      Publisher
	Log      logx.Logger
}

func NewRollback(cfg RollbackConfig, deps RollbackDeps) *Rollback {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rollback{
		cfg:      cfg.normalize(),
		sentinel: deps.Sentinel,
		vcs:      deps.VCS,
		probe:    deps.Probe,
		bus:      deps.Bus,
		log:      log.With(logx.String("comp", "selfmodify.rollback")),
	}
}

// Check consumes a pending sentinel and reverts the edit when health never
// confirms. Failures are logged and reported, never fatal.
func (r *Rollback) Check(ctx context.Context) RollbackReport {
	var rep RollbackReport
	if r.sentinel == nil {
		return rep
	}
	s, err := r.sentinel.Consume()
	if err != nil {
		r.log.Warn("restart sentinel unreadable", logx.Err(err))
		rep.Err = err.Error()
	}
	if s == nil {
		return rep
	}
	rep.SentinelFound = true
	if !s.IsSelfModify() {
		return rep
	}
	rep.SelfModify = true
	rep.Commit = s.Stats.Before.RollbackCommit
	rep.Files = s.Stats.Before.ModifiedFiles
	rep.Strategy = r.cfg.Strategy

	healthy, probes, why := r.waitHealthy(ctx)
	rep.Probes = probes
	if healthy {
		rep.Healthy = true
		r.log.Info("self-modify restart healthy", logx.Int("probes", probes))
		return rep
	}
	rep.Reason = why
	r.log.Warn("self-modify restart unhealthy, rolling back",
		logx.String("reason", why),
		logx.String("commit", rep.Commit),
		logx.String("strategy", string(rep.Strategy)),
		logx.Strings("files", rep.Files),
	)

	if r.cfg.DryRun {
		rep.DryRun = true
		r.log.Info("dry run: rollback skipped")
		return rep
	}
	if err := r.revert(context.WithoutCancel(ctx), rep.Commit, rep.Files); err != nil {
		rep.Err = err.Error()
		r.log.Error("rollback failed", logx.Err(err))
		return rep
	}
	rep.RolledBack = true
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicRollback, rep, "self-modify")
	}
	r.log.Warn("self-modify edit rolled back", logx.String("commit", rep.Commit))
	return rep
}

func (r *Rollback) revert(ctx context.Context, commit string, files []string) error {
	if r.vcs == nil {
		return fmt.Errorf("no vcs configured")
	}
	switch r.cfg.Strategy {
	case StrategyFullCheckout:
		return r.vcs.CheckoutAll(ctx, commit)
	case StrategyGitReset:
		return r.vcs.ResetHard(ctx, commit)
	default:
		return r.vcs.CheckoutPaths(ctx, commit, files)
	}
}

// waitHealthy polls at PollInterval until healthy, HealthTimeout elapses, or
// MaxConsecutiveFailures explicit unhealthy answers arrive in a row.
func (r *Rollback) waitHealthy(ctx context.Context) (bool, int, string) {
	if r.probe == nil {
		return false, 0, "no health probe configured"
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	probes, unhealthy := 0, 0
	for {
		probes++
		ok, err := r.probe.Healthy(ctx)
		switch {
		case err == nil && ok:
			return true, probes, ""
		case err == nil:
			unhealthy++
			if unhealthy >= r.cfg.MaxConsecutiveFailures {
				return false, probes, fmt.Sprintf("%d consecutive unhealthy answers", unhealthy)
			}
		default:
			r.log.Debug("health probe got no answer", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return false, probes, fmt.Sprintf("not healthy within %s", r.cfg.HealthTimeout)
		case <-t.C:
		}
	}
}
