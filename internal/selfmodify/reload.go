package selfmodify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"missionctl/internal/eventbus"
	logx "missionctl/pkg/logx"
)

var (
	ErrValidationNotPassed = errors.New("self-modify validation not passed")
	ErrNoFiles             = errors.New("no files modified")
	ErrRestartRateLimited  = errors.New("restart rate limited")
	ErrPreReloadHook       = errors.New("pre-reload hook failed")
)

// Restarter performs the actual process restart.
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// PreReloadHook may veto a reload by returning an error.
type PreReloadHook func(ctx context.Context, req ReloadRequest) error

type ReloadRequest struct {
	Reason           string   `json:"reason"`
	Files            []string `json:"files"`
	RollbackCommit   string   `json:"rollbackCommit,omitempty"`
	ValidationPassed bool     `json:"validationPassed"`
}

type ReloadResult struct {
	Delay          time.Duration `json:"delay"`
	Consecutive    int           `json:"consecutive"`
	RollbackCommit string        `json:"rollbackCommit"`
	At             time.Time     `json:"at"`
}

type ReloadConfig struct {
	Delay             time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// Reloads closer together than ConsecutiveWindow grow the delay.
	ConsecutiveWindow time.Duration
	// RestartsPerMinute caps authorized restarts.
	RestartsPerMinute int
	Now               func() time.Time
}

func DefaultReloadConfig() ReloadConfig {
	return ReloadConfig{
		Delay:             500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
		ConsecutiveWindow: 5 * time.Second,
		RestartsPerMinute: 3,
	}
}

func (c ReloadConfig) normalize() ReloadConfig {
	d := DefaultReloadConfig()
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.ConsecutiveWindow <= 0 {
		c.ConsecutiveWindow = d.ConsecutiveWindow
	}
	if c.RestartsPerMinute <= 0 {
		c.RestartsPerMinute = d.RestartsPerMinute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Publisher receives reload notifications. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any, from string)
}

// Reloader writes the sentinel and schedules a delayed restart.
type Reloader struct {
	cfg       ReloadConfig
	sentinel  *SentinelFile
	vcs       VCS
	restarter Restarter
	bus       Publisher
	log       logx.Logger
	limiter   *rate.Limiter

	mu          sync.Mutex
	hooks       []PreReloadHook
	consecutive int
	lastReload  time.Time
	pending     *time.Timer
}

type ReloaderDeps struct {
	Sentinel  *SentinelFile
	VCS       VCS
	Restarter Restarter
	Bus       Publisher
	Log       logx.Logger
}

func NewReloader(cfg ReloadConfig, deps ReloaderDeps) *Reloader {
	cfg = cfg.normalize()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reloader{
		cfg:       cfg,
		sentinel:  deps.Sentinel,
		vcs:       deps.VCS,
		restarter: deps.Restarter,
		bus:       deps.Bus,
		log:       log.With(logx.String("comp", "selfmodify.reload")),
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RestartsPerMinute)), cfg.RestartsPerMinute),
	}
}

func (r *Reloader) AddPreReloadHook(h PreReloadHook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Request validates req, writes the sentinel and schedules the restart.
func (r *Reloader) Request(ctx context.Context, req ReloadRequest) (ReloadResult, error) {
	if !req.ValidationPassed {
		return ReloadResult{}, ErrValidationNotPassed
	}
	if len(req.Files) == 0 {
		return ReloadResult{}, ErrNoFiles
	}
	commit := strings.TrimSpace(req.RollbackCommit)
	if commit == "" {
		if r.vcs == nil {
			return ReloadResult{}, errors.New("rollback commit required: no vcs configured")
		}
		rev, err := r.vcs.RevisionAt(ctx)
		if err != nil {
			return ReloadResult{}, fmt.Errorf("capture rollback commit: %w", err)
		}
		commit = rev
	}

	r.mu.Lock()
	hooks := append([]PreReloadHook(nil), r.hooks...)
	r.mu.Unlock()
	var hookErrs []error
	for _, h := range hooks {
		if err := runPreReloadHook(ctx, h, req); err != nil {
			hookErrs = append(hookErrs, err)
		}
	}
	if len(hookErrs) > 0 {
		return ReloadResult{}, fmt.Errorf("%w: %w", ErrPreReloadHook, errors.Join(hookErrs...))
	}

	now := r.cfg.Now()
	if !r.limiter.AllowN(now, 1) {
		return ReloadResult{}, ErrRestartRateLimited
	}

	r.mu.Lock()
	if !r.lastReload.IsZero() && now.Sub(r.lastReload) < r.cfg.ConsecutiveWindow {
		r.consecutive++
	} else {
		r.consecutive = 1
	}
	r.lastReload = now
	consecutive := r.consecutive
	r.mu.Unlock()

	delay := r.backoff(consecutive)
	s := Sentinel{
		Kind:    SentinelKindRestart,
		Status:  "ok",
		TS:      now.UnixMilli(),
		Message: "Self-modify: " + req.Reason,
		Stats: SentinelStats{
			Mode:   ModeSelfModify,
			Before: SentinelBefore{ModifiedFiles: append([]string(nil), req.Files...), RollbackCommit: commit},
		},
	}
	if r.sentinel != nil {
		if err := r.sentinel.Write(s); err != nil {
			return ReloadResult{}, fmt.Errorf("write sentinel: %w", err)
		}
	}

	res := ReloadResult{Delay: delay, Consecutive: consecutive, RollbackCommit: commit, At: now}
	r.schedule(delay, "self-modify: "+req.Reason)
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicReloadScheduled, res, "self-modify")
	}
	r.log.Info("reload scheduled",
		logx.Int("consecutive", consecutive),
		logx.Duration("delay", delay),
		logx.Int("files", len(req.Files)),
		logx.String("rollback_commit", commit),
	)
	return res, nil
}

// backoff is delay*mult^(consecutive-1), capped at MaxDelay.
func (r *Reloader) backoff(consecutive int) time.Duration {
	d := float64(r.cfg.Delay) * math.Pow(r.cfg.BackoffMultiplier, float64(max(consecutive-1, 0)))
	if d > float64(r.cfg.MaxDelay) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (r *Reloader) schedule(delay time.Duration, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
	if r.restarter == nil {
		r.log.Warn("no restarter configured; restart must be performed externally")
		return
	}
	r.pending = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.restarter.Restart(ctx, reason); err != nil {
			r.log.Error("restart failed", logx.String("reason", reason), logx.Err(err))
		}
	})
}

// Cancel stops a pending restart. The sentinel is left in place.
func (r *Reloader) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return false
	}
	stopped := r.pending.Stop()
	r.pending = nil
	return stopped
}

func runPreReloadHook(ctx context.Context, h PreReloadHook, req ReloadRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	return h(ctx, req)
}
