package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "missionctl/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronSpec normalizes a schedule string into something robfig/cron accepts.
// ValidateSchedule reports whether raw is a usable trigger schedule.
func ValidateSchedule(raw string) error {
	_, err := cronSpec(raw)
	return err
}

func cronSpec(raw string) (string, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return "", err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return spec, nil
}

// Start registers the periodic triggers. Overlapping firings of the same
// trigger are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.running {
		return nil
	}
	s.runCtx = ctx
	c, err := s.buildCron()
	if err != nil {
		return err
	}
	s.cron = c
	s.running = true
	c.Start()
	s.audit(ctx, "system", "scheduler.started", nil, performedBy)
	s.log.Info("scheduler started", logx.Int("triggers", len(c.Entries())))
	return nil
}

// Stop unregisters triggers, waits for a running trigger and then drains
// in-flight executions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cronMu.Lock()
	c := s.cron
	wasRunning := s.running
	s.cron = nil
	s.running = false
	s.cronMu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := s.Drain(ctx)
	if wasRunning {
		s.audit(ctx, "system", "scheduler.stopped", nil, performedBy)
		s.log.Info("scheduler stopped")
	}
	return err
}

func (s *Scheduler) reschedule() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if !s.running {
		return nil
	}
	c, err := s.buildCron()
	if err != nil {
		return err
	}
	old := s.cron
	s.cron = c
	c.Start()
	if old != nil {
		old.Stop()
	}
	s.log.Info("scheduler triggers rescheduled")
	return nil
}

// buildCron runs with cronMu held.
func (s *Scheduler) buildCron() (*cron.Cron, error) {
	cfg := s.config()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	ctx := s.runCtx
	triggers := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"tick", cfg.TickSchedule, func(ctx context.Context) error { _, err := s.Tick(ctx); return err }},
		{"stuck", cfg.StuckSchedule, func(ctx context.Context) error { _, err := s.RecoverStuck(ctx); return err }},
		{"approvals", cfg.ApprovalSchedule, func(ctx context.Context) error { _, err := s.ExpireApprovals(ctx); return err }},
	}
	for _, tr := range triggers {
		spec, err := cronSpec(tr.spec)
		if err != nil {
			return nil, fmt.Errorf("%s trigger: %w", tr.name, err)
		}
		tr := tr
		if _, err := c.AddFunc(spec, func() {
			if ctx.Err() != nil {
				return
			}
			if err := tr.run(ctx); err != nil {
				s.log.Warn("trigger failed", logx.String("trigger", tr.name), logx.Err(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("%s trigger: %w", tr.name, err)
		}
	}
	return c, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
