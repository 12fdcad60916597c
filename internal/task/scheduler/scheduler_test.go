package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missionctl/internal/eventbus"
	"missionctl/internal/fitness"
	"missionctl/internal/runtime/supervisor"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func newClock() *clock { return &clock{cur: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

type fakeSMT struct {
	mu      sync.Mutex
	allow   bool
	used    []string
	checked []string
}

func (f *fakeSMT) CanProceed(op, category string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, category)
	return f.allow
}

func (f *fakeSMT) RecordUsage(op string) {
	f.mu.Lock()
	f.used = append(f.used, op)
	f.mu.Unlock()
}

type pauseFlag struct{ v atomic.Bool }

func (p *pauseFlag) ShouldPause() bool { return p.v.Load() }

type harness struct {
	s     *Scheduler
	store storage.Store
	clk   *clock
	bus   *eventbus.Bus
	sup   *supervisor.Supervisor
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	clk := newClock()
	store := storage.NewMemory(clk.Now)
	bus := eventbus.New(logx.Nop(), eventbus.WithClock(clk.Now))
	sup := supervisor.New(context.Background())
	deps := Deps{Store: store, Bus: bus, Supervisor: sup, Now: clk.Now}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Drain(ctx)
		_ = sup.Stop(ctx)
	})
	return &harness{s: s, store: store, clk: clk, bus: bus, sup: sup}
}

func (h *harness) create(t *testing.T, in task.CreateInput) task.Task {
	t.Helper()
	if in.Title == "" {
		in.Title = "task"
	}
	if in.Category == "" {
		in.Category = task.CategoryDev
	}
	if in.Persona == "" {
		in.Persona = task.PersonaDev
	}
	if in.Urgency == 0 {
		in.Urgency = 3
	}
	if in.Importance == 0 {
		in.Importance = 3
	}
	tk, err := h.store.Create(context.Background(), in)
	require.NoError(t, err)
	return tk
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	rep, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Drain(ctx))
	return rep
}

func (h *harness) get(t *testing.T, id string) task.Task {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func completed(conf float64) ExecutorFunc {
	return func(context.Context, task.Task, ExecContext) (Result, error) {
		return Result{Success: true, Outcome: task.OutcomeCompleted, Summary: "ok", Confidence: conf}, nil
	}
}

func failing(err error) ExecutorFunc {
	return func(context.Context, task.Task, ExecContext) (Result, error) { return Result{}, err }
}

func TestEndToEndTwoTicksReachDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(0.9)))
	tk := h.create(t, task.CreateInput{Urgency: 5, Importance: 5, Risk: 1, StressCost: 1})

	h.tick(t)
	h.tick(t)

	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Equal(t, task.OutcomeCompleted, got.Outcome)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, uint64(1), h.s.Snapshot().Counters.TasksProcessed)
	assert.Len(t, h.bus.Recent(eventbus.TopicTaskDone, 10), 1)

	entries, err := h.store.Entries(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"task.completed", "task.dispatched", "task.promoted"}, actions)
}

func TestPromotesOnlyHighestPriorityPerTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	hi := h.create(t, task.CreateInput{Title: "urgent", Urgency: 5})
	h.clk.Advance(time.Second)
	lo := h.create(t, task.CreateInput{Title: "later", Urgency: 1})

	rep := h.tick(t)
	assert.Equal(t, hi.ID, rep.Promoted)
	assert.Equal(t, task.StatusReady, h.get(t, hi.ID).Status)
	assert.Equal(t, task.StatusBacklog, h.get(t, lo.ID).Status)
}

func TestPromotionWaitsForDependencies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	dep := h.create(t, task.CreateInput{Title: "dep", Urgency: 1})
	child := h.create(t, task.CreateInput{Title: "child", Urgency: 5, Dependencies: []string{dep.ID}})
	orphan := h.create(t, task.CreateInput{Title: "orphan", Urgency: 5, Dependencies: []string{"missing"}})

	rep := h.tick(t)
	assert.Equal(t, dep.ID, rep.Promoted)
	assert.Equal(t, task.StatusBacklog, h.get(t, child.ID).Status)

	rep = h.tick(t)
	assert.Empty(t, rep.Promoted, "child and orphan still have unmet dependencies")
	assert.Equal(t, task.StatusBacklog, h.get(t, orphan.ID).Status)
}

func TestSinglePersonaLane(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, ExecutorFunc(func(ctx context.Context, _ task.Task, _ ExecContext) (Result, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{Success: true, Outcome: task.OutcomeCompleted, Confidence: 1}, nil
	})))
	require.NoError(t, h.s.RegisterPersona(task.PersonaRnD, completed(1)))

	a := h.create(t, task.CreateInput{Title: "a", Status: task.StatusReady, Urgency: 5})
	b := h.create(t, task.CreateInput{Title: "b", Status: task.StatusReady})
	r := h.create(t, task.CreateInput{Title: "r", Status: task.StatusReady, Persona: task.PersonaRnD, Category: task.CategoryRnD})

	rep, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, r.ID}, rep.Dispatched)

	rep, err = h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, rep.Dispatched, b.ID, "Dev lane is busy")
	assert.Equal(t, task.StatusReady, h.get(t, b.ID).Status)

	close(release)
	h.tick(t)
	h.tick(t)
	assert.Equal(t, task.StatusDone, h.get(t, b.ID).Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSMTThrottleBlocksDispatch(t *testing.T) {
	t.Parallel()
	smt := &fakeSMT{}
	h := newHarness(t, Config{}, func(d *Deps) { d.SMT = smt })
	require.NoError(t, h.s.RegisterPersona(task.PersonaLegalOps, completed(1)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady, Persona: task.PersonaLegalOps, Category: task.CategoryLegal})

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Throttled)
	assert.Equal(t, task.StatusReady, h.get(t, tk.ID).Status)
	assert.Equal(t, []string{"LEGAL"}, smt.checked)

	smt.mu.Lock()
	smt.allow = true
	smt.mu.Unlock()
	h.tick(t)
	assert.Equal(t, task.StatusDone, h.get(t, tk.ID).Status)
	assert.Contains(t, smt.used, "task.execute")
}

type categoryGate struct{ deny string }

func (g categoryGate) CanProceed(_, category string) bool { return category != g.deny }
func (categoryGate) RecordUsage(string)                   {}

func TestSMTRejectionSkipsPersonaForTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, func(d *Deps) { d.SMT = categoryGate{deny: "EMAIL"} })
	require.NoError(t, h.s.RegisterPersona(task.PersonaChiefOfStaff, completed(1)))
	email := h.create(t, task.CreateInput{Status: task.StatusReady, Persona: task.PersonaChiefOfStaff, Category: task.CategoryEmail, Urgency: 5})
	admin := h.create(t, task.CreateInput{Status: task.StatusReady, Persona: task.PersonaChiefOfStaff, Category: task.CategoryAdmin, Urgency: 1})

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Throttled)
	assert.Empty(t, rep.Dispatched, "lower-priority work does not slip past a throttled persona")
	assert.Equal(t, task.StatusReady, h.get(t, email.ID).Status)
	assert.Equal(t, task.StatusReady, h.get(t, admin.ID).Status)
}

type countingReassessor struct{ calls atomic.Int32 }

func (r *countingReassessor) CreateTasks(context.Context, storage.TaskStore) (int, error) {
	r.calls.Add(1)
	return 2, nil
}

func TestReassessmentRunsWhilePaused(t *testing.T) {
	t.Parallel()
	ra := &countingReassessor{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Reassessor = ra })
	h.s.Pause(context.Background(), "operator")

	rep := h.tick(t)
	assert.True(t, rep.Paused)
	assert.Equal(t, 2, rep.FitnessEnqueued)
	assert.Equal(t, int32(1), ra.calls.Load())
}

func TestApprovalGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaChiefOfStaff, completed(0.95)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady, Persona: task.PersonaChiefOfStaff, Category: task.CategoryEmail, RequiresApproval: true})

	rep := h.tick(t)
	assert.Equal(t, []string{tk.ID}, rep.AwaitingHuman)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusWaitingOnHuman, got.Status)
	assert.Equal(t, task.OutcomeRequiresHuman, got.Outcome)
	require.Len(t, h.bus.Recent(eventbus.TopicApprovalRequired, 1), 1)

	_, err := h.s.Approve(context.Background(), tk.ID, "")
	require.ErrorIs(t, err, task.ErrInvalidInput)

	approved, err := h.s.Approve(context.Background(), tk.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, approved.Status)
	assert.Equal(t, task.OutcomeNone, approved.Outcome)
	assert.Equal(t, "operator", approved.ApprovedBy)

	h.tick(t)
	assert.Equal(t, task.StatusDone, h.get(t, tk.ID).Status)
}

func TestRejectBlocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	tk := h.create(t, task.CreateInput{Status: task.StatusReady, RequiresApproval: true})
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	h.tick(t)

	got, err := h.s.Reject(context.Background(), tk.ID, "operator", "not now")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, "rejected by operator: not now", got.DecisionSummary)

	_, err = h.s.Reject(context.Background(), tk.ID, "operator", "")
	require.ErrorIs(t, err, task.ErrInvalidState)
}

func TestResourcePressureStopsDispatchNotPromotion(t *testing.T) {
	t.Parallel()
	pause := &pauseFlag{}
	pause.v.Store(true)
	h := newHarness(t, Config{}, func(d *Deps) { d.Resources = pause })
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	ready := h.create(t, task.CreateInput{Status: task.StatusReady})
	backlog := h.create(t, task.CreateInput{})

	rep := h.tick(t)
	assert.True(t, rep.ResourcePaused)
	assert.Equal(t, backlog.ID, rep.Promoted)
	assert.Equal(t, task.StatusReady, h.get(t, ready.ID).Status)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})

	h.s.Pause(context.Background(), "operator")
	rep := h.tick(t)
	assert.True(t, rep.Paused)
	assert.Empty(t, rep.Dispatched)

	h.s.Resume(context.Background(), "operator")
	h.tick(t)
	assert.Equal(t, task.StatusDone, h.get(t, tk.ID).Status)

	entries, err := h.store.Entries(context.Background(), "system", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "scheduler.resumed", entries[0].Action)
}

func TestRetryBackoffThenBlocked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{BackoffBase: time.Second, BackoffMax: 3 * time.Second}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, failing(errors.New("upstream 502"))))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady, MaxRetries: 3})

	h.tick(t)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)

	rep := h.tick(t)
	assert.Empty(t, rep.Dispatched, "backoff has not elapsed")

	h.clk.Advance(2 * time.Second)
	h.tick(t)
	got = h.get(t, tk.ID)
	assert.Equal(t, 2, got.RetryCount)

	h.clk.Advance(3 * time.Second)
	h.tick(t)
	got = h.get(t, tk.ID)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, task.OutcomeBlocked, got.Outcome)
	assert.Contains(t, got.DecisionSummary, "failed after 3 retries")
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, uint64(1), h.s.Snapshot().Counters.TasksFailed)
	assert.Len(t, h.bus.Recent(eventbus.TopicTaskBlocked, 10), 1)
}

func TestPermanentErrorsSkipRetries(t *testing.T) {
	t.Parallel()
	for name, err := range map[string]error{
		"no-retry":        NoRetry(errors.New("bad credentials")),
		"invalid payload": ErrInvalidPayload,
		"read error":      ErrReadError,
	} {
		err := err
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, nil)
			require.NoError(t, h.s.RegisterPersona(task.PersonaDev, failing(err)))
			tk := h.create(t, task.CreateInput{Status: task.StatusReady})
			h.tick(t)
			got := h.get(t, tk.ID)
			assert.Equal(t, task.StatusBlocked, got.Status)
			assert.Contains(t, got.DecisionSummary, "not retried")
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	cfg := Config{BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute}.normalize()
	cases := []struct {
		retries int
		cause   error
		want    time.Duration
	}{
		{0, errors.New("x"), 5 * time.Second},
		{1, errors.New("x"), 10 * time.Second},
		{3, errors.New("x"), 40 * time.Second},
		{10, errors.New("x"), 5 * time.Minute},
		{0, RetryAfter(errors.New("429"), 90*time.Second), 90 * time.Second},
		{0, RetryAfter(errors.New("429"), time.Hour), 5 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoff(cfg, tc.retries, tc.cause))
	}
}

func TestFitnessFailureKeepsTaskFromDone(t *testing.T) {
	t.Parallel()
	var fs *fitness.Store
	h := newHarness(t, Config{}, func(d *Deps) {
		var err error
		fs, err = fitness.NewStore(fitness.StoreConfig{Now: d.Now}, logx.Nop())
		require.NoError(t, err)
		d.Assessor = fitness.NewAssessor(fs, fitness.AssessorConfig{Now: d.Now}, logx.Nop())
	})
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(0.4)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady, MaxRetries: 1})

	h.tick(t)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Contains(t, got.DecisionSummary, "confidence=0.40")

	rec, ok := fs.Get("scheduler")
	require.True(t, ok)
	assert.Equal(t, 1, rec.TotalFailures)
}

func TestFailedExecutionDegradesStableModule(t *testing.T) {
	t.Parallel()
	var fs *fitness.Store
	h := newHarness(t, Config{}, func(d *Deps) {
		var err error
		fs, err = fitness.NewStore(fitness.StoreConfig{Now: d.Now}, logx.Nop())
		require.NoError(t, err)
		d.Assessor = fitness.NewAssessor(fs, fitness.AssessorConfig{Now: d.Now}, logx.Nop())
	})
	for i := 0; i < 3; i++ {
		fs.Record("smt-throttler", fitness.Snapshot{Metrics: fitness.Metrics{Correctness: true, Reliability: true, Efficiency: true}})
	}
	require.True(t, fs.IsStable("smt-throttler"))

	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, ExecutorFunc(func(context.Context, task.Task, ExecContext) (Result, error) {
		return Result{Err: "smt-throttler: limit never reached"}, nil
	})))
	tk := h.create(t, task.CreateInput{
		Status:     task.StatusReady,
		Category:   task.CategoryFitnessCheck,
		MaxRetries: 1,
		Payload:    map[string]any{"source": "smt-throttler"},
	})

	h.tick(t)
	assert.Equal(t, task.StatusBlocked, h.get(t, tk.ID).Status)

	rec, ok := fs.Get("smt-throttler")
	require.True(t, ok)
	assert.False(t, rec.Stable)
	assert.Equal(t, fitness.StatusFailing, rec.Status)
	assert.Zero(t, rec.ConsecutivePasses)
	assert.Equal(t, 1, rec.TotalFailures)

	alerts := h.bus.Recent(eventbus.TopicAlert, 10)
	require.Len(t, alerts, 1)
	alert, ok := alerts[0].Payload.(Alert)
	require.True(t, ok)
	assert.Equal(t, "module_degradation", alert.Kind)
	assert.Equal(t, "smt-throttler", alert.Module)
}

func TestMalformedInputIsNotAssessed(t *testing.T) {
	t.Parallel()
	var fs *fitness.Store
	h := newHarness(t, Config{}, func(d *Deps) {
		var err error
		fs, err = fitness.NewStore(fitness.StoreConfig{Now: d.Now}, logx.Nop())
		require.NoError(t, err)
		d.Assessor = fitness.NewAssessor(fs, fitness.AssessorConfig{Now: d.Now}, logx.Nop())
	})
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, failing(ErrInvalidPayload)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})

	h.tick(t)
	assert.Equal(t, task.StatusBlocked, h.get(t, tk.ID).Status)
	_, ok := fs.Get("scheduler")
	assert.False(t, ok)
}

func TestExecutorTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ExecutorTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, ExecutorFunc(func(ctx context.Context, _ task.Task, _ ExecContext) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})

	h.tick(t)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.DecisionSummary, "timed out")
}

func TestExecutorPanicIsContained(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, ExecutorFunc(func(context.Context, task.Task, ExecContext) (Result, error) {
		panic("boom")
	})))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})
	h.tick(t)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Contains(t, got.DecisionSummary, "executor panic")
}

func TestRequiresHumanResultEscalates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, ExecutorFunc(func(context.Context, task.Task, ExecContext) (Result, error) {
		return Result{Success: true, Outcome: task.OutcomeRequiresHuman, Summary: "needs sign-off", Confidence: 0.6}, nil
	})))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})
	h.tick(t)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusWaitingOnHuman, got.Status)
	assert.Equal(t, "needs sign-off", got.DecisionSummary)
}

func TestRecoverStuck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StuckThreshold: time.Hour}, nil)
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})
	_, err := h.store.Update(context.Background(), tk.ID, task.Update{Status: task.Ptr(task.StatusInProgress)})
	require.NoError(t, err)

	n, err := h.s.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.Advance(2 * time.Hour)
	n, err = h.s.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := h.get(t, tk.ID)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Contains(t, got.DecisionSummary, "stuck in progress")
}

func TestExpireApprovals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ApprovalTimeout: 4 * time.Hour}, nil)
	urgent := h.create(t, task.CreateInput{Title: "urgent", Status: task.StatusReady, Urgency: 5, RequiresApproval: true})
	calm := h.create(t, task.CreateInput{Title: "calm", Status: task.StatusReady, Urgency: 2, RequiresApproval: true})
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	h.tick(t)
	require.Equal(t, task.StatusWaitingOnHuman, h.get(t, urgent.ID).Status)
	require.Equal(t, task.StatusWaitingOnHuman, h.get(t, calm.ID).Status)

	n, err := h.s.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clk.Advance(5 * time.Hour)
	n, err = h.s.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u := h.get(t, urgent.ID)
	assert.Equal(t, task.StatusReady, u.Status)
	assert.True(t, u.Approved)
	assert.Equal(t, "auto-approval", u.ApprovedBy)
	assert.Equal(t, task.StatusBlocked, h.get(t, calm.ID).Status)
}

func TestRegisterPersonaReplaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.Error(t, h.s.RegisterPersona("Intern", completed(1)))
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, failing(errors.New("old"))))
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})
	h.tick(t)
	assert.Equal(t, task.StatusDone, h.get(t, tk.ID).Status)
	assert.Equal(t, []task.Persona{task.PersonaDev}, h.s.Snapshot().Personas)
}

func TestPostTaskHooksRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	var seen atomic.Value
	h.s.AddPostTaskHook(func(_ context.Context, tk task.Task, _ Result) error {
		seen.Store(tk.ID)
		return errors.New("ignored")
	})
	tk := h.create(t, task.CreateInput{Status: task.StatusReady})
	h.tick(t)
	assert.Equal(t, tk.ID, seen.Load())
}

func TestStartStopTriggers(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, Config{TickSchedule: "@every 10ms"}, nil)
	require.NoError(t, h.s.RegisterPersona(task.PersonaDev, completed(1)))
	tk := h.create(t, task.CreateInput{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.s.Start(ctx))
	assert.True(t, h.s.Snapshot().Running)
	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.s.Configure(Config{TickSchedule: "every:1h"}))
	require.Error(t, h.s.Configure(Config{TickSchedule: "whenever"}))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, h.s.Stop(stopCtx))
	assert.False(t, h.s.Snapshot().Running)
}
