package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"missionctl/internal/eventbus"
	"missionctl/internal/resource"
	"missionctl/internal/runtime/supervisor"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/throttle"
	logx "missionctl/pkg/logx"
)

const performedBy = "scheduler"

// Scheduler owns the task lifecycle loop.
type Scheduler struct {
	store      Store
	smt        Throttle
	resources  Resources
	assessor   Assessor
	reassessor Reassessor
	bus        Publisher
	identity   IdentityProvider
	sup        *supervisor.Supervisor
	log        logx.Logger
	now        func() time.Time

	tickMu sync.Mutex // serializes Tick, RecoverStuck and ExpireApprovals

	mu        sync.Mutex
	cfg       Config
	executors map[task.Persona]Executor
	lanes     map[task.Persona]*lane
	hooks     []PostTaskHook
	lastTick  *TickReport
	counters  Counters
	nextToken uint64

	paused   atomic.Bool
	inflight sync.WaitGroup

	cronMu  sync.Mutex
	cron    *cron.Cron
	runCtx  context.Context
	running bool
}

// New builds a scheduler. Deps.Store is required.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sup := deps.Supervisor
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	return &Scheduler{
		store:      deps.Store,
		smt:        deps.SMT,
		resources:  deps.Resources,
		assessor:   deps.Assessor,
		reassessor: deps.Reassessor,
		bus:        deps.Bus,
		identity:   deps.Identity,
		sup:        sup,
		log:        log.With(logx.String("comp", "scheduler")),
		now:        now,
		cfg:        cfg.normalize(),
		executors:  map[task.Persona]Executor{},
		lanes:      map[task.Persona]*lane{},
	}, nil
}

// RegisterPersona binds exec to persona, replacing any previous binding.
func (s *Scheduler) RegisterPersona(p task.Persona, exec Executor) error {
	if !p.Valid() {
		return fmt.Errorf("%w: unknown persona %q", task.ErrInvalidInput, p)
	}
	if exec == nil {
		return fmt.Errorf("%w: nil executor for %s", task.ErrInvalidInput, p)
	}
	s.mu.Lock()
	_, replaced := s.executors[p]
	s.executors[p] = exec
	s.mu.Unlock()
	s.log.Info("persona registered", logx.String("persona", string(p)), logx.Bool("replaced", replaced))
	return nil
}

// AddPostTaskHook registers a hook run after every DONE transition.
func (s *Scheduler) AddPostTaskHook(h PostTaskHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Configure applies new tuning. Trigger schedules are re-registered when the
// scheduler is running.
func (s *Scheduler) Configure(cfg Config) error {
	cfg = cfg.normalize()
	for _, spec := range []string{cfg.TickSchedule, cfg.StuckSchedule, cfg.ApprovalSchedule} {
		if _, err := cronSpec(spec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if old.TickSchedule != cfg.TickSchedule || old.StuckSchedule != cfg.StuckSchedule ||
		old.ApprovalSchedule != cfg.ApprovalSchedule || old.Timezone != cfg.Timezone {
		return s.reschedule()
	}
	return nil
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	rep := TickReport{At: now, Paused: s.paused.Load()}

	promoted, err := s.promoteOne(ctx, now)
	if err != nil {
		return rep, err
	}
	rep.Promoted = promoted

	if !rep.Paused {
		if err := s.dispatch(ctx, now, &rep); err != nil {
			return rep, err
		}
	}

	// Reassessment is bookkeeping; the kill switch only stops dispatch.
	if s.reassessor != nil {
		n, err := s.reassessor.CreateTasks(ctx, s.store)
		if err != nil {
			s.log.Warn("fitness reassessment failed", logx.Err(err))
		}
		rep.FitnessEnqueued = n
	}

	s.mu.Lock()
	s.counters.Ticks++
	r := rep
	s.lastTick = &r
	s.mu.Unlock()

	s.publish(eventbus.TopicSchedulerTick, rep)
	if rep.Promoted != "" || len(rep.Dispatched) > 0 {
		s.log.Debug("tick",
			logx.String("promoted", rep.Promoted),
			logx.Strings("dispatched", rep.Dispatched),
			logx.Int("throttled", rep.Throttled),
		)
	}
	return rep, nil
}

// promoteOne moves the highest-priority BACKLOG task whose dependencies are
// all DONE to READY. At most one task is promoted per tick.
func (s *Scheduler) promoteOne(ctx context.Context, now time.Time) (string, error) {
	backlog, err := s.store.List(ctx, task.Filter{Status: []task.Status{task.StatusBacklog}})
	if err != nil {
		return "", fmt.Errorf("list backlog: %w", err)
	}
	task.SortByPriority(backlog, now)
	for _, t := range backlog {
		ok, err := s.dependenciesDone(ctx, t)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if _, err := s.store.Update(ctx, t.ID, task.Update{Status: task.Ptr(task.StatusReady)}); err != nil {
			return "", fmt.Errorf("promote %s: %w", t.ID, err)
		}
		s.audit(ctx, t.ID, "task.promoted", map[string]any{
			"from":  string(task.StatusBacklog),
			"to":    string(task.StatusReady),
			"score": task.Score(t, now),
		}, performedBy)
		return t.ID, nil
	}
	return "", nil
}

// dependenciesDone treats a missing dependency as unmet.
func (s *Scheduler) dependenciesDone(ctx context.Context, t task.Task) (bool, error) {
	for _, dep := range t.Dependencies {
		d, err := s.store.Get(ctx, dep)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if d.Status != task.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time, rep *TickReport) error {
	ready, err := s.store.List(ctx, task.Filter{Status: []task.Status{task.StatusReady}})
	if err != nil {
		return fmt.Errorf("list ready: %w", err)
	}
	task.SortByPriority(ready, now)

	var (
		resourceChecked bool
		resourcePause   bool
		throttled       = map[task.Persona]bool{}
	)
	for _, t := range ready {
		if !t.Eligible(now) || throttled[t.Persona] {
			continue
		}
		exec, busy := s.laneState(t.Persona)
		if busy || exec == nil || !exec.CanHandle(t) {
			continue
		}
		ok, err := s.dependenciesDone(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if s.smt != nil && !s.smt.CanProceed(throttle.OpTaskExecute, string(t.Category)) {
			// The persona sits out this tick.
			throttled[t.Persona] = true
			rep.Throttled++
			s.log.Debug("dispatch throttled",
				logx.String("task", t.ID),
				logx.String("persona", string(t.Persona)),
				logx.String("category", string(t.Category)))
			continue
		}

		if t.RequiresApproval && !t.Approved {
			if err := s.awaitApproval(ctx, t); err != nil {
				return err
			}
			rep.AwaitingHuman = append(rep.AwaitingHuman, t.ID)
			continue
		}

		if !resourceChecked {
			resourceChecked = true
			resourcePause = s.resources != nil && s.resources.ShouldPause()
		}
		if resourcePause {
			rep.ResourcePaused = true
			s.log.Warn("dispatch paused by resource pressure")
			return nil
		}

		started, err := s.start(ctx, t, exec)
		if err != nil {
			return err
		}
		if started {
			rep.Dispatched = append(rep.Dispatched, t.ID)
		}
	}
	return nil
}

func (s *Scheduler) awaitApproval(ctx context.Context, t task.Task) error {
	upd := task.Update{
		Status:          task.Ptr(task.StatusWaitingOnHuman),
		Outcome:         task.Ptr(task.OutcomeRequiresHuman),
		DecisionSummary: task.Ptr("approval required before execution"),
	}
	if _, err := s.store.Update(ctx, t.ID, upd); err != nil {
		return fmt.Errorf("await approval %s: %w", t.ID, err)
	}
	s.audit(ctx, t.ID, "task.approval_required", map[string]any{
		"category": string(t.Category),
		"persona":  string(t.Persona),
	}, performedBy)
	s.publish(eventbus.TopicApprovalRequired, ApprovalRequest{
		TaskID: t.ID, Title: t.Title, Category: t.Category, Persona: t.Persona, Urgency: t.Urgency,
	})
	return nil
}

// ApprovalRequest is the payload of mission.approval_required events.
type ApprovalRequest struct {
	TaskID   string        `json:"taskId"`
	Title    string        `json:"title"`
	Category task.Category `json:"category"`
	Persona  task.Persona  `json:"persona"`
	Urgency  int           `json:"urgency"`
}

func (s *Scheduler) laneState(p task.Persona) (Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.lanes[p]
	return s.executors[p], busy
}

// Pause stops dispatch. Promotion and auditing continue.
func (s *Scheduler) Pause(ctx context.Context, by string) {
	if s.paused.Swap(true) {
		return
	}
	s.audit(ctx, "system", "scheduler.paused", nil, by)
	s.log.Warn("scheduler paused", logx.String("by", by))
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume(ctx context.Context, by string) {
	if !s.paused.Swap(false) {
		return
	}
	s.audit(ctx, "system", "scheduler.resumed", nil, by)
	s.log.Info("scheduler resumed", logx.String("by", by))
}

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Snapshot returns counters, lane occupancy and gate state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Paused:   s.paused.Load(),
		Counters: s.counters,
	}
	for p := range s.executors {
		snap.Personas = append(snap.Personas, p)
	}
	for p, l := range s.lanes {
		snap.Lanes = append(snap.Lanes, LaneInfo{Persona: p, TaskID: l.taskID, StartedAt: l.started})
	}
	if s.lastTick != nil {
		r := *s.lastTick
		snap.LastTick = &r
	}
	s.mu.Unlock()

	s.cronMu.Lock()
	snap.Running = s.running
	s.cronMu.Unlock()

	sort.Slice(snap.Personas, func(i, j int) bool { return snap.Personas[i] < snap.Personas[j] })
	sort.Slice(snap.Lanes, func(i, j int) bool { return snap.Lanes[i].Persona < snap.Lanes[j].Persona })

	if m, ok := s.smt.(interface{ Metrics() throttle.Metrics }); ok {
		v := m.Metrics()
		snap.SMT = &v
	}
	if r, ok := s.resources.(interface{ Last() resource.Status }); ok {
		v := r.Last()
		snap.Resources = &v
	}
	return snap
}

func (s *Scheduler) audit(ctx context.Context, taskID, action string, details map[string]any, by string) {
	err := s.store.Append(context.WithoutCancel(ctx), storage.AuditEntry{
		At: s.now(), TaskID: taskID, Action: action, Details: details, PerformedBy: by,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("task", taskID), logx.String("action", action), logx.Err(err))
	}
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload, performedBy)
	}
}
