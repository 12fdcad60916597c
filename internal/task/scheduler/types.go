package scheduler

import (
	"context"
	"time"

	"missionctl/internal/fitness"
	"missionctl/internal/resource"
	"missionctl/internal/runtime/supervisor"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/throttle"
	logx "missionctl/pkg/logx"
)

// Executor runs tasks for one persona.
type Executor interface {
	CanHandle(t task.Task) bool
	Execute(ctx context.Context, t task.Task, ec ExecContext) (Result, error)
}

// ExecutorFunc adapts a function to Executor; it handles every task.
type ExecutorFunc func(ctx context.Context, t task.Task, ec ExecContext) (Result, error)

func (f ExecutorFunc) CanHandle(task.Task) bool { return true }
func (f ExecutorFunc) Execute(ctx context.Context, t task.Task, ec ExecContext) (Result, error) {
	return f(ctx, t, ec)
}

// ExecContext is handed to an executor for one run.
type ExecContext struct {
	Identity    string
	RecordUsage func(op string)
	Audit       func(action string, details map[string]any)
}

// Result is what an executor reports back.
type Result struct {
	Success     bool
	Outcome     task.Outcome
	Summary     string
	Confidence  float64
	Err         string
	PromptsUsed int
}

// IdentityProvider renders the identity context passed to executors.
type IdentityProvider interface {
	Identity(ctx context.Context, t task.Task) (string, error)
}

// PostTaskHook runs after a task reaches DONE. Errors are logged only.
type PostTaskHook func(ctx context.Context, t task.Task, res Result) error

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	TickSchedule     string
	StuckSchedule    string
	ApprovalSchedule string
	Timezone         string

	ExecutorTimeout    time.Duration
	StuckThreshold     time.Duration
	ApprovalTimeout    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	AutoApproveUrgency int
}

func DefaultConfig() Config {
	return Config{
		TickSchedule:       "@every 30s",
		StuckSchedule:      "@every 5m",
		ApprovalSchedule:   "@every 15m",
		ExecutorTimeout:    30 * time.Minute,
		StuckThreshold:     time.Hour,
		ApprovalTimeout:    4 * time.Hour,
		BackoffBase:        5 * time.Second,
		BackoffMax:         5 * time.Minute,
		AutoApproveUrgency: 4,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.TickSchedule == "" {
		c.TickSchedule = d.TickSchedule
	}
	if c.StuckSchedule == "" {
		c.StuckSchedule = d.StuckSchedule
	}
	if c.ApprovalSchedule == "" {
		c.ApprovalSchedule = d.ApprovalSchedule
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = d.ExecutorTimeout
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.AutoApproveUrgency <= 0 {
		c.AutoApproveUrgency = d.AutoApproveUrgency
	}
	return c
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.TaskStore
	storage.AuditStore
}

// Throttle gates prompt spend. *throttle.SMT satisfies it.
type Throttle interface {
	CanProceed(op, category string) bool
	RecordUsage(op string)
}

// Resources reports whether dispatch must stop. *resource.Monitor satisfies it.
type Resources interface {
	ShouldPause() bool
}

// Assessor scores finished executions. *fitness.Assessor satisfies it.
type Assessor interface {
	Assess(t task.Task, ex fitness.Execution) fitness.Outcome
}

// Reassessor enqueues periodic fitness checks. *fitness.Reassessor satisfies it.
type Reassessor interface {
	CreateTasks(ctx context.Context, ts storage.TaskStore) (int, error)
}

// Publisher is the event bus surface used here. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any, from string)
}

// Deps wires the scheduler. Store is required; the rest are optional.
type Deps struct {
	Store      Store
	SMT        Throttle
	Resources  Resources
	Assessor   Assessor
	Reassessor Reassessor
	Bus        Publisher
	Identity   IdentityProvider
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
	Now        func() time.Time
}

// TickReport summarizes one Tick.
type TickReport struct {
	At              time.Time `json:"at"`
	Promoted        string    `json:"promoted,omitempty"`
	Dispatched      []string  `json:"dispatched,omitempty"`
	AwaitingHuman   []string  `json:"awaitingHuman,omitempty"`
	Throttled       int       `json:"throttled"`
	ResourcePaused  bool      `json:"resourcePaused"`
	Paused          bool      `json:"paused"`
	FitnessEnqueued int       `json:"fitnessEnqueued"`
}

// LaneInfo describes one busy persona lane.
type LaneInfo struct {
	Persona   task.Persona `json:"persona"`
	TaskID    string       `json:"taskId"`
	StartedAt time.Time    `json:"startedAt"`
}

// Counters are cumulative since process start.
type Counters struct {
	Ticks          uint64    `json:"ticks"`
	TasksProcessed uint64    `json:"tasksProcessed"`
	TasksFailed    uint64    `json:"tasksFailed"`
	LastTaskAt     time.Time `json:"lastTaskAt,omitzero"`
}

// Snapshot is a read-only view for status surfaces.
type Snapshot struct {
	Running   bool              `json:"running"`
	Paused    bool              `json:"paused"`
	Personas  []task.Persona    `json:"personas"`
	Lanes     []LaneInfo        `json:"lanes"`
	Counters  Counters          `json:"counters"`
	LastTick  *TickReport       `json:"lastTick,omitempty"`
	SMT       *throttle.Metrics `json:"smt,omitempty"`
	Resources *resource.Status  `json:"resources,omitempty"`
}
