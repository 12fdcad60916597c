package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": snapshot + journal next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now stamps CreatedAt/UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// AuditEntry records one mutation or notable decision about a task.
// Entries are append-only and never deleted.
type AuditEntry struct {
	At          time.Time      `json:"at"`
	TaskID      string         `json:"taskId"`
	Action      string         `json:"action"`
	Details     map[string]any `json:"details,omitempty"`
	PerformedBy string         `json:"performedBy"`
}

// TaskStore is the durable record of tasks.
type TaskStore interface {
	Create(ctx context.Context, in task.CreateInput) (task.Task, error)
	Update(ctx context.Context, id string, upd task.Update) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	Entries(ctx context.Context, taskID string, limit int) ([]AuditEntry, error)
}

// Store bundles both stores behind one driver.
type Store interface {
	TaskStore
	AuditStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "none":
		return NewMemory(cfg.Now), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
