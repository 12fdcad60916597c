package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"missionctl/internal/task"
)

// memStore keeps tasks and audit entries in process memory.
// The file driver embeds it and journals every write.
type memStore struct {
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]task.Task
	audit []AuditEntry

	// onTask/onAudit are persistence hooks, called with mu held.
	onTask  func(task.Task) error
	onAudit func(AuditEntry) error
}

// NewMemory returns an in-memory Store.
func NewMemory(now func() time.Time) Store {
	return newMemStore(now)
}

func newMemStore(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{now: now, tasks: map[string]task.Task{}}
}

func (s *memStore) Create(ctx context.Context, in task.CreateInput) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	t, err := task.New(in, s.now())
	if err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onTask != nil {
		if err := s.onTask(t); err != nil {
			return task.Task{}, err
		}
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) Update(ctx context.Context, id string, upd task.Update) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := task.Apply(cur, upd, s.now())
	if err != nil {
		return cur, err
	}
	if s.onTask != nil {
		if err := s.onTask(next); err != nil {
			return cur, err
		}
	}
	s.tasks[id] = next
	return next, nil
}

func (s *memStore) Get(ctx context.Context, id string) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *memStore) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sortByCreated(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) Append(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onAudit != nil {
		if err := s.onAudit(e); err != nil {
			return err
		}
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Entries(ctx context.Context, taskID string, limit int) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func sortByCreated(ts []task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
