package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

// stepClock hands out strictly increasing timestamps.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file", "missionctl.db")},
		{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "missionctl.db")},
	} {
		clk := &stepClock{cur: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
		cfg.Now = clk.Now
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func newInput(title string, persona task.Persona) task.CreateInput {
	return task.CreateInput{
		Title: title, Category: task.CategoryDev, Persona: persona,
		Urgency: 3, Importance: 3, Risk: 1, StressCost: 1,
		Payload: map[string]any{"source": "scheduler"},
	}
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		name, st := name, st
		t.Run(name, func(t *testing.T) {
			a, err := st.Create(ctx, newInput("a", task.PersonaDev))
			require.NoError(t, err)
			b, err := st.Create(ctx, newInput("b", task.PersonaLegalOps))
			require.NoError(t, err)

			got, err := st.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "a", got.Title)
			assert.Equal(t, "scheduler", got.PayloadString("source"))

			_, err = st.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			ready, err := st.Update(ctx, a.ID, task.Update{Status: task.Ptr(task.StatusReady)})
			require.NoError(t, err)
			assert.Equal(t, task.StatusReady, ready.Status)
			assert.True(t, ready.UpdatedAt.After(a.UpdatedAt))

			_, err = st.Update(ctx, b.ID, task.Update{Status: task.Ptr(task.StatusDone), Outcome: task.Ptr(task.OutcomeCompleted)})
			require.ErrorIs(t, err, task.ErrInvalidTransition)
			still, err := st.Get(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, task.StatusBacklog, still.Status, "rejected update must not be applied")

			backlog, err := st.List(ctx, task.Filter{Status: []task.Status{task.StatusBacklog}})
			require.NoError(t, err)
			require.Len(t, backlog, 1)
			assert.Equal(t, b.ID, backlog[0].ID)

			all, err := st.List(ctx, task.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, a.ID, all[0].ID, "list is ordered by createdAt")

			dev, err := st.List(ctx, task.Filter{Persona: task.PersonaDev})
			require.NoError(t, err)
			require.Len(t, dev, 1)

			require.NoError(t, st.Append(ctx, AuditEntry{TaskID: a.ID, Action: "task.promoted", PerformedBy: "scheduler", Details: map[string]any{"from": "BACKLOG"}}))
			require.NoError(t, st.Append(ctx, AuditEntry{TaskID: b.ID, Action: "task.created", PerformedBy: "cli"}))
			entries, err := st.Entries(ctx, a.ID, 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "task.promoted", entries[0].Action)
			assert.Equal(t, "BACKLOG", entries[0].Details["from"])

			latest, err := st.Entries(ctx, "", 1)
			require.NoError(t, err)
			require.Len(t, latest, 1)
			assert.Equal(t, "task.created", latest[0].Action, "entries are newest first")
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	created, err := st.Create(ctx, newInput("persist me", task.PersonaRnD))
	require.NoError(t, err)
	_, err = st.Update(ctx, created.ID, task.Update{Status: task.Ptr(task.StatusReady)})
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, AuditEntry{TaskID: created.ID, Action: "task.promoted", PerformedBy: "test"}))
	require.NoError(t, st.Close())

	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)

	entries, err := reopened.Entries(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}
