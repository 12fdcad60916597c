package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/selfmodify"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	logx "missionctl/pkg/logx"
)

type fakeControl struct {
	mu       sync.Mutex
	paused   bool
	approved []string
	ticks    int
	err      error
}

func (f *fakeControl) Tick(context.Context) (scheduler.TickReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return scheduler.TickReport{Promoted: "t-1"}, nil
}

func (f *fakeControl) Approve(_ context.Context, id, by string) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return task.Task{}, f.err
	}
	f.approved = append(f.approved, id+":"+by)
	return task.Task{ID: id, Status: task.StatusReady, Approved: true, ApprovedBy: by}, nil
}

func (f *fakeControl) Reject(_ context.Context, id, by, reason string) (task.Task, error) {
	return task.Task{ID: id, Status: task.StatusBlocked, DecisionSummary: reason}, nil
}

func (f *fakeControl) Pause(context.Context, string) {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeControl) Resume(context.Context, string) {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeControl) Snapshot() scheduler.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.Snapshot{Running: true, Paused: f.paused}
}

type fakeReloader struct {
	mu   sync.Mutex
	reqs []selfmodify.ReloadRequest
	err  error
}

func (f *fakeReloader) Request(_ context.Context, req selfmodify.ReloadRequest) (selfmodify.ReloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return selfmodify.ReloadResult{}, f.err
	}
	f.reqs = append(f.reqs, req)
	return selfmodify.ReloadResult{Delay: 2 * time.Second, Consecutive: 1, RollbackCommit: "c0ffee"}, nil
}

type env struct {
	srv      *Server
	reloader *fakeReloader
	http    *httptest.Server
	store   storage.Store
	control *fakeControl

	mu      sync.Mutex
	healthy error
}

func (e *env) setHealth(err error) {
	e.mu.Lock()
	e.healthy = err
	e.mu.Unlock()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storage.NewMemory(nil), control: &fakeControl{}, reloader: &fakeReloader{}}
	srv, err := New(Config{
		Store:     e.store,
		Control:   e.control,
		Checklist: selfmodify.NewChecklist(selfmodify.ChecklistConfig{}, logx.Nop()),
		Reloader:  e.reloader,
		Health: func(context.Context) map[string]error {
			e.mu.Lock()
			defer e.mu.Unlock()
			return map[string]error{"store": nil, "scheduler": e.healthy}
		},
		Log: logx.Nop(),
	})
	require.NoError(t, err)
	e.srv = srv
	e.http = httptest.NewServer(srv.Handler())
	t.Cleanup(e.http.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthServedBeforeOpen(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/rpc", map[string]any{"method": MethodHealth, "params": map[string]any{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Result HealthResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Result.Healthy)
	assert.Equal(t, "ok", out.Result.Checks["store"])

	resp, _ = e.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/rpc", map[string]any{"method": MethodStatus})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAgreesWithRollbackProbe(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	probe := selfmodify.NewHTTPProbe(e.http.URL + "/rpc")

	ok, err := probe.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	e.setHealth(errors.New("cron not running"))
	ok, err = probe.Healthy(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskLifecycleOverAPI(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.srv.Open()

	resp, body := e.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{
		Title: "draft NDA", Category: string(task.CategoryLegal), Persona: string(task.PersonaLegalOps),
		Urgency: 4, Importance: 3, CreatedBy: "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created task.Task
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, task.StatusBacklog, created.Status)

	resp, body = e.do(t, http.MethodGet, "/api/tasks?status=BACKLOG,READY", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []task.Task
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = e.do(t, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail TaskDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Len(t, detail.Audit, 1)
	assert.Equal(t, "task.created", detail.Audit[0].Action)
	assert.Equal(t, "tester", detail.Audit[0].PerformedBy)

	resp, _ = e.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{Title: "x", Category: "NOPE", Persona: "Dev"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.srv.Open()

	resp, body := e.do(t, http.MethodPost, "/api/tasks/t-9/approve", ActorRequest{By: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	e.control.mu.Lock()
	assert.Equal(t, []string{"t-9:alice"}, e.control.approved)
	e.control.mu.Unlock()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: t-9", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: DONE", task.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: by required", task.ErrInvalidInput), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e.control.mu.Lock()
		e.control.err = tc.err
		e.control.mu.Unlock()
		resp, _ := e.do(t, http.MethodPost, "/api/tasks/t-9/approve", ActorRequest{By: "alice"})
		assert.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
	}
}

func TestSchedulerControlOverRPCAndREST(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.srv.Open()

	resp, _ := e.do(t, http.MethodPost, "/rpc", map[string]any{"method": MethodPause, "params": map[string]any{"by": "ops"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, e.control.Snapshot().Paused)

	resp, body := e.do(t, http.MethodPost, "/api/scheduler/resume", ActorRequest{By: "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.False(t, e.control.Snapshot().Paused)

	resp, body = e.do(t, http.MethodPost, "/api/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rep scheduler.TickReport
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, "t-1", rep.Promoted)

	resp, _ = e.do(t, http.MethodPost, "/rpc", map[string]any{"method": "mission.reboot"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChecklistEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.srv.Open()

	resp, body := e.do(t, http.MethodPost, "/api/selfmodify/checklist", ChecklistRequest{Edits: []selfmodify.Edit{{
		Path:       "src/self-modify/boundaries.ts",
		OldContent: "export const a = 1;\n",
		NewContent: "export const a = 2;\n",
	}}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res selfmodify.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Passed)
	assert.Contains(t, res.BlockingErrors, "Attempted to modify self-modify boundaries")
}

func TestReloadEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.srv.Open()
	edit := selfmodify.Edit{Path: "docs/guide.md", OldContent: "a\nb\nc\nd\n", NewContent: "a\nb\nc\nD\n"}

	resp, body := e.do(t, http.MethodPost, "/api/selfmodify/reload", ReloadBody{Reason: "typo", Edits: []selfmodify.Edit{edit}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out ReloadResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Checklist.Passed)
	require.NotNil(t, out.Reload)
	assert.Equal(t, "c0ffee", out.Reload.RollbackCommit)
	e.reloader.mu.Lock()
	require.Len(t, e.reloader.reqs, 1)
	assert.Equal(t, []string{"docs/guide.md"}, e.reloader.reqs[0].Files)
	assert.True(t, e.reloader.reqs[0].ValidationPassed)
	e.reloader.mu.Unlock()

	unlock := selfmodify.Edit{Path: "src/self-modify/boundaries.ts", OldContent: "a\n", NewContent: "a\n"}
	resp, body = e.do(t, http.MethodPost, "/api/selfmodify/reload", ReloadBody{Reason: "unlock", Edits: []selfmodify.Edit{unlock}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	e.reloader.mu.Lock()
	e.reloader.err = fmt.Errorf("reload: %w", selfmodify.ErrRestartRateLimited)
	e.reloader.mu.Unlock()
	resp, body = e.do(t, http.MethodPost, "/api/selfmodify/reload", ReloadBody{Reason: "again", Edits: []selfmodify.Edit{edit}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, string(body))

	resp, _ = e.do(t, http.MethodPost, "/api/selfmodify/reload", ReloadBody{Reason: "empty"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "edits are required")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, "127.0.0.1:0", time.Second, time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
