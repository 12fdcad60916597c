package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"missionctl/internal/breaker"
	"missionctl/internal/eventbus"
	"missionctl/internal/fitness"
	"missionctl/internal/selfmodify"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
)

type CreateTaskRequest struct {
	Title            string         `json:"title" minLength:"1"`
	Description      string         `json:"description,omitempty"`
	Category         string         `json:"category"`
	Persona          string         `json:"personaOwner"`
	Urgency          int            `json:"urgency,omitempty" default:"3" minimum:"1" maximum:"5"`
	Importance       int            `json:"importance,omitempty" default:"3" minimum:"1" maximum:"5"`
	Risk             int            `json:"risk,omitempty" default:"3" minimum:"1" maximum:"5"`
	StressCost       int            `json:"stressCost,omitempty" default:"3" minimum:"1" maximum:"5"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`
	DueBy            *time.Time     `json:"dueBy,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	MaxRetries       int            `json:"maxRetries,omitempty"`
	CreatedBy        string         `json:"createdBy,omitempty"`
}

type TaskDetail struct {
	Task  task.Task            `json:"task"`
	Audit []storage.AuditEntry `json:"audit"`
}

type ActorRequest struct {
	By     string `json:"by" minLength:"1"`
	Reason string `json:"reason,omitempty"`
}

type taskBody struct {
	Body task.Task
}

func registerTasks(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, in *struct {
		Status   string `query:"status" doc:"comma separated statuses"`
		Persona  string `query:"persona"`
		Category string `query:"category"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*struct{ Body []task.Task }, error) {
		f := task.Filter{
			Persona:  task.Persona(in.Persona),
			Category: task.Category(in.Category),
			Limit:    in.Limit,
		}
		for _, st := range splitList(in.Status) {
			f.Status = append(f.Status, task.Status(st))
		}
		ts, err := s.cfg.Store.List(ctx, f)
		if err != nil {
			return nil, apiError(err)
		}
		if ts == nil {
			ts = []task.Task{}
		}
		return &struct{ Body []task.Task }{Body: ts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *struct{ Body CreateTaskRequest }) (*taskBody, error) {
		b := in.Body
		by := b.CreatedBy
		if by == "" {
			by = "api"
		}
		t, err := s.cfg.Store.Create(ctx, task.CreateInput{
			Title:            b.Title,
			Description:      b.Description,
			Category:         task.Category(b.Category),
			Persona:          task.Persona(b.Persona),
			Urgency:          b.Urgency,
			Importance:       b.Importance,
			Risk:             b.Risk,
			StressCost:       b.StressCost,
			RequiresApproval: b.RequiresApproval,
			DueBy:            b.DueBy,
			Dependencies:     b.Dependencies,
			Payload:          b.Payload,
			MaxRetries:       b.MaxRetries,
			CreatedBy:        by,
		})
		if err != nil {
			return nil, apiError(err)
		}
		_ = s.cfg.Store.Append(ctx, storage.AuditEntry{
			TaskID: t.ID, Action: "task.created", PerformedBy: by,
			Details: map[string]any{"persona": string(t.Persona), "category": string(t.Category)},
		})
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with its audit trail",
	}, func(ctx context.Context, in *struct {
		ID    string `path:"id"`
		Audit int    `query:"audit" default:"20" minimum:"0"`
	}) (*struct{ Body TaskDetail }, error) {
		t, err := s.cfg.Store.Get(ctx, in.ID)
		if err != nil {
			return nil, apiError(err)
		}
		entries, err := s.cfg.Store.Entries(ctx, in.ID, in.Audit)
		if err != nil {
			return nil, apiError(err)
		}
		return &struct{ Body TaskDetail }{Body: TaskDetail{Task: t, Audit: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a task waiting on a human",
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body ActorRequest
	}) (*taskBody, error) {
		if s.cfg.Control == nil {
			return nil, huma.Error503ServiceUnavailable("scheduler not configured")
		}
		t, err := s.cfg.Control.Approve(ctx, in.ID, in.Body.By)
		if err != nil {
			return nil, apiError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject a task waiting on a human",
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body ActorRequest
	}) (*taskBody, error) {
		if s.cfg.Control == nil {
			return nil, huma.Error503ServiceUnavailable("scheduler not configured")
		}
		t, err := s.cfg.Control.Reject(ctx, in.ID, in.Body.By, in.Body.Reason)
		if err != nil {
			return nil, apiError(err)
		}
		return &taskBody{Body: t}, nil
	})
}

func registerScheduler(api huma.API, s *Server) {
	need := func() error {
		if s.cfg.Control == nil {
			return huma.Error503ServiceUnavailable("scheduler not configured")
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-snapshot",
		Method:      http.MethodGet,
		Path:        "/scheduler",
		Summary:     "Scheduler state",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body scheduler.Snapshot }, error) {
		if err := need(); err != nil {
			return nil, err
		}
		return &struct{ Body scheduler.Snapshot }{Body: s.cfg.Control.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Run one tick now",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body scheduler.TickReport }, error) {
		if err := need(); err != nil {
			return nil, err
		}
		rep, err := s.cfg.Control.Tick(ctx)
		if err != nil {
			return nil, apiError(err)
		}
		return &struct{ Body scheduler.TickReport }{Body: rep}, nil
	})

	for _, op := range []struct {
		id, path string
		fn       func(Control, context.Context, string)
	}{
		{"scheduler-pause", "/scheduler/pause", Control.Pause},
		{"scheduler-resume", "/scheduler/resume", Control.Resume},
	} {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
		}, func(ctx context.Context, in *struct{ Body ActorRequest }) (*struct{ Body scheduler.Snapshot }, error) {
			if err := need(); err != nil {
				return nil, err
			}
			op.fn(s.cfg.Control, ctx, in.Body.By)
			return &struct{ Body scheduler.Snapshot }{Body: s.cfg.Control.Snapshot()}, nil
		})
	}
}

type FitnessReport struct {
	Summary fitness.Summary  `json:"summary"`
	Modules []fitness.Record `json:"modules"`
}

func registerFitness(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "fitness",
		Method:      http.MethodGet,
		Path:        "/fitness",
		Summary:     "Module fitness records",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body FitnessReport }, error) {
		if s.cfg.Fitness == nil {
			return nil, huma.Error503ServiceUnavailable("fitness not configured")
		}
		recs := s.cfg.Fitness.All()
		for i := range recs {
			recs[i].History = nil
		}
		return &struct{ Body FitnessReport }{Body: FitnessReport{
			Summary: s.cfg.Fitness.Summary(s.cfg.Now()),
			Modules: recs,
		}}, nil
	})
}

type ChecklistRequest struct {
	Edits []selfmodify.Edit `json:"edits" minItems:"1"`
}

func registerChecklist(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "checklist",
		Method:      http.MethodPost,
		Path:        "/selfmodify/checklist",
		Summary:     "Validate a batch of edits without applying them",
	}, func(ctx context.Context, in *struct{ Body ChecklistRequest }) (*struct{ Body selfmodify.Result }, error) {
		if s.cfg.Checklist == nil {
			return nil, huma.Error503ServiceUnavailable("checklist not configured")
		}
		res, err := s.cfg.Checklist.Run(ctx, in.Body.Edits)
		if err != nil {
			return nil, apiError(err)
		}
		return &struct{ Body selfmodify.Result }{Body: res}, nil
	})
}

type ReloadBody struct {
	Reason         string            `json:"reason" minLength:"1"`
	Edits          []selfmodify.Edit `json:"edits" minItems:"1"`
	RollbackCommit string            `json:"rollbackCommit,omitempty"`
}

type ReloadResponse struct {
	Checklist selfmodify.Result        `json:"checklist"`
	Reload    *selfmodify.ReloadResult `json:"reload,omitempty"`
}

// registerReload exposes checklist-then-reload. The edits must already be on
// disk; the checklist re-validates them against their previous content.
func registerReload(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "reload",
		Method:      http.MethodPost,
		Path:        "/selfmodify/reload",
		Summary:     "Validate applied edits and schedule a restart",
	}, func(ctx context.Context, in *struct{ Body ReloadBody }) (*struct{ Body ReloadResponse }, error) {
		if s.cfg.Checklist == nil || s.cfg.Reloader == nil {
			return nil, huma.Error503ServiceUnavailable("self-modify reload not configured")
		}
		res, err := s.cfg.Checklist.Run(ctx, in.Body.Edits)
		if err != nil {
			return nil, apiError(err)
		}
		out := &struct{ Body ReloadResponse }{Body: ReloadResponse{Checklist: res}}
		if !res.Passed {
			return nil, huma.Error422UnprocessableEntity("checklist failed: " + strings.Join(res.BlockingErrors, "; "))
		}
		files := make([]string, 0, len(in.Body.Edits))
		for _, e := range in.Body.Edits {
			files = append(files, e.Path)
		}
		rr, err := s.cfg.Reloader.Request(ctx, selfmodify.ReloadRequest{
			Reason:           in.Body.Reason,
			Files:            files,
			RollbackCommit:   in.Body.RollbackCommit,
			ValidationPassed: res.Passed,
		})
		if err != nil {
			return nil, apiError(err)
		}
		out.Body.Reload = &rr
		return out, nil
	})
}

func registerDiagnostics(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker states",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body []breaker.Snapshot }, error) {
		out := []breaker.Snapshot{}
		if s.cfg.Breakers != nil {
			out = s.cfg.Breakers.States()
		}
		return &struct{ Body []breaker.Snapshot }{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events/{topic}",
		Summary:     "Recent events on a topic",
	}, func(ctx context.Context, in *struct {
		Topic string `path:"topic"`
		Limit int    `query:"limit" default:"20" minimum:"1" maximum:"100"`
	}) (*struct{ Body []eventbus.Event }, error) {
		out := []eventbus.Event{}
		if s.cfg.Events != nil {
			out = s.cfg.Events.Recent(in.Topic, in.Limit)
		}
		return &struct{ Body []eventbus.Event }{Body: out}, nil
	})
}
