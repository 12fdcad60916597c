// Package httpapi serves the local control surface: the JSON-RPC style
// /rpc endpoint probed after a self-modify restart, and a typed REST API
// for tasks, approvals, the scheduler and fitness.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"missionctl/internal/breaker"
	"missionctl/internal/eventbus"
	"missionctl/internal/fitness"
	"missionctl/internal/selfmodify"
	"missionctl/internal/storage"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	logx "missionctl/pkg/logx"
)

// Control is the scheduler surface the API drives.
type Control interface {
	Tick(ctx context.Context) (scheduler.TickReport, error)
	Approve(ctx context.Context, id, by string) (task.Task, error)
	Reject(ctx context.Context, id, by, reason string) (task.Task, error)
	Pause(ctx context.Context, by string)
	Resume(ctx context.Context, by string)
	Snapshot() scheduler.Snapshot
}

// Events exposes recently published bus events.
type Events interface {
	Recent(topic string, limit int) []eventbus.Event
}

// Reloader schedules a restart for validated edits. *selfmodify.Reloader
// satisfies it.
type Reloader interface {
	Request(ctx context.Context, req selfmodify.ReloadRequest) (selfmodify.ReloadResult, error)
}

// HealthFunc reports named component checks; the process is healthy when
// every check is nil.
type HealthFunc func(ctx context.Context) map[string]error

type Config struct {
	Store     storage.Store
	Control   Control
	Fitness   *fitness.Store
	Checklist *selfmodify.Checklist
	Reloader  Reloader
	Breakers  *breaker.Registry
	Events    Events
	Health    HealthFunc
	Log       logx.Logger
	Now       func() time.Time
}

// Server is the HTTP handler. The REST API answers 503 until Open is
// called; /rpc health is served from the start.
type Server struct {
	cfg    Config
	log    logx.Logger
	router chi.Router
	open   atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("httpapi: store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: cfg.Log.With(logx.String("comp", "httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Post("/rpc", s.handleRPC)

	r.Group(func(r chi.Router) {
		r.Use(s.gate)
		hcfg := huma.DefaultConfig("missionctl API", "1.0.0")
		hcfg.OpenAPIPath = "/api/openapi"
		hcfg.DocsPath = ""
		hcfg.SchemasPath = "/api/schemas"
		hcfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaNamer)
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, "/api")
		registerTasks(group, s)
		registerScheduler(group, s)
		registerFitness(group, s)
		registerChecklist(group, s)
		registerReload(group, s)
		registerDiagnostics(group, s)
	})
	s.router = r
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Open starts serving the REST API.
func (s *Server) Open() { s.open.Store(true) }

func (s *Server) IsOpen() bool { return s.open.Load() }

func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.open.Load() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http api listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutCtx)
	<-errCh
	return err
}

// apiError maps domain errors onto HTTP statuses.
func apiError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, task.ErrInvalidInput):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrInvalidState):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, selfmodify.ErrValidationNotPassed), errors.Is(err, selfmodify.ErrNoFiles):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, selfmodify.ErrRestartRateLimited):
		return huma.Error429TooManyRequests(err.Error())
	case errors.Is(err, selfmodify.ErrPreReloadHook):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

// schemaNamer prefixes schema names with their package so scheduler,
// breaker and fitness Snapshot types do not collide.
func schemaNamer(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return name
	}
	pkg := path.Base(t.PkgPath())
	if pkg == "httpapi" || strings.HasPrefix(name, strings.ToUpper(pkg[:1])+pkg[1:]) {
		return name
	}
	return strings.ToUpper(pkg[:1]) + pkg[1:] + name
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
