package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"missionctl/internal/runtime/supervisor"
	logx "missionctl/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional profiling listener. It is separate from the
// control API so it can stay on loopback while the API does not.
//
// A non-loopback Addr needs a Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

// Service runs the profiling listener under its own supervisor so a listen
// failure is retried without affecting the daemon.
type Service struct {
	log logx.Logger

	mu  sync.Mutex
	cur Config
	sup *supervisor.Supervisor

	// addr is written by the serve loop, which Stop waits for under mu.
	addr atomic.Value // string
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

// Apply starts, stops or restarts the listener to match cfg. Profiling rates
// apply even while the listener is disabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	runtime.SetMutexProfileFraction(max(cfg.MutexProfileFraction, 0))
	runtime.SetBlockProfileRate(max(cfg.BlockProfileRate, 0))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil && s.cur == cfg {
		return
	}
	s.stopLocked(ctx)
	s.cur = cfg
	if !cfg.Enabled {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("pprof.serve", func(c context.Context) error { return s.serve(c, cfg) },
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the listener down and waits for it within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.sup == nil {
		return
	}
	if err := s.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("pprof stop", logx.Err(err))
	}
	s.sup = nil
	s.addr.Store("")
}

// Addr is the bound listener address, empty while not serving.
func (s *Service) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			// Retrying cannot fix the config; wait for the next Apply.
			<-ctx.Done()
			return context.Canceled
		}
		s.log.Warn("pprof running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{Handler: Handler(cfg.Token), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.addr.Store(ln.Addr().String())
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	s.addr.Store("")

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

// Handler serves /healthz and the profiler under /debug. A non-empty token
// is required as a bearer header or a token query parameter.
func Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearer(strings.TrimSpace(token)))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != token {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
