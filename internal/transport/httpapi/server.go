package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"cronrelay/internal/jobs"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

const (
	DefaultAddr         = ":3000"
	DefaultAccessHeader = "access-key"

	defaultMaxBodyBytes = 1 << 20
)

// Jobs is the job API the server dispatches to. *jobs.Service satisfies it.
type Jobs interface {
	ScheduleJob(ctx context.Context, name, spec string, payload json.RawMessage) (jobs.JobInfo, error)
	UpdateJob(ctx context.Context, name, spec string, payload json.RawMessage) (jobs.JobInfo, error)
	TriggerJob(ctx context.Context, name string) error
	DeleteJob(ctx context.Context, name string) error
	ListJobs(ctx context.Context) ([]jobs.JobInfo, error)
	History(ctx context.Context, name string, limit int) ([]storage.Execution, error)
}

// Observer receives one call per served request.
type Observer interface {
	ObserveRequest(route, method string, status int, dur time.Duration)
}

// Config is the listener configuration. It is read once by Listen/Serve.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxBodyBytes      int64
}

// Access holds the hot-reloadable request gate settings.
type Access struct {
	Header    string
	AccessKey string

	RateLimit      bool
	RatePerSec     float64
	Burst          int
	TrustForwarded bool // key rate limits by X-Forwarded-For / X-Real-IP
}

func (a Access) withDefaults() Access {
	a.Header = strings.TrimSpace(a.Header)
	if a.Header == "" {
		a.Header = DefaultAccessHeader
	}
	if a.RatePerSec <= 0 {
		a.RatePerSec = 5
	}
	if a.Burst <= 0 {
		a.Burst = 10
	}
	return a
}

type Server struct {
	cfg  Config
	jobs Jobs
	log  logx.Logger
	obs  Observer

	access  atomic.Pointer[Access]
	limiter *clientLimiter

	mu  sync.Mutex
	srv *http.Server
}

type Option func(*Server)

func WithObserver(o Observer) Option { return func(s *Server) { s.obs = o } }

func New(cfg Config, access Access, svc Jobs, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{cfg: cfg, jobs: svc, log: log, limiter: newClientLimiter(time.Now)}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.Apply(access)
	return s
}

// Apply swaps the auth and rate limit settings. In-flight requests finish
// with the settings they started with.
func (s *Server) Apply(a Access) {
	a = a.withDefaults()
	prev := s.access.Swap(&a)
	if prev == nil || prev.RatePerSec != a.RatePerSec || prev.Burst != a.Burst {
		s.limiter.reset(a.RatePerSec, a.Burst)
	}
	if strings.TrimSpace(a.AccessKey) == "" {
		s.log.Warn("auth.access_key is empty; every /jobs request will be rejected")
	}
}

func (s *Server) currentAccess() Access { return *s.access.Load() }

// Handler builds the router. It can be mounted without Listen (tests).
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.observe)
	r.NotFoundHandler = s.observe(http.HandlerFunc(s.handleNotFound))
	r.MethodNotAllowedHandler = s.observe(http.HandlerFunc(s.handleMethodNotAllowed))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/jobs").Subrouter()
	api.Use(s.rateLimit, s.authenticate)
	routes := []struct {
		path, method string
		h            http.HandlerFunc
	}{
		{"/trigger", http.MethodGet, s.handleTrigger},
		{"/list", http.MethodGet, s.handleList},
		{"/schedule", http.MethodPost, s.handleSchedule},
		{"/update", http.MethodPut, s.handleUpdate},
		{"/delete", http.MethodDelete, s.handleDelete},
		{"/history", http.MethodGet, s.handleHistory},
	}
	known := make(map[string]bool, len(routes))
	for _, rt := range routes {
		api.HandleFunc(rt.path, rt.h).Methods(rt.method)
		known["/jobs"+rt.path] = true
	}
	// Everything else under /jobs still goes through auth before 404/405.
	api.NewRoute().HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if known[r.URL.Path] {
			s.handleMethodNotAllowed(w, r)
			return
		}
		s.handleNotFound(w, r)
	})
	return r
}

// Listen binds the configured address so bind errors surface at startup.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	return ln, nil
}

// Serve serves on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})
	defer stop()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http serve")
}

// Shutdown gracefully stops the server started by Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return err
}
