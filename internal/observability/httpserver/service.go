// Package httpserver is the ops HTTP surface: health and status JSON,
// Prometheus metrics, the Telegram webhook endpoint and optional pprof.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "dripbot/internal/runtime/supervisor"
	logx "dripbot/pkg/logx"
)

type Config struct {
	Addr  string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// CheckTimeout bounds one /health probe round.
	CheckTimeout time.Duration
}

// Deps are the handlers and probes the server exposes. Nil members leave
// their route out.
type Deps struct {
	Checks  []Check
	Status  func(ctx context.Context) (any, error)
	Metrics http.Handler

	Webhook     http.Handler
	WebhookPath string
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopping bool
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

// Handler builds the router. It is exported for tests and embedding.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Webhook != nil {
		path := s.deps.WebhookPath
		if path == "" {
			path = "/webhook"
		}
		r.Method(http.MethodPost, path, s.deps.Webhook)
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("rid", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request failed", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}

// Start binds the listener and serves under a supervisor until Stop or
// ctx is done. A bind error is returned directly.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.Pprof && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("pprof exposed on a non-loopback address", logx.String("addr", s.cfg.Addr))
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// the ops surface must never take the bot down
		rtsup.WithCancelOnError(false),
	)

	srv := s.srv
	s.sup.Go0("http.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})
	s.sup.Go("http.serve", func(c context.Context) error {
		s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("webhook", s.deps.Webhook != nil))
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		s.log.Error("http server exited", logx.Err(err))
		return err
	})
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	if sup == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)

	s.mu.Lock()
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	s.log.Info("http server stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		_ = srv.Close()
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
