// Package health serves the HTTP side of every peer: liveness and
// readiness probes, Prometheus metrics, a JSON status report and the
// peer's control routes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/e7canasta/flame-avsim/internal/log"
)

const shutdownTimeout = 5 * time.Second

// StatusFunc returns the peer-specific part of the status report.
type StatusFunc func(ctx context.Context) (any, error)

// Options configures a Server.
type Options struct {
	Addr    string
	App     string
	Ready   func() bool      // readiness probe, nil means always ready
	Status  StatusFunc       // optional peer detail for /api/status
	Control func(chi.Router) // command routes, registered behind the rate limiter
	Limit   RateLimit        // zero uses DefaultControlLimit
	Feed    http.Handler     // optional websocket feed at /api/events
}

// Server is the per-peer HTTP server.
type Server struct {
	opts    Options
	started time.Time
	logger  zerolog.Logger
	router  chi.Router
}

// New builds the router. Nothing listens until Run.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		started: time.Now(),
		logger:  log.WithComponent("health"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(accessLog(s.logger))

	r.Get("/health", s.handleLiveness)
	r.Get("/readiness", s.handleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/status", s.handleStatus)
	if s.opts.Feed != nil {
		r.Method(http.MethodGet, "/api/events", s.opts.Feed)
	}

	if s.opts.Control != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.opts.Limit.middleware())
			s.opts.Control(r)
		})
	}
	return r
}

// Run listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Strs("endpoints", []string{"/health", "/readiness", "/metrics", "/api/status"}).
		Msg("starting health server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("health server shutdown incomplete")
		_ = srv.Close()
	}
	<-errCh
	return nil
}

func (s *Server) uptime() int64 {
	return int64(time.Since(s.started).Seconds())
}

func (s *Server) ready() bool {
	return s.opts.Ready == nil || s.opts.Ready()
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"app":    s.opts.App,
		"uptime": s.uptime(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "app": s.opts.App})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "app": s.opts.App})
}

// Report is the body of /api/status.
type Report struct {
	App           string       `json:"app"`
	Status        string       `json:"status"` // "healthy" or "degraded"
	UptimeSeconds int64        `json:"uptime_seconds"`
	Process       ProcessStats `json:"process"`
	Detail        any          `json:"detail,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// ProcessStats describes the peer process and its host.
type ProcessStats struct {
	PID            int     `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rss_bytes,omitempty"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	HostMemUsedPct float64 `json:"host_mem_used_percent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep := Report{
		App:           s.opts.App,
		Status:        "healthy",
		UptimeSeconds: s.uptime(),
		Process:       s.processStats(r.Context()),
	}
	if !s.ready() {
		rep.Status = "degraded"
	}

	if s.opts.Status != nil {
		detail, err := s.opts.Status(r.Context())
		if err != nil {
			rep.Status = "degraded"
			rep.Error = err.Error()
		} else {
			rep.Detail = detail
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) processStats(ctx context.Context) ProcessStats {
	pid := os.Getpid()
	st := ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}

	if p, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
		if m, err := p.MemoryInfoWithContext(ctx); err == nil {
			st.RSSBytes = m.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			st.CPUPercent = cpu
		}
	} else {
		s.logger.Debug().Err(err).Msg("process stats unavailable")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.HostMemUsedPct = vm.UsedPercent
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}
