// Package httpstatus serves the daemon's operator-facing HTTP surface:
// /healthz, /status, and /metrics. It knows nothing about the pipeline,
// the scheduler, or the control plane directly — it only calls the
// small Provider interface, the way internal/server/httpserver only
// calls its Runtime interface.
package httpstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ralph-fleet/ralphd/internal/logfields"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// Provider is the minimal read-only view of the daemon the status
// surface needs. It intentionally matches no concrete type so that
// internal/ralphd never has to import this package.
type Provider interface {
	GetStatus() string
	GetStartTime() time.Time
	Gate() ralphtypes.Gate
	RepoInFlight() map[string]int
	BreakerOpenCounts() map[string]int
	QueueDepth(ctx context.Context) (int, error)
	DeadLetterCount() int
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime_seconds"`
}

// StatusResponse is the /status payload: gate, per-repo in-flight task
// counts, and a circuit-breaker open-count summary.
type StatusResponse struct {
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Uptime       float64        `json:"uptime_seconds"`
	Gate         string         `json:"gate"`
	QueueDepth   int            `json:"queue_depth"`
	RepoInFlight map[string]int `json:"repo_in_flight"`
	BreakerOpen  map[string]int `json:"breaker_open_by_repo"`
	DeadLetters  int            `json:"dead_letters"`
}

// Server exposes the daemon's monitoring endpoints on one admin
// listener, mirroring httpserver.Server's pre-bind-then-serve shape
// but scaled down to a single *http.Server.
type Server struct {
	addr     string
	provider Provider
	registry *Registry
	log      *slog.Logger

	srv *http.Server
}

// New constructs a Server. registry may be nil, in which case /metrics
// reports 404 Not Found — the prometheus build tag controls whether a
// real registry is ever created (see metrics_prometheus.go).
func New(addr string, provider Provider, registry *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, provider: provider, registry: registry, log: log}
}

// Start pre-binds the listener so a port conflict fails fast, then
// serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpstatus: bind %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metricsHandler())

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server error", logfields.Error(err))
		}
	}()
	s.log.Info("status server started", slog.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.provider.GetStartTime()).Seconds(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	depth, err := s.provider.QueueDepth(r.Context())
	if err != nil {
		s.log.Warn("status: queue depth lookup failed", logfields.Error(err))
	}

	resp := StatusResponse{
		Status:       s.provider.GetStatus(),
		Timestamp:    time.Now().UTC(),
		Uptime:       time.Since(s.provider.GetStartTime()).Seconds(),
		Gate:         string(s.provider.Gate()),
		QueueDepth:   depth,
		RepoInFlight: s.provider.RepoInFlight(),
		BreakerOpen:  s.provider.BreakerOpenCounts(),
		DeadLetters:  s.provider.DeadLetterCount(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes into a buffer first so a marshal failure never
// sends a half-written body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
