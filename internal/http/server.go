// Package http is the inbound API: public ping endpoints for heartbeats and
// process monitors, the external worker protocol, and the operational
// endpoints (health, readiness, metrics). Ping endpoints carry no auth; the
// token in the path is the credential.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/monitor"
)

// MonitorAPI is the slice of the monitor service the ping endpoints need.
type MonitorAPI interface {
	HeartbeatPing(ctx context.Context, token, sourceIP string) error
	StartPing(ctx context.Context, token, sourceIP string) (*monitor.PingResult, error)
	EndPing(ctx context.Context, token, sourceIP string, payload model.AnyMap) (*monitor.PingResult, error)
}

// WorkerQueue hands queued tasks to long-polling external workers.
type WorkerQueue interface {
	PollWorkerTask(ctx context.Context, workerID string, timeout time.Duration) (*model.WorkerTaskInfo, error)
}

// ResultSink feeds external worker results back into the completion path.
type ResultSink interface {
	CompleteExternal(ctx context.Context, res model.WorkerResult) error
}

type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the http.Server and its routes.
type Server struct {
	server   *http.Server
	monitors MonitorAPI
	workers  WorkerQueue
	results  ResultSink
	metrics  http.Handler
	ready    func(ctx context.Context) error
}

// NewServer assembles the router. metricsHandler and ready may be nil; the
// corresponding endpoints then degrade to static responses.
func NewServer(cfg Config, monitors MonitorAPI, workers WorkerQueue, results ResultSink,
	metricsHandler http.Handler, ready func(ctx context.Context) error) *Server {

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Long-polling workers hold the response open up to their timeout.
		cfg.WriteTimeout = 90 * time.Second
	}

	s := &Server{
		monitors: monitors,
		workers:  workers,
		results:  results,
		metrics:  metricsHandler,
		ready:    ready,
	}
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logRequest)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost} {
		r.Method(method, "/ping/start/{token}", http.HandlerFunc(s.handleStartPing))
		r.Method(method, "/ping/end/{token}", http.HandlerFunc(s.handleEndPing))
		r.Method(method, "/ping/{token}", http.HandlerFunc(s.handleHeartbeatPing))
	}

	r.Get("/api/v1/workers/{worker_id}/poll", s.handleWorkerPoll)
	r.Post("/api/v1/workers/{worker_id}/result", s.handleWorkerResult)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		logging.L_info("http: listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L_error("http: server stopped", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			logging.L_warn("http: readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// logRequest logs each request after it completes, with status and timing.
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.L_debug("http: request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr, "elapsed", time.Since(start).String())
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.L_error("http: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

// clientIP strips the port from the remote address. RealIP middleware has
// already folded X-Forwarded-For in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
