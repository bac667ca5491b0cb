// Package api exposes the turn engine over HTTP: posting messages,
// resetting chats, reading history and the tool audit log, plus health,
// metrics and a WebSocket stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/astarte-agent/internal/agent"
	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/buildinfo"
	"github.com/nugget/astarte-agent/internal/connwatch"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/metrics"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/toolcache"
)

// Engine handles inbound messages and resets.
type Engine interface {
	Handle(ctx context.Context, in agent.Inbound) (*agent.Reply, error)
	Reset(ctx context.Context, chat string) (store.PurgeResult, error)
}

// History is the read side of the store served by the API.
type History interface {
	ListRecentTurns(ctx context.Context, chat string, limit, offset int) ([]store.Turn, error)
	CountTurns(ctx context.Context, chat string) (int, error)
	ListToolCalls(ctx context.Context, q store.ToolCallQuery) ([]store.ToolCallRecord, error)
}

// ToolServers reports tool server connection state.
type ToolServers interface {
	Status() []toolcache.ServerStatus
}

// Health reports backend readiness.
type Health interface {
	Status() map[string]connwatch.Status
	AllReady() bool
}

// Config configures a Server. Servers, Health and Usage are optional.
type Config struct {
	Address string
	Port    int
	Engine  Engine
	History History
	Servers ToolServers
	Health  Health
	Usage   Usage
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	engine   Engine
	history  History
	servers  ToolServers
	health   Health
	usage    Usage
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		engine:  cfg.Engine,
		history: cfg.History,
		servers: cfg.Servers,
		health:  cfg.Health,
		usage:   cfg.Usage,
		bus:     cfg.Bus,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chats/{chat}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/chats/{chat}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/chats/{chat}/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/tools/calls", s.handleToolCalls)
	mux.HandleFunc("GET /v1/tools/servers", s.handleToolServers)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.usage != nil {
		mux.HandleFunc("GET /v1/usage", s.handleUsage)
	}

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns can run many tool rounds.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The event stream is long-lived and hijacks the connection.
		if r.URL.Path == "/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps err onto a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var v *apperr.ValidationError
	switch {
	case errors.As(err, &v):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: v.Error(), Field: v.Field})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, agent.ErrTurnCancelled):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// intParam parses a non-negative integer query parameter. Malformed or
// out-of-range values are rejected, never replaced by the default.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(name, "must be an integer, got %q", raw)
	}
	if n < 0 {
		return 0, apperr.Invalid(name, "must not be negative, got %d", n)
	}
	return n, nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Astarte",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// handleHealth reports 200 when every watched backend is ready and 503
// otherwise, with per-backend detail either way.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.health != nil {
		body["backends"] = s.health.Status()
		if !s.health.AllReady() {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.servers != nil {
		body["tool_servers"] = s.servers.Status()
	}
	s.writeJSON(w, code, body)
}

func (s *Server) handleToolServers(w http.ResponseWriter, _ *http.Request) {
	var status []toolcache.ServerStatus
	if s.servers != nil {
		status = s.servers.Status()
	}
	if status == nil {
		status = []toolcache.ServerStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": status})
}
