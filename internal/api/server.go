// Package api implements the hub's admin and health HTTP API and mounts
// the WebSocket gateway.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/semantest/docs-sub005/internal/addon"
	"github.com/semantest/docs-sub005/internal/buildinfo"
	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/failover"
	"github.com/semantest/docs-sub005/internal/metrics"
	"github.com/semantest/docs-sub005/internal/queue"
	"github.com/semantest/docs-sub005/internal/registry"
	"github.com/semantest/docs-sub005/internal/router"
)

// DefaultMaxWait caps how long POST /v1/jobs?wait= holds the request.
const DefaultMaxWait = time.Minute

// CodeNotFound is the error code for unknown resources. The other codes
// come from errs.Code.
const CodeNotFound = "NOT_FOUND"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires the server to the hub components. Any component may be
// nil; its endpoints then answer 503.
type Config struct {
	Address string
	Port    int
	// MaxConns caps concurrent connections, WebSocket clients included.
	// Zero is unlimited.
	MaxConns int
	// MaxWait caps the wait query parameter of job submission.
	MaxWait time.Duration

	Queue    *queue.Queue
	Addons   *addon.Manager
	Failover *failover.Controller
	Registry *registry.Registry
	Router   *router.Router
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	// Gateway is mounted at /ws.
	Gateway http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
	ready  chan struct{}
	addr   net.Addr
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Server{cfg: cfg, logger: cfg.Logger, ready: make(chan struct{})}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Handle("/metrics", s.cfg.Metrics.Handler())
	if s.cfg.Gateway != nil {
		r.Handle("/ws", s.cfg.Gateway)
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleJobSubmit)
		r.Get("/", s.handleJobList)
		r.Get("/{id}", s.handleJobGet)
		r.Delete("/{id}", s.handleJobCancel)
	})
	r.Get("/v1/deadletters", s.handleDeadLetters)
	r.Post("/v1/deadletters/{id}/requeue", s.handleRequeue)

	r.Route("/v1/addons", func(r chi.Router) {
		r.Get("/", s.handleAddonList)
		r.Get("/{name}", s.handleAddonGet)
		r.Post("/{name}/{action:load|unload|reload}", s.handleAddonAction)
	})

	r.Get("/v1/failover", s.handleFailover)

	r.Get("/v1/connections", s.handleConnectionList)
	r.Get("/v1/connections/{id}", s.handleConnectionGet)

	r.Get("/v1/router/stats", s.handleRouterStats)
	r.Get("/v1/router/audit", s.handleRouterAudit)
	r.Get("/v1/router/explain/{envelopeId}", s.handleRouterExplain)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path)
	})
	return r
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.addr = ln.Addr()
	close(s.ready)

	s.logger.Info("starting API server", "address", ln.Addr().String(), "max_conns", s.cfg.MaxConns)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr blocks until Start has bound its listener, then returns the
// bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "semhub",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// Health states.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	Connections int               `json:"connections"`
	Queue       *queue.Stats      `json:"queue,omitempty"`
	QueueError  string            `json:"queueError,omitempty"`
	Addons      map[string]string `json:"addons,omitempty"`
	Route       *failover.Route   `json:"route,omitempty"`
	Switching   bool              `json:"switching"`
}

// handleHealth reports component health. It answers 503 only when no
// endpoint tier is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := HealthReport{
		Status:  HealthOK,
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
	}
	if s.cfg.Registry != nil {
		rep.Connections = s.cfg.Registry.Count()
	}
	if s.cfg.Queue != nil {
		st, err := s.cfg.Queue.Stats(r.Context())
		if err != nil {
			rep.QueueError = err.Error()
			rep.Status = HealthDegraded
		} else {
			rep.Queue = &st
		}
	}
	if s.cfg.Addons != nil {
		rep.Addons = make(map[string]string)
		for _, st := range s.cfg.Addons.List() {
			rep.Addons[st.Name] = st.State.String()
			if st.State == addon.StateFailed || st.State == addon.StateDegraded {
				rep.Status = HealthDegraded
			}
		}
	}
	code := http.StatusOK
	if s.cfg.Failover != nil {
		route := s.cfg.Failover.Active()
		rep.Route = &route
		rep.Switching = s.cfg.Failover.Switching()
		if route.Tier == failover.TierOffline {
			rep.Status = HealthOffline
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, rep, s.logger)
}

// ErrorBody is the JSON error envelope of every failed request.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	var body ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Status = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, body, s.logger)
}

// fail maps a component error to its HTTP status and wire code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, addon.ErrUnknownAddon):
		s.errorResponse(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, addon.ErrQuarantined):
		s.errorResponse(w, http.StatusConflict, errs.CodeInvalidMessage, err.Error())
	case errs.IsValidation(err):
		s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, err.Error())
	case errs.IsCapacity(err):
		s.errorResponse(w, http.StatusTooManyRequests, errs.CodeCapacityExceeded, err.Error())
	case errs.IsAddonUnavailable(err):
		s.errorResponse(w, http.StatusServiceUnavailable, errs.CodeAddonUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errs.CodeInternal, err.Error())
	}
}

func (s *Server) unavailable(w http.ResponseWriter, component string) {
	s.errorResponse(w, http.StatusServiceUnavailable, errs.CodeInternal, component+" not configured")
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.unavailable(w, "router")
		return
	}

	stats := s.cfg.Router.GetStats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.unavailable(w, "router")
		return
	}

	decisions := s.cfg.Router.GetAuditLog(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.unavailable(w, "router")
		return
	}

	decision := s.cfg.Router.Explain(chi.URLParam(r, "envelopeId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, CodeNotFound, "decision not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
