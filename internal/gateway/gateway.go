// Package gateway is the hub's WebSocket front door. It authenticates
// and upgrades client connections, decodes and validates inbound
// envelopes, answers control messages itself and hands everything else
// to the bus. A single bus subscription carries outbound envelopes back
// to clients: replies go to the connection that sent the request they
// are correlated to, and every envelope is broadcast to the connections
// subscribed to its type.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/failover"
	"github.com/semantest/docs-sub005/internal/metrics"
	"github.com/semantest/docs-sub005/internal/registry"
)

// Defaults for the gateway.
const (
	DefaultRateLimit       = 100
	DefaultSendQueue       = 256
	DefaultReadLimit       = 1 << 20
	DefaultPingInterval    = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultCorrelationSize = 10000
	DefaultRetryAfter      = 5 * time.Second
)

// Error codes that only the gateway produces.
const (
	CodeRateLimited    = "RATE_LIMITED"
	CodeDraining       = "DRAINING"
	CodeUnknownChannel = "UNKNOWN_CHANNEL"
)

// RouteSource reports where client traffic should go.
// *failover.Controller implements it.
type RouteSource interface {
	Active() failover.Route
	Switching() bool
}

// Config configures a Gateway.
type Config struct {
	// Tier is the failover tier this process serves.
	Tier failover.Tier
	// RateLimit is inbound messages per minute per connection.
	RateLimit    int
	SendQueue    int
	ReadLimit    int64
	PingInterval time.Duration
	// PongWait is how long a silent socket stays open. Defaults to three
	// ping intervals.
	PongWait        time.Duration
	WriteTimeout    time.Duration
	CorrelationSize int
	RetryAfter      time.Duration
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	Auth     Authenticator
	Registry *registry.Registry
	Bus      *events.Bus
	// Routes is optional; without it every connection is accepted.
	Routes  RouteSource
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway serves WebSocket clients.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	reg      *registry.Registry
	bus      *events.Bus
	upgrader websocket.Upgrader
	// origins maps inbound envelope ids to the connection that sent them.
	origins *lru.Cache[string, string]

	unsubscribe func()
	wg          sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a gateway. Call Start to begin forwarding outbound
// envelopes.
func New(cfg Config) (*Gateway, error) {
	if cfg.Registry == nil || cfg.Bus == nil {
		return nil, errors.New("gateway needs a registry and a bus")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 3 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.CorrelationSize <= 0 {
		cfg.CorrelationSize = DefaultCorrelationSize
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.Auth == nil {
		cfg.Auth = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	origins, err := lru.New[string, string](cfg.CorrelationSize)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:      cfg,
		logger:   cfg.Logger,
		reg:      cfg.Registry,
		bus:      cfg.Bus,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		origins:  origins,
		sessions: make(map[string]*session),
	}, nil
}

func makeUpgrader(allowed []string) websocket.Upgrader {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(set) == 0 || set["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || set[origin]
		},
	}
}

// Start subscribes to the bus.
func (g *Gateway) Start() {
	g.unsubscribe = g.bus.Subscribe("*", g.deliver)
}

// ServeHTTP routes, authenticates and upgrades one connection, then
// runs its read loop until the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.route(w, r) {
		return
	}

	identity, err := g.cfg.Auth.Authenticate(r.Context(), credential(r))
	if err != nil {
		g.logger.Debug("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := newSession(g, conn, identity)
	s.id = g.reg.Register(identity, g.cfg.Tier.String(), s)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	g.wg.Add(1)
	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()
		g.wg.Done()
	}()

	if err := g.reg.Open(s.id); err != nil {
		_ = conn.Close()
		return
	}
	g.logger.Info("client connected", "id", s.id, "identity", identity, "remote", r.RemoteAddr)

	go s.writeLoop()
	if welcome, err := events.New(events.TypeServerWelcome, events.SourceGateway, map[string]string{
		"connectionId": s.id,
		"identity":     identity,
		"tier":         g.cfg.Tier.String(),
	}); err == nil {
		_ = s.Send(welcome)
	}
	s.readLoop()
}

// route applies the failover decision. It returns false when the
// request was answered without upgrading.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request) bool {
	if g.cfg.Routes == nil {
		return true
	}
	retry := strconv.Itoa(int((g.cfg.RetryAfter + time.Second - 1) / time.Second))
	if g.cfg.Routes.Switching() {
		w.Header().Set("Retry-After", retry)
		http.Error(w, "failover in progress", http.StatusServiceUnavailable)
		return false
	}
	active := g.cfg.Routes.Active()
	switch {
	case active.Tier == g.cfg.Tier:
		return true
	case active.Tier == failover.TierOffline:
		w.Header().Set("Retry-After", retry)
		http.Error(w, "no healthy endpoint", http.StatusServiceUnavailable)
		return false
	default:
		target := active.URL + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return false
	}
}

// deliver forwards one bus envelope to clients.
func (g *Gateway) deliver(_ context.Context, env events.Envelope) error {
	// A client's own envelope fans out to its channel, never back to it.
	if origin, ok := g.origins.Peek(env.ID); ok {
		g.reg.Broadcast(env.Type, env, origin)
		return nil
	}

	var exclude []string
	if env.CorrelationID != "" {
		if origin, ok := g.origins.Get(env.CorrelationID); ok {
			if err := g.reg.Send(origin, env); err == nil {
				exclude = append(exclude, origin)
			}
		}
	}
	g.reg.Broadcast(env.Type, env, exclude...)
	return nil
}

// DrainHook is registered with the failover controller. When this
// process's tier stops being the active route, every session is told
// where traffic moved and closed once its send queue is flushed or the
// grace deadline in ctx passes.
func (g *Gateway) DrainHook(ctx context.Context, from, to failover.Route) error {
	if from.Tier != g.cfg.Tier || to.Tier == g.cfg.Tier {
		return nil
	}
	ids := g.reg.DrainEndpoint(g.cfg.Tier.String())
	if len(ids) == 0 {
		return nil
	}
	g.logger.Info("draining sessions", "count", len(ids), "to", to.Tier)

	notice, err := events.New(events.TypeFailoverSwitched, events.SourceGateway, failover.SwitchEvent{From: from, To: to})
	if err != nil {
		return err
	}
	var waiting []*session
	for _, id := range ids {
		g.mu.Lock()
		s := g.sessions[id]
		g.mu.Unlock()
		if s == nil {
			continue
		}
		_ = g.reg.Send(id, notice)
		s.startDrain()
		waiting = append(waiting, s)
	}

	for _, s := range waiting {
		select {
		case <-s.done:
		case <-ctx.Done():
			_ = g.reg.Close(s.id, registry.ReasonDrained)
		}
	}
	return nil
}

// Shutdown closes every session and waits for their goroutines, or
// until ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	g.reg.CloseAll(registry.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
