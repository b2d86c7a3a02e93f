// Package failover tracks the health of the hub's endpoint tiers (a
// local node, a primary cloud node and a fallback cloud node) and picks
// the one client traffic should be routed to.
//
// Every configured endpoint is probed concurrently each interval. An
// endpoint becomes Unhealthy after FailureThreshold consecutive failed
// probes and Healthy again after RecoveryThreshold consecutive
// successes. The active route is the highest-priority healthy endpoint,
// or Offline when none is healthy, in which case probing slows to the
// offline retry interval.
//
// A route change is two-phase: registered switch hooks (the gateway's
// session drain) run under a grace deadline while Switching reports
// true, then the route flips and system:failover:switched is published.
// The job queue is never touched; it does not belong to an endpoint.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/httpkit"
	"github.com/semantest/docs-sub005/internal/metrics"
)

// Defaults for the controller.
const (
	DefaultProbeInterval        = 5 * time.Second
	DefaultOfflineRetryInterval = 30 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
	DefaultFailureThreshold     = 3
	DefaultRecoveryThreshold    = 1
	DefaultDrainGrace           = 10 * time.Second
)

// Tier is an endpoint tier, in priority order.
type Tier int

const (
	TierLocal Tier = iota
	TierCloudPrimary
	TierCloudFallback
	TierOffline
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierCloudPrimary:
		return "cloud_primary"
	case TierCloudFallback:
		return "cloud_fallback"
	case TierOffline:
		return "offline"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier name as written by String.
func ParseTier(s string) (Tier, error) {
	for t := TierLocal; t <= TierOffline; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Status is an endpoint's health.
type Status int

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "unhealthy":
		*s = Unhealthy
	default:
		return fmt.Errorf("unknown endpoint status %q", b)
	}
	return nil
}

// Endpoint is one routable tier.
type Endpoint struct {
	Tier Tier
	// URL is where clients are redirected when this tier is active.
	URL string
	// HealthURL is probed. Defaults to URL.
	HealthURL string
}

// EndpointHealth is the health snapshot of one endpoint.
type EndpointHealth struct {
	Tier                Tier      `json:"endpoint"`
	URL                 string    `json:"url"`
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"lastCheck"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Route is the active routing target.
type Route struct {
	Tier Tier   `json:"tier"`
	URL  string `json:"url,omitempty"`
}

// SwitchEvent is the payload of the switching and switched envelopes.
type SwitchEvent struct {
	From Route `json:"from"`
	To   Route `json:"to"`
}

// SwitchHook runs while a switch is in progress. ctx carries the drain
// grace deadline.
type SwitchHook func(ctx context.Context, from, to Route) error

// ProbeFunc checks one endpoint. Return nil if healthy.
type ProbeFunc func(ctx context.Context, ep Endpoint) error

// Config configures a Controller.
type Config struct {
	Endpoints            []Endpoint
	ProbeInterval        time.Duration
	OfflineRetryInterval time.Duration
	ProbeTimeout         time.Duration
	FailureThreshold     int
	RecoveryThreshold    int
	DrainGrace           time.Duration

	// Probe overrides the HTTP health probe.
	Probe ProbeFunc
	// Client is used by the default probe.
	Client *http.Client

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type endpointState struct {
	ep        Endpoint
	status    Status
	failures  int
	successes int
	lastCheck time.Time
	lastErr   error
}

// Controller owns the active route.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	switching atomic.Bool

	mu        sync.RWMutex
	endpoints []*endpointState
	active    Route
	hooks     []SwitchHook
}

// New validates the endpoints and returns a controller routing to the
// highest-priority configured endpoint.
func New(cfg Config) (*Controller, error) {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.OfflineRetryInterval <= 0 {
		cfg.OfflineRetryInterval = DefaultOfflineRetryInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Probe == nil {
		client := cfg.Client
		if client == nil {
			client = httpkit.NewClient(httpkit.Options{Timeout: cfg.ProbeTimeout})
		}
		cfg.Probe = HTTPProbe(client)
	}

	c := &Controller{cfg: cfg, logger: cfg.Logger}
	seen := make(map[Tier]bool)
	for _, ep := range cfg.Endpoints {
		if ep.Tier < TierLocal || ep.Tier >= TierOffline {
			return nil, fmt.Errorf("endpoint %s: not a routable tier", ep.Tier)
		}
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint %s: url is required", ep.Tier)
		}
		if seen[ep.Tier] {
			return nil, fmt.Errorf("endpoint %s configured twice", ep.Tier)
		}
		seen[ep.Tier] = true
		if ep.HealthURL == "" {
			ep.HealthURL = ep.URL
		}
		c.endpoints = append(c.endpoints, &endpointState{ep: ep, status: Healthy})
	}
	sort.Slice(c.endpoints, func(i, j int) bool { return c.endpoints[i].ep.Tier < c.endpoints[j].ep.Tier })

	c.active = c.pickLocked()
	cfg.Metrics.FailoverTier(int(c.active.Tier))
	return c, nil
}

// HTTPProbe returns a probe that GETs each endpoint's health URL.
func HTTPProbe(client *http.Client) ProbeFunc {
	return func(ctx context.Context, ep Endpoint) error {
		return httpkit.Probe(ctx, client, ep.HealthURL)
	}
}

// Active returns the current route.
func (c *Controller) Active() Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Switching reports whether a route change is draining.
func (c *Controller) Switching() bool { return c.switching.Load() }

// Health returns every endpoint's health in tier order.
func (c *Controller) Health() []EndpointHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EndpointHealth, 0, len(c.endpoints))
	for _, s := range c.endpoints {
		h := EndpointHealth{
			Tier:                s.ep.Tier,
			URL:                 s.ep.URL,
			Status:              s.status,
			LastCheck:           s.lastCheck,
			ConsecutiveFailures: s.failures,
		}
		if s.lastErr != nil {
			h.LastError = s.lastErr.Error()
		}
		out = append(out, h)
	}
	return out
}

// OnSwitch registers a hook run during every route change.
func (c *Controller) OnSwitch(h SwitchHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// Run probes until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("failover controller started",
		"endpoints", len(c.endpoints),
		"active", c.Active().Tier,
		"interval", c.cfg.ProbeInterval,
	)
	for {
		c.CheckNow(ctx)
		if !sleepCtx(ctx, c.interval()) {
			return
		}
	}
}

func (c *Controller) interval() time.Duration {
	if c.Active().Tier == TierOffline {
		return c.cfg.OfflineRetryInterval
	}
	return c.cfg.ProbeInterval
}

// CheckNow runs one probe round and switches the route if needed.
func (c *Controller) CheckNow(ctx context.Context) {
	c.mu.RLock()
	states := append([]*endpointState(nil), c.endpoints...)
	c.mu.RUnlock()

	results := make([]error, len(states))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range states {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, c.cfg.ProbeTimeout)
			defer cancel()
			results[i] = c.cfg.Probe(pctx, s.ep)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	now := c.cfg.Now()
	c.mu.Lock()
	for i, s := range states {
		c.recordLocked(s, results[i], now)
	}
	target := c.pickLocked()
	from := c.active
	lost := from.Tier != TierOffline && !c.healthyLocked(from.Tier)
	c.mu.Unlock()

	if target != from {
		grace := c.cfg.DrainGrace
		if lost {
			// Leaving a dead endpoint: detection already used up most of
			// the switch budget, so draining gets at most one interval.
			grace = min(grace, c.cfg.ProbeInterval)
		}
		c.switchTo(ctx, from, target, grace)
	}
}

func (c *Controller) healthyLocked(t Tier) bool {
	for _, s := range c.endpoints {
		if s.ep.Tier == t {
			return s.status == Healthy
		}
	}
	return false
}

func (c *Controller) recordLocked(s *endpointState, err error, now time.Time) {
	s.lastCheck = now
	s.lastErr = err
	if err == nil {
		s.failures = 0
		s.successes++
		if s.status == Unhealthy && s.successes >= c.cfg.RecoveryThreshold {
			s.status = Healthy
			c.logger.Info("endpoint recovered", "endpoint", s.ep.Tier, "url", s.ep.URL)
		}
	} else {
		s.successes = 0
		s.failures++
		if s.status == Healthy && s.failures >= c.cfg.FailureThreshold {
			s.status = Unhealthy
			c.logger.Warn("endpoint unhealthy", "endpoint", s.ep.Tier, "failures", s.failures, "error", err)
		} else if s.status == Healthy {
			c.logger.Debug("endpoint probe failed", "endpoint", s.ep.Tier, "failures", s.failures, "error", err)
		}
	}
	c.cfg.Metrics.EndpointHealth(s.ep.Tier.String(), s.status == Healthy)
}

func (c *Controller) pickLocked() Route {
	for _, s := range c.endpoints {
		if s.status == Healthy {
			return Route{Tier: s.ep.Tier, URL: s.ep.URL}
		}
	}
	return Route{Tier: TierOffline}
}

// switchTo drains under the grace deadline, then flips the route.
func (c *Controller) switchTo(ctx context.Context, from, to Route, grace time.Duration) {
	c.switching.Store(true)
	defer c.switching.Store(false)

	c.logger.Warn("failover switching", "from", from.Tier, "to", to.Tier, "grace", grace)
	c.publish(events.TypeFailoverSwitching, SwitchEvent{From: from, To: to})

	c.mu.RLock()
	hooks := append([]SwitchHook(nil), c.hooks...)
	c.mu.RUnlock()

	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	var g errgroup.Group
	for _, h := range hooks {
		g.Go(func() error { return h(gctx, from, to) })
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("switch hook failed", "error", err)
	}
	if errors.Is(gctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("drain grace elapsed", "grace", grace)
	}
	cancel()

	c.mu.Lock()
	c.active = to
	c.mu.Unlock()

	c.cfg.Metrics.FailoverTier(int(to.Tier))
	c.cfg.Metrics.FailoverSwitched(to.Tier.String())
	c.logger.Warn("failover switched", "from", from.Tier, "to", to.Tier, "url", to.URL)
	c.publish(events.TypeFailoverSwitched, SwitchEvent{From: from, To: to})
}

func (c *Controller) publish(typ string, ev SwitchEvent) {
	env, err := events.New(typ, events.SourceFailover, ev)
	if err != nil {
		c.logger.Error("build failover event", "error", err)
		return
	}
	c.cfg.Bus.Publish(env)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
