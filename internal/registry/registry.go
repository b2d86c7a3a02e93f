// Package registry tracks every live client connection: its identity,
// the endpoint it arrived on, the channels it listens to and when it
// last proved it was alive.
//
// The registry owns connection state. The gateway supplies a Sender per
// connection and calls Heartbeat as pongs and ping envelopes arrive; the
// registry decides when a connection is dead and closes it, releasing
// every channel subscription in the same critical section.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/metrics"
)

// Defaults for heartbeat supervision.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxMissed         = 3
)

// Close reasons reported in system:connection:closed envelopes.
const (
	ReasonHeartbeat = "heartbeat_timeout"
	ReasonSocket    = "socket_closed"
	ReasonDrained   = "drained"
	ReasonShutdown  = "shutdown"
	ReasonSlow      = "slow_consumer"
)

var (
	// ErrNotFound is returned for unknown or already closed connections.
	ErrNotFound = errors.New("connection not found")
	// ErrNotOpen is returned when an operation needs an Open connection.
	ErrNotOpen = errors.New("connection not open")
	// ErrInvalidChannel is returned for channel names that are not
	// domain:entity:action.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// State is the lifecycle state of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateConnecting; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Sender delivers envelopes to one client. Send must not block for
// long; Close tears the transport down.
type Sender interface {
	Send(env events.Envelope) error
	Close(reason string)
}

// Info is a read-only snapshot of a connection.
type Info struct {
	ID               string    `json:"id"`
	Identity         string    `json:"identity"`
	Endpoint         string    `json:"endpoint"`
	State            State     `json:"state"`
	Channels         []string  `json:"channels"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	MissedHeartbeats int       `json:"missedHeartbeats"`
}

type connection struct {
	id            string
	identity      string
	endpoint      string
	state         State
	channels      map[string]struct{}
	connectedAt   time.Time
	lastHeartbeat time.Time
	sender        Sender
}

// Config configures a Registry.
type Config struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	Bus               *events.Bus
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry is the connection table. Safe for concurrent use.
type Registry struct {
	interval  time.Duration
	maxMissed int
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	conns    map[string]*connection
	channels map[string]map[string]*connection
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		interval:  cfg.HeartbeatInterval,
		maxMissed: cfg.MaxMissed,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		conns:     make(map[string]*connection),
		channels:  make(map[string]map[string]*connection),
	}
}

// Register adds a connection in the Connecting state and returns its id.
func (r *Registry) Register(identity, endpoint string, s Sender) string {
	now := r.now()
	c := &connection{
		id:            uuid.NewString(),
		identity:      identity,
		endpoint:      endpoint,
		state:         StateConnecting,
		channels:      make(map[string]struct{}),
		connectedAt:   now,
		lastHeartbeat: now,
		sender:        s,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	r.metrics.ConnectionState("", StateConnecting.String())
	r.logger.Debug("connection registered", "id", c.id, "identity", identity, "endpoint", endpoint)
	return c.id
}

// Open completes the handshake: Connecting → Open.
func (r *Registry) Open(id string) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if c.state != StateConnecting {
		state := c.state
		r.mu.Unlock()
		return fmt.Errorf("open %s from %s: %w", id, state, ErrNotOpen)
	}
	c.state = StateOpen
	c.lastHeartbeat = r.now()
	r.mu.Unlock()

	r.metrics.ConnectionState(StateConnecting.String(), StateOpen.String())
	return nil
}

// Subscribe adds channel to the connection's subscriptions.
// Subscribing twice is a no-op.
func (r *Registry) Subscribe(id, channel string) error {
	if !events.ValidType(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	if c.state != StateOpen {
		return fmt.Errorf("subscribe %s: %w", id, ErrNotOpen)
	}
	c.channels[channel] = struct{}{}
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*connection)
		r.channels[channel] = members
	}
	members[id] = c
	return nil
}

// Unsubscribe removes channel from the connection's subscriptions.
// Unsubscribing from a channel the connection never joined is a no-op.
func (r *Registry) Unsubscribe(id, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	delete(c.channels, channel)
	r.leaveLocked(id, channel)
	return nil
}

func (r *Registry) leaveLocked(id, channel string) {
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// Broadcast sends env to every Open connection subscribed to channel,
// skipping the ids in exclude. Returns the number of deliveries. A
// channel without subscribers is a no-op.
func (r *Registry) Broadcast(channel string, env events.Envelope, exclude ...string) int {
	r.mu.RLock()
	members := r.channels[channel]
	targets := make([]*connection, 0, len(members))
	for id, c := range members {
		if c.state != StateOpen || contains(exclude, id) {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.sender.Send(env); err != nil {
			r.logger.Debug("broadcast send failed", "id", c.id, "channel", channel, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Send delivers env to one connection. Draining connections still
// receive direct sends so in-flight replies reach them.
func (r *Registry) Send(id string, env events.Envelope) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	var state State
	if ok {
		state = c.state
	}
	r.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if state != StateOpen && state != StateDraining {
		return fmt.Errorf("send %s: %w", id, ErrNotOpen)
	}
	return c.sender.Send(env)
}

// Heartbeat records that the connection is alive.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.lastHeartbeat = r.now()
	return nil
}

// Drain moves an Open connection to Draining: it stops receiving
// broadcasts and the gateway stops accepting work from it.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if c.state != StateOpen {
		r.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	r.mu.Unlock()

	r.metrics.ConnectionState(StateOpen.String(), StateDraining.String())
	r.logger.Debug("connection draining", "id", id)
	return nil
}

// DrainEndpoint drains every Open connection that arrived on endpoint
// and returns their ids.
func (r *Registry) DrainEndpoint(endpoint string) []string {
	r.mu.RLock()
	var ids []string
	for id, c := range r.conns {
		if c.endpoint == endpoint && c.state == StateOpen {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Drain(id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the current state of a connection. Connections that
// were closed are gone from the table and report StateClosed.
func (r *Registry) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conns[id]; ok {
		return c.state
	}
	return StateClosed
}

// Close transitions the connection to Closed, removes it and all of its
// channel subscriptions atomically, and closes its sender.
func (r *Registry) Close(id, reason string) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	prev := c.state
	c.state = StateClosed
	for ch := range c.channels {
		r.leaveLocked(id, ch)
	}
	c.channels = nil
	delete(r.conns, id)
	r.mu.Unlock()

	c.sender.Close(reason)
	r.metrics.ConnectionState(prev.String(), "")
	r.metrics.ConnectionClosed(reason)
	r.logger.Info("connection closed", "id", id, "identity", c.identity, "reason", reason)

	if env, err := events.New(events.TypeConnectionClosed, events.SourceRegistry, map[string]string{
		"connectionId": id,
		"identity":     c.identity,
		"reason":       reason,
	}); err == nil {
		r.bus.Publish(env)
	}
	return nil
}

// Sweep closes every connection that has been silent for MaxMissed
// heartbeat intervals and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	window := r.interval * time.Duration(r.maxMissed)

	r.mu.RLock()
	var dead []string
	for id, c := range r.conns {
		if now.Sub(c.lastHeartbeat) >= window {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		r.logger.Warn("connection missed heartbeats", "id", id, "window", window)
		_ = r.Close(id, ReasonHeartbeat)
	}
	return dead
}

// Run sweeps once per heartbeat interval until ctx is cancelled, so a
// dead connection is closed within one interval of its last miss.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll closes every connection with reason.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Close(id, reason)
	}
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return r.infoLocked(c), nil
}

// List returns snapshots of all connections ordered by connect time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, r.infoLocked(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscribers returns the number of connections subscribed to channel.
func (r *Registry) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

func (r *Registry) infoLocked(c *connection) Info {
	chans := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	sort.Strings(chans)
	return Info{
		ID:               c.id,
		Identity:         c.identity,
		Endpoint:         c.endpoint,
		State:            c.state,
		Channels:         chans,
		ConnectedAt:      c.connectedAt,
		LastHeartbeat:    c.lastHeartbeat,
		MissedHeartbeats: int(r.now().Sub(c.lastHeartbeat) / r.interval),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
