// Package bridge connects the hub's event bus to an external message
// broker through watermill. Outbound, envelopes whose type matches a
// forward pattern are published to a broker topic behind a circuit
// breaker. Inbound, envelopes consumed from a topic are validated and
// published onto the bus; messages that keep failing land on a poison
// topic.
//
// Every outbound message carries the hub's instance id in its metadata
// and inbound envelope ids are remembered, so an envelope never echoes
// between the bus and the broker.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/semantest/docs-sub005/internal/config"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/metrics"
)

// Metadata keys set on every outbound message.
const (
	MetaInstance   = "semhub_instance"
	MetaEnvelopeID = "semhub_envelope_id"
	MetaType       = "semhub_type"
)

const (
	handlerName = "semhub_inbound"
	seenSize    = 4096
)

// Bridge moves envelopes between the bus and a broker.
type Bridge struct {
	cfg        config.BridgeConfig
	instanceID string
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	wlogger    watermill.LoggerAdapter

	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker

	// seen holds envelope ids that arrived from the broker.
	seen *lru.Cache[string, struct{}]

	mu      sync.Mutex
	router  *message.Router
	running chan struct{}
}

// New dials the configured transport and returns a bridge ready to Run.
func New(cfg config.BridgeConfig, instanceID string, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wlogger := watermill.NewSlogLogger(logger.With("component", "bridge"))
	pub, sub, err := Dial(cfg, wlogger)
	if err != nil {
		return nil, err
	}
	return newBridge(cfg, instanceID, bus, m, logger, pub, sub), nil
}

func newBridge(cfg config.BridgeConfig, instanceID string, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger, pub message.Publisher, sub message.Subscriber) *Bridge {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.ThrottlePerSec <= 0 {
		cfg.ThrottlePerSec = 100
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	seen, _ := lru.New[string, struct{}](seenSize)
	threshold := cfg.BreakerFailures
	b := &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		metrics:    m,
		logger:     logger,
		wlogger:    watermill.NewSlogLogger(logger.With("component", "bridge")),
		publisher:  pub,
		subscriber: sub,
		seen:       seen,
		running:    make(chan struct{}),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bridge." + cfg.OutboundTopic,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("bridge circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Run forwards and consumes until ctx is cancelled, then closes the
// transport.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.closeTransport()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, b.wlogger)
	if err != nil {
		return fmt.Errorf("bridge router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	if b.cfg.InboundTopic != "" {
		poison, err := middleware.PoisonQueue(b.publisher, b.cfg.PoisonTopic)
		if err != nil {
			return fmt.Errorf("bridge poison queue: %w", err)
		}
		router.AddConsumerHandler(handlerName, b.cfg.InboundTopic, b.subscriber, b.handleInbound).AddMiddleware(
			poison,
			middleware.Retry{
				MaxRetries:      b.cfg.MaxRetries,
				InitialInterval: b.cfg.RetryInterval,
				MaxInterval:     10 * b.cfg.RetryInterval,
				Multiplier:      2,
				Logger:          b.wlogger,
			}.Middleware,
			middleware.NewThrottle(b.cfg.ThrottlePerSec, time.Second).Middleware,
		)
	}

	b.mu.Lock()
	b.router = router
	b.mu.Unlock()

	unsub := b.bus.Subscribe("*", b.forward)
	defer unsub()

	go func() {
		select {
		case <-router.Running():
			close(b.running)
		case <-ctx.Done():
		}
	}()

	b.logger.Info("bridge started",
		"transport", b.transport(),
		"outbound", b.cfg.OutboundTopic,
		"inbound", b.cfg.InboundTopic,
		"forward", b.cfg.Forward,
	)
	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("bridge router: %w", err)
	}
	b.logger.Info("bridge stopped")
	return nil
}

// Running is closed once the inbound consumer is subscribed.
func (b *Bridge) Running() <-chan struct{} { return b.running }

func (b *Bridge) transport() string {
	if b.cfg.Transport == "" {
		return config.TransportGoChannel
	}
	return b.cfg.Transport
}

func (b *Bridge) closeTransport() {
	if err := b.publisher.Close(); err != nil {
		b.logger.Warn("bridge publisher close failed", "error", err)
	}
	if any(b.subscriber) == any(b.publisher) {
		return
	}
	if err := b.subscriber.Close(); err != nil {
		b.logger.Warn("bridge subscriber close failed", "error", err)
	}
}

func (b *Bridge) forwards(typ string) bool {
	for _, p := range b.cfg.Forward {
		if events.Match(p, typ) {
			return true
		}
	}
	return false
}

// forward is the bus handler for outbound traffic. Broker trouble is
// logged and counted; it never fails the bus handler.
func (b *Bridge) forward(_ context.Context, env events.Envelope) error {
	if b.cfg.OutboundTopic == "" || !b.forwards(env.Type) {
		return nil
	}
	if b.seen.Contains(env.ID) {
		b.metrics.BridgeMessage("out", "echo")
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		b.metrics.BridgeMessage("out", "error")
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := message.NewMessage(env.ID, payload)
	msg.Metadata.Set(MetaInstance, b.instanceID)
	msg.Metadata.Set(MetaEnvelopeID, env.ID)
	msg.Metadata.Set(MetaType, env.Type)

	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.publisher.Publish(b.cfg.OutboundTopic, msg)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.BridgeMessage("out", "shed")
		b.logger.Debug("bridge circuit open, envelope not forwarded", "id", env.ID, "type", env.Type)
	case err != nil:
		b.metrics.BridgeMessage("out", "error")
		b.logger.Warn("bridge publish failed", "id", env.ID, "type", env.Type, "error", err)
	default:
		b.metrics.BridgeMessage("out", "ok")
		b.logger.Log(context.Background(), config.LevelTrace, "bridge forwarded envelope", "id", env.ID, "type", env.Type)
	}
	return nil
}

// handleInbound decodes one broker message onto the bus. Returned
// errors are retried and then sent to the poison topic.
func (b *Bridge) handleInbound(msg *message.Message) error {
	if msg.Metadata.Get(MetaInstance) == b.instanceID {
		b.metrics.BridgeMessage("in", "echo")
		return nil
	}

	var env events.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.metrics.BridgeMessage("in", "invalid")
		return fmt.Errorf("decode envelope %s: %w", msg.UUID, err)
	}
	if err := env.Validate(); err != nil {
		b.metrics.BridgeMessage("in", "invalid")
		return fmt.Errorf("envelope %s: %w", msg.UUID, err)
	}
	if ok, _ := b.seen.ContainsOrAdd(env.ID, struct{}{}); ok {
		b.metrics.BridgeMessage("in", "duplicate")
		return nil
	}

	b.bus.Publish(env)
	b.metrics.BridgeMessage("in", "ok")
	b.logger.Debug("bridge received envelope", "id", env.ID, "type", env.Type, "source", env.Source)
	return nil
}
