package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/semantest/docs-sub005/internal/config"
	"github.com/semantest/docs-sub005/internal/events"
)

const (
	publishTimeout = 5 * time.Second
	firstConnWait  = 30 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// brokerClient is the slice of autopaho.ConnectionManager used for
// publishing.
type brokerClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// topics are the per-instance MQTT topics.
type topics struct {
	availability string
	status       string
	alertPrefix  string
}

func newTopics(prefix, instanceID string) topics {
	base := prefix + "/" + instanceID
	return topics{
		availability: base + "/availability",
		status:       base + "/status",
		alertPrefix:  base + "/alerts/",
	}
}

func (t topics) alert(typ string) string { return t.alertPrefix + typ }

// Publisher mirrors the configured alert types from the bus to an MQTT
// broker and keeps a retained availability flag and status document.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	topics     topics
	bus        *events.Bus
	counts     *DailyCounts
	throttle   *alertThrottle
	logger     *slog.Logger

	mu     sync.Mutex
	client brokerClient
	cm     *autopaho.ConnectionManager
	unsubs []func()
}

// New returns an unconnected Publisher; [Publisher.Start] connects.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "semhub"
	}
	if cfg.KeepAliveSec <= 0 {
		cfg.KeepAliveSec = 30
	}
	if cfg.MaxAlertsPerMinute <= 0 {
		cfg.MaxAlertsPerMinute = 60
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "semhub-" + instanceID
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		topics:     newTopics(cfg.TopicPrefix, instanceID),
		bus:        bus,
		counts:     NewDailyCounts(nil),
		throttle:   newAlertThrottle(cfg.MaxAlertsPerMinute, logger),
		logger:     logger,
	}
}

// connConfig builds the autopaho settings. The will message flips the
// availability topic to offline when the hub vanishes without Stop.
func (p *Publisher) connConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt broker %q: %w", p.cfg.Broker, err)
	}
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       uint16(p.cfg.KeepAliveSec),
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topics.availability,
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connection up", "broker", broker.Redacted(), "client_id", p.cfg.ClientID)
			p.publishAvailability(ctx, cm, payloadOnline)
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connect attempt failed", "broker", broker.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.cfg.ClientID},
	}
	switch broker.Scheme {
	case "mqtts", "ssl", "tls":
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: broker.Hostname()}
	}
	return cc, nil
}

// Start connects and mirrors alerts until ctx is cancelled. autopaho
// reconnects on its own; each reconnect republishes availability and
// status.
func (p *Publisher) Start(ctx context.Context) error {
	cc, err := p.connConfig(ctx)
	if err != nil {
		return err
	}
	cm, err := autopaho.NewConnection(ctx, cc)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	p.mu.Lock()
	p.cm, p.client = cm, cm
	p.mu.Unlock()

	p.subscribe()
	defer p.unsubscribe()

	wait, cancel := context.WithTimeout(ctx, firstConnWait)
	err = cm.AwaitConnection(wait)
	cancel()
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "error", err)
	}

	p.throttle.report(ctx)
	return nil
}

// Stop marks the instance offline and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.unsubscribe()
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, payloadOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection waits for the broker connection.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Counts returns today's mirrored alert counters.
func (p *Publisher) Counts() *DailyCounts { return p.counts }

func (p *Publisher) subscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, typ := range p.cfg.Alerts {
		p.unsubs = append(p.unsubs, p.bus.Subscribe(typ, p.mirror))
	}
	p.logger.Debug("mqtt alert mirror subscribed", "types", p.cfg.Alerts)
}

func (p *Publisher) unsubscribe() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// mirror is the bus handler for alert types. Broker failures are
// logged, not returned: the bus would otherwise report every outage as
// a handler error.
func (p *Publisher) mirror(ctx context.Context, env events.Envelope) error {
	if !p.throttle.allow() {
		p.counts.Drop()
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	topic := p.topics.alert(env.Type)
	if err := p.send(ctx, client, topic, payload, false); err != nil {
		p.logger.Warn("mqtt alert not mirrored", "topic", topic, "id", env.ID, "error", err)
		return nil
	}
	p.counts.Record(env.Type)
	p.logger.Debug("mqtt alert mirrored", "topic", topic, "id", env.ID)
	p.publishStatus(ctx, client)
	return nil
}

func (p *Publisher) publishStatus(ctx context.Context, client brokerClient) {
	payload, err := json.Marshal(NewStatus(p.instanceID, p.counts))
	if err != nil {
		p.logger.Error("mqtt encode status", "error", err)
		return
	}
	if err := p.send(ctx, client, p.topics.status, payload, true); err != nil {
		p.logger.Debug("mqtt status not published", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, client brokerClient, state string) {
	if err := p.send(ctx, client, p.topics.availability, []byte(state), true); err != nil {
		p.logger.Warn("mqtt availability not published", "state", state, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "state", state)
}

// send publishes at QoS 1.
func (p *Publisher) send(ctx context.Context, client brokerClient, topic string, payload []byte, retain bool) error {
	_, err := client.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: retain})
	return err
}
