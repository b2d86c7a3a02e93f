// Package config handles semhub configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/semhub/config.yaml, /etc/semhub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "semhub", "config.yaml"))
	}

	paths = append(paths, "/etc/semhub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all semhub configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	// Tier is the failover tier this process serves: local,
	// cloud_primary or cloud_fallback.
	Tier      string          `yaml:"tier"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Bus       BusConfig       `yaml:"bus"`
	Queue     QueueConfig     `yaml:"queue"`
	Addons    AddonsConfig    `yaml:"addons"`
	Failover  FailoverConfig  `yaml:"failover"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// ListenConfig defines the HTTP listener shared by the API and the
// WebSocket gateway.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// MaxConns caps concurrent connections. 0 is unlimited.
	MaxConns int `yaml:"max_conns"`
}

// GatewayConfig defines WebSocket client handling.
type GatewayConfig struct {
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	SendQueue          int           `yaml:"send_queue"`
	ReadLimitBytes     int64         `yaml:"read_limit_bytes"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	RetryAfter         time.Duration `yaml:"retry_after"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	// Tokens are bcrypt-hashed client credentials. Empty accepts every
	// client.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one accepted client credential.
type TokenConfig struct {
	Identity string `yaml:"identity"`
	Hash     string `yaml:"hash"` // output of `semhub hash-token`
}

// HeartbeatConfig defines connection liveness.
type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	MaxMissed int           `yaml:"max_missed"`
}

// BusConfig defines the event bus.
type BusConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MailboxSize    int           `yaml:"mailbox_size"`
}

// Queue storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// QueueConfig defines the job queue.
type QueueConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the database source. For sqlite it defaults to
	// <data_dir>/queue.db.
	DSN            string        `yaml:"dsn"`
	Workers        int           `yaml:"workers"`
	MaxPending     int           `yaml:"max_pending"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	HoldDelay      time.Duration `yaml:"hold_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LaneQuota      int           `yaml:"lane_quota"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// AddonsConfig defines the addon manager and its catalog.
type AddonsConfig struct {
	LoadTimeout      time.Duration `yaml:"load_timeout"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout"`
	DegradeThreshold int           `yaml:"degrade_threshold"`
	DegradeWindow    time.Duration `yaml:"degrade_window"`
	RecoverThreshold int           `yaml:"recover_threshold"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	Catalog          []AddonConfig `yaml:"catalog"`
}

// AddonConfig describes one addon.
type AddonConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	Kind           string        `yaml:"kind"` // webhook, echo
	Autoload       bool          `yaml:"autoload"`
	SupportedTypes []string      `yaml:"supported_types"`
	Webhook        WebhookConfig `yaml:"webhook"`
}

// WebhookConfig defines an HTTP addon.
type WebhookConfig struct {
	URL             string            `yaml:"url"`
	HealthURL       string            `yaml:"health_url"`
	Headers         map[string]string `yaml:"headers"`
	Timeout         time.Duration     `yaml:"timeout"`
	BreakerFailures uint32            `yaml:"breaker_failures"`
	BreakerCooldown time.Duration     `yaml:"breaker_cooldown"`
}

// FailoverConfig defines endpoint probing.
type FailoverConfig struct {
	ProbeInterval        time.Duration    `yaml:"probe_interval"`
	OfflineRetryInterval time.Duration    `yaml:"offline_retry_interval"`
	ProbeTimeout         time.Duration    `yaml:"probe_timeout"`
	FailureThreshold     int              `yaml:"failure_threshold"`
	RecoveryThreshold    int              `yaml:"recovery_threshold"`
	DrainGrace           time.Duration    `yaml:"drain_grace"`
	Endpoints            []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is one failover tier.
type EndpointConfig struct {
	Tier      string `yaml:"tier"`
	URL       string `yaml:"url"`
	HealthURL string `yaml:"health_url"`
}

// MQTTConfig defines the alert mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// TopicPrefix roots every topic. Default "semhub".
	TopicPrefix string `yaml:"topic_prefix"`
	// Alerts lists the envelope types mirrored to
	// <prefix>/<instance>/alerts/<type>.
	Alerts       []string `yaml:"alerts"`
	KeepAliveSec int      `yaml:"keepalive_sec"`
	// MaxAlertsPerMinute drops alerts beyond the limit.
	MaxAlertsPerMinute int `yaml:"max_alerts_per_minute"`
}

// Configured reports whether the MQTT mirror is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Bridge transports.
const (
	TransportGoChannel = "gochannel"
	TransportAMQP      = "amqp"
)

// BridgeConfig defines the watermill bridge. An empty Transport
// disables it.
type BridgeConfig struct {
	Transport     string `yaml:"transport"`
	AMQPURL       string `yaml:"amqp_url"`
	OutboundTopic string `yaml:"outbound_topic"`
	InboundTopic  string `yaml:"inbound_topic"`
	PoisonTopic   string `yaml:"poison_topic"`
	// Forward lists the bus patterns published to OutboundTopic.
	Forward         []string      `yaml:"forward"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ThrottlePerSec  int64         `yaml:"throttle_per_sec"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Enabled reports whether the bridge runs.
func (c BridgeConfig) Enabled() bool {
	return c.Transport != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, the result is decoded over Default and then
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		Tier:      "local",
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Gateway: GatewayConfig{
			RateLimitPerMinute: 100,
			SendQueue:          256,
			ReadLimitBytes:     1 << 20,
			PingInterval:       5 * time.Second,
			WriteTimeout:       10 * time.Second,
			RetryAfter:         5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 5 * time.Second, MaxMissed: 3},
		Bus:       BusConfig{HandlerTimeout: 30 * time.Second, MailboxSize: 1024},
		Queue: QueueConfig{
			Driver:       DriverMemory,
			Workers:      4,
			MaxPending:   10000,
			MaxAttempts:  5,
			BackoffBase:  time.Second,
			MaxBackoff:   5 * time.Minute,
			HoldDelay:    2 * time.Second,
			PollInterval: time.Second,
		},
		Addons: AddonsConfig{
			LoadTimeout:      30 * time.Second,
			InvokeTimeout:    30 * time.Second,
			DegradeThreshold: 3,
			DegradeWindow:    time.Minute,
			RecoverThreshold: 3,
			HealthInterval:   30 * time.Second,
		},
		Failover: FailoverConfig{
			ProbeInterval:        5 * time.Second,
			OfflineRetryInterval: 30 * time.Second,
			ProbeTimeout:         5 * time.Second,
			FailureThreshold:     3,
			RecoveryThreshold:    1,
			DrainGrace:           10 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix:        "semhub",
			KeepAliveSec:       30,
			MaxAlertsPerMinute: 60,
			Alerts: []string{
				"queue:item:deadlettered",
				"system:addon:failed",
				"system:failover:switched",
			},
		},
		Bridge: BridgeConfig{
			OutboundTopic:   "semhub.events",
			InboundTopic:    "semhub.inbound",
			PoisonTopic:     "semhub.poison",
			MaxRetries:      3,
			RetryInterval:   100 * time.Millisecond,
			ThrottlePerSec:  100,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// applyDefaults fills values that depend on other fields.
func (c *Config) applyDefaults() {
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverMemory
	}
	if c.Queue.DSN == "" && (c.Queue.Driver == DriverSQLite || c.Queue.Driver == DriverSQLite3) {
		c.Queue.DSN = filepath.Join(c.DataDir, "queue.db")
	}
	for i := range c.Failover.Endpoints {
		if c.Failover.Endpoints[i].HealthURL == "" {
			c.Failover.Endpoints[i].HealthURL = c.Failover.Endpoints[i].URL
		}
	}
}

// OpStatePath is the operational state database file.
func (c *Config) OpStatePath() string {
	return filepath.Join(c.DataDir, "opstate.db")
}

var validTiers = map[string]bool{"local": true, "cloud_primary": true, "cloud_fallback": true}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		bad("listen.port %d out of range", c.Listen.Port)
	}
	if !validTiers[c.Tier] {
		bad("tier %q must be local, cloud_primary or cloud_fallback", c.Tier)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		bad("log_format %q must be text or json", c.LogFormat)
	}

	for i, tok := range c.Gateway.Tokens {
		if tok.Identity == "" || !strings.HasPrefix(tok.Hash, "$2") {
			bad("gateway.tokens[%d]: identity and a bcrypt hash are required", i)
		}
	}
	if c.Gateway.RateLimitPerMinute <= 0 {
		bad("gateway.rate_limit_per_minute must be positive")
	}

	switch c.Queue.Driver {
	case DriverMemory, DriverSQLite, DriverSQLite3:
	case DriverPostgres:
		if c.Queue.DSN == "" {
			bad("queue.dsn is required for postgres")
		}
	default:
		bad("queue.driver %q must be memory, sqlite, sqlite3 or postgres", c.Queue.Driver)
	}
	if c.Queue.Workers < 0 || c.Queue.MaxPending < 0 || c.Queue.MaxAttempts < 0 || c.Queue.LaneQuota < 0 {
		bad("queue sizes must not be negative")
	}

	names := make(map[string]bool)
	for i, a := range c.Addons.Catalog {
		switch {
		case a.Name == "":
			bad("addons.catalog[%d]: name is required", i)
		case names[a.Name]:
			bad("addons.catalog[%d]: duplicate name %q", i, a.Name)
		}
		names[a.Name] = true
		if len(a.SupportedTypes) == 0 {
			bad("addon %q: supported_types is required", a.Name)
		}
		switch a.Kind {
		case "echo":
		case "webhook":
			if a.Webhook.URL == "" {
				bad("addon %q: webhook.url is required", a.Name)
			}
		default:
			bad("addon %q: kind %q must be webhook or echo", a.Name, a.Kind)
		}
	}

	tiers := make(map[string]bool)
	for i, ep := range c.Failover.Endpoints {
		if !validTiers[ep.Tier] {
			bad("failover.endpoints[%d]: unknown tier %q", i, ep.Tier)
		}
		if tiers[ep.Tier] {
			bad("failover.endpoints[%d]: duplicate tier %q", i, ep.Tier)
		}
		tiers[ep.Tier] = true
		if ep.URL == "" {
			bad("failover.endpoints[%d]: url is required", i)
		}
	}

	if c.MQTT.Configured() && c.MQTT.TopicPrefix == "" {
		bad("mqtt.topic_prefix is required")
	}

	switch c.Bridge.Transport {
	case "", TransportGoChannel:
	case TransportAMQP:
		if c.Bridge.AMQPURL == "" {
			bad("bridge.amqp_url is required for the amqp transport")
		}
	default:
		bad("bridge.transport %q must be gochannel or amqp", c.Bridge.Transport)
	}
	if c.Bridge.Enabled() && c.Bridge.OutboundTopic == c.Bridge.InboundTopic {
		bad("bridge outbound and inbound topics must differ")
	}

	return errors.Join(problems...)
}
