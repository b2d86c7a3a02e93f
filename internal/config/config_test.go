package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SEMHUB_TEST_PASSWORD", "secret123")
	path := writeConfig(t, "mqtt:\n  broker: mqtt://localhost:1883\n  password: ${SEMHUB_TEST_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() || cfg.MQTT.TopicPrefix != "semhub" || len(cfg.MQTT.Alerts) != 3 {
		t.Errorf("mqtt defaults not kept: %+v", cfg.MQTT)
	}
}

func TestLoad_DecodesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9090
tier: cloud_primary
data_dir: /var/lib/semhub
queue:
  driver: sqlite
  workers: 8
  max_backoff: 90s
addons:
  catalog:
    - name: images
      version: 1.2.0
      kind: webhook
      autoload: true
      supported_types: [images:download]
      webhook:
        url: http://localhost:9000/invoke
        timeout: 15s
failover:
  endpoints:
    - tier: local
      url: ws://localhost:9090/ws
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9090 || cfg.Tier != "cloud_primary" {
		t.Errorf("listen/tier = %d %s", cfg.Listen.Port, cfg.Tier)
	}
	if cfg.Queue.Workers != 8 || cfg.Queue.MaxBackoff != 90*time.Second || cfg.Queue.MaxAttempts != 5 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.DSN != filepath.Join("/var/lib/semhub", "queue.db") {
		t.Errorf("sqlite dsn = %q", cfg.Queue.DSN)
	}
	if len(cfg.Addons.Catalog) != 1 || cfg.Addons.Catalog[0].Webhook.Timeout != 15*time.Second {
		t.Errorf("catalog = %+v", cfg.Addons.Catalog)
	}
	if ep := cfg.Failover.Endpoints[0]; ep.HealthURL != ep.URL {
		t.Errorf("health url default = %q", ep.HealthURL)
	}
	if cfg.Failover.DrainGrace != 10*time.Second {
		t.Errorf("drain grace = %s", cfg.Failover.DrainGrace)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "listen: [\n")); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad tier", func(c *Config) { c.Tier = "moon" }, "tier"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"postgres without dsn", func(c *Config) { c.Queue.Driver = DriverPostgres }, "queue.dsn"},
		{"unknown driver", func(c *Config) { c.Queue.Driver = "mongo" }, "queue.driver"},
		{"token without hash", func(c *Config) {
			c.Gateway.Tokens = []TokenConfig{{Identity: "ext", Hash: "plain"}}
		}, "gateway.tokens[0]"},
		{"duplicate addon", func(c *Config) {
			a := AddonConfig{Name: "echo", Kind: "echo", SupportedTypes: []string{"test:echo"}}
			c.Addons.Catalog = []AddonConfig{a, a}
		}, "duplicate name"},
		{"webhook without url", func(c *Config) {
			c.Addons.Catalog = []AddonConfig{{Name: "images", Kind: "webhook", SupportedTypes: []string{"images"}}}
		}, "webhook.url"},
		{"unknown kind", func(c *Config) {
			c.Addons.Catalog = []AddonConfig{{Name: "x", Kind: "grpc", SupportedTypes: []string{"x"}}}
		}, "kind"},
		{"duplicate tier", func(c *Config) {
			ep := EndpointConfig{Tier: "local", URL: "ws://a"}
			c.Failover.Endpoints = []EndpointConfig{ep, ep}
		}, "duplicate tier"},
		{"amqp without url", func(c *Config) { c.Bridge.Transport = TransportAMQP }, "amqp_url"},
		{"bridge loop", func(c *Config) {
			c.Bridge.Transport = TransportGoChannel
			c.Bridge.InboundTopic = c.Bridge.OutboundTopic
		}, "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Tier = "moon"
	cfg.LogFormat = "xml"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "tier") || !strings.Contains(err.Error(), "log_format") {
		t.Errorf("Validate() = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"TRACE", LevelTrace, true},
		{" debug ", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestConfigLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	if got := cfg.Level(); got != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", got)
	}
	cfg.LogLevel = "loud"
	if got := cfg.Level(); got != slog.LevelInfo {
		t.Errorf("Level() with bad value = %v, want info", got)
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level changed to %v", a.Value)
	}
}
