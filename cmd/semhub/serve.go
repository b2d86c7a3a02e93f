package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/semantest/docs-sub005/internal/addon"
	"github.com/semantest/docs-sub005/internal/api"
	"github.com/semantest/docs-sub005/internal/bridge"
	"github.com/semantest/docs-sub005/internal/buildinfo"
	"github.com/semantest/docs-sub005/internal/config"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/failover"
	"github.com/semantest/docs-sub005/internal/gateway"
	"github.com/semantest/docs-sub005/internal/httpkit"
	"github.com/semantest/docs-sub005/internal/metrics"
	"github.com/semantest/docs-sub005/internal/mqtt"
	"github.com/semantest/docs-sub005/internal/opstate"
	"github.com/semantest/docs-sub005/internal/queue"
	"github.com/semantest/docs-sub005/internal/registry"
	"github.com/semantest/docs-sub005/internal/router"
)

const shutdownTimeout = 15 * time.Second

// runServe handles "semhub serve". It blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the HTTP server stops accepting and WebSocket sessions close
//  2. the queue finishes or returns in-flight attempts
//  3. router and addons stop, then the bus drains
//  4. stores close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting semhub", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, cfg.Level(), cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"tier", cfg.Tier,
		"queue_driver", cfg.Queue.Driver,
		"addons", len(cfg.Addons.Catalog),
		"endpoints", len(cfg.Failover.Endpoints),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := newHub(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()
	return h.run(ctx)
}

// hub holds every long-lived component of a serving process.
type hub struct {
	cfg    *config.Config
	logger *slog.Logger

	instanceID string
	state      *opstate.Store
	metrics    *metrics.Metrics
	bus        *events.Bus
	registry   *registry.Registry
	addons     *addon.Manager
	store      queue.Backend
	queue      *queue.Queue
	router     *router.Router
	failover   *failover.Controller
	gateway    *gateway.Gateway
	server     *api.Server
	mqtt       *mqtt.Publisher
	bridge     *bridge.Bridge
}

// newHub builds and wires the components. Nothing is started.
func newHub(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *hub, err error) {
	h := &hub{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	h.state, err = opstate.NewStore(cfg.OpStatePath())
	if err != nil {
		return nil, fmt.Errorf("open operational state: %w", err)
	}
	h.instanceID, err = h.state.InstanceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	logger.Info("hub identity", "instance_id", h.instanceID)

	h.metrics = metrics.New()
	h.bus = events.NewBus(
		events.WithLogger(logger.With("component", "bus")),
		events.WithHandlerTimeout(cfg.Bus.HandlerTimeout),
		events.WithMailboxSize(cfg.Bus.MailboxSize),
		events.WithObserver(h.metrics),
	)

	h.registry = registry.New(registry.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		MaxMissed:         cfg.Heartbeat.MaxMissed,
		Bus:               h.bus,
		Metrics:           h.metrics,
		Logger:            logger.With("component", "registry"),
	})

	if err := h.buildAddons(ctx); err != nil {
		return nil, err
	}
	if err := h.buildQueue(); err != nil {
		return nil, err
	}
	if err := h.buildEdge(); err != nil {
		return nil, err
	}

	if cfg.MQTT.Configured() {
		h.mqtt = mqtt.New(cfg.MQTT, h.instanceID, h.bus, logger.With("component", "mqtt"))
	}
	if cfg.Bridge.Enabled() {
		h.bridge, err = bridge.New(cfg.Bridge, h.instanceID, h.bus, h.metrics, logger.With("component", "bridge"))
		if err != nil {
			return nil, fmt.Errorf("bridge: %w", err)
		}
	}
	return h, nil
}

func (h *hub) buildAddons(ctx context.Context) error {
	cfg := h.cfg.Addons
	h.addons = addon.NewManager(addon.Config{
		LoadTimeout:      cfg.LoadTimeout,
		InvokeTimeout:    cfg.InvokeTimeout,
		DegradeThreshold: cfg.DegradeThreshold,
		DegradeWindow:    cfg.DegradeWindow,
		RecoverThreshold: cfg.RecoverThreshold,
		HealthInterval:   cfg.HealthInterval,
		Bus:              h.bus,
		Metrics:          h.metrics,
		Logger:           h.logger.With("component", "addons"),
		State:            h.state,
	})

	client := httpkit.NewClient(httpkit.Options{Retries: 2, RetryDelay: 250 * time.Millisecond, Logger: h.logger})
	for _, ac := range cfg.Catalog {
		def, err := addon.NewDefinition(addonSpec(ac), client, h.logger)
		if err != nil {
			return fmt.Errorf("addon %s: %w", ac.Name, err)
		}
		if err := h.addons.Register(ctx, def); err != nil {
			return fmt.Errorf("register addon %s: %w", ac.Name, err)
		}
	}
	return nil
}

// addonSpec converts a catalog entry into the addon package's shape.
func addonSpec(ac config.AddonConfig) addon.Spec {
	return addon.Spec{
		Manifest: addon.Manifest{
			Name:           ac.Name,
			Version:        ac.Version,
			SupportedTypes: ac.SupportedTypes,
		},
		Kind:     ac.Kind,
		Autoload: ac.Autoload,
		Webhook: addon.WebhookConfig{
			URL:             ac.Webhook.URL,
			HealthURL:       ac.Webhook.HealthURL,
			Headers:         ac.Webhook.Headers,
			Timeout:         ac.Webhook.Timeout,
			BreakerFailures: ac.Webhook.BreakerFailures,
			BreakerCooldown: ac.Webhook.BreakerCooldown,
		},
	}
}

func (h *hub) buildQueue() error {
	cfg := h.cfg.Queue
	store, err := openQueueStore(cfg)
	if err != nil {
		return err
	}
	h.store = store

	// The router executes queue items and submits into the queue.
	var rt *router.Router
	execute := func(ctx context.Context, it *queue.Item) (json.RawMessage, error) {
		return rt.Execute(ctx, it)
	}
	h.queue = queue.New(queue.Config{
		Workers:        cfg.Workers,
		MaxPending:     cfg.MaxPending,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		MaxBackoff:     cfg.MaxBackoff,
		HoldDelay:      cfg.HoldDelay,
		PollInterval:   cfg.PollInterval,
		LaneQuota:      cfg.LaneQuota,
		AttemptTimeout: cfg.AttemptTimeout,
		Bus:            h.bus,
		Metrics:        h.metrics,
		Logger:         h.logger.With("component", "queue"),
	}, store, execute)
	rt = router.NewRouter(h.logger.With("component", "router"), router.Config{
		Queue:  h.queue,
		Addons: h.addons,
		Bus:    h.bus,
	})
	h.router = rt
	return nil
}

// openQueueStore picks the queue backend for the configured driver.
func openQueueStore(cfg config.QueueConfig) (queue.Backend, error) {
	driver := cfg.Driver
	switch driver {
	case "", config.DriverMemory:
		return queue.NewMemStore(), nil
	case config.DriverPostgres:
		// pgx registers itself with database/sql as "pgx".
		driver = "pgx"
	}
	store, err := queue.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open queue store (%s): %w", cfg.Driver, err)
	}
	return store, nil
}

// buildEdge wires the failover controller, the WebSocket gateway and
// the HTTP server.
func (h *hub) buildEdge() error {
	cfg := h.cfg
	tier, err := failover.ParseTier(cfg.Tier)
	if err != nil {
		return err
	}

	if len(cfg.Failover.Endpoints) > 0 {
		endpoints := make([]failover.Endpoint, 0, len(cfg.Failover.Endpoints))
		for _, ep := range cfg.Failover.Endpoints {
			t, err := failover.ParseTier(ep.Tier)
			if err != nil {
				return fmt.Errorf("failover endpoint: %w", err)
			}
			endpoints = append(endpoints, failover.Endpoint{Tier: t, URL: ep.URL, HealthURL: ep.HealthURL})
		}
		h.failover, err = failover.New(failover.Config{
			Endpoints:            endpoints,
			ProbeInterval:        cfg.Failover.ProbeInterval,
			OfflineRetryInterval: cfg.Failover.OfflineRetryInterval,
			ProbeTimeout:         cfg.Failover.ProbeTimeout,
			FailureThreshold:     cfg.Failover.FailureThreshold,
			RecoveryThreshold:    cfg.Failover.RecoveryThreshold,
			DrainGrace:           cfg.Failover.DrainGrace,
			Bus:                  h.bus,
			Metrics:              h.metrics,
			Logger:               h.logger.With("component", "failover"),
		})
		if err != nil {
			return fmt.Errorf("failover: %w", err)
		}
	}

	auth, err := authenticator(cfg.Gateway.Tokens)
	if err != nil {
		return err
	}
	gwCfg := gateway.Config{
		Tier:           tier,
		RateLimit:      cfg.Gateway.RateLimitPerMinute,
		SendQueue:      cfg.Gateway.SendQueue,
		ReadLimit:      cfg.Gateway.ReadLimitBytes,
		PingInterval:   cfg.Gateway.PingInterval,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		RetryAfter:     cfg.Gateway.RetryAfter,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Auth:           auth,
		Registry:       h.registry,
		Bus:            h.bus,
		Metrics:        h.metrics,
		Logger:         h.logger.With("component", "gateway"),
	}
	if h.failover != nil {
		gwCfg.Routes = h.failover
	}
	h.gateway, err = gateway.New(gwCfg)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if h.failover != nil {
		h.failover.OnSwitch(h.gateway.DrainHook)
	}

	apiCfg := api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		MaxConns: cfg.Listen.MaxConns,
		Queue:    h.queue,
		Addons:   h.addons,
		Failover: h.failover,
		Registry: h.registry,
		Router:   h.router,
		Bus:      h.bus,
		Metrics:  h.metrics,
		Gateway:  h.gateway,
		Logger:   h.logger.With("component", "api"),
	}
	h.server = api.NewServer(apiCfg)
	return nil
}

// authenticator returns bcrypt token auth when tokens are configured
// and accepts everyone otherwise.
func authenticator(tokens []config.TokenConfig) (gateway.Authenticator, error) {
	if len(tokens) == 0 {
		return gateway.AllowAll{}, nil
	}
	entries := make([]gateway.TokenEntry, len(tokens))
	for i, t := range tokens {
		entries[i] = gateway.TokenEntry{Identity: t.Identity, Hash: t.Hash}
	}
	auth, err := gateway.NewTokenAuthenticator(entries)
	if err != nil {
		return nil, fmt.Errorf("gateway tokens: %w", err)
	}
	return auth, nil
}

// run starts every component and blocks until ctx is cancelled or a
// component fails.
func (h *hub) run(ctx context.Context) error {
	h.addons.Start()
	h.router.Start()
	h.gateway.Start()
	if err := h.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.registry.Run(gctx)
		return nil
	})
	if h.failover != nil {
		g.Go(func() error {
			h.failover.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := h.server.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if h.mqtt != nil {
		g.Go(func() error {
			if err := h.mqtt.Start(gctx); err != nil {
				// The hub keeps serving without its alert mirror.
				h.logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}
	if h.bridge != nil {
		g.Go(func() error {
			if err := h.bridge.Run(gctx); err != nil {
				return fmt.Errorf("bridge: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		h.shutdown()
		return nil
	})

	h.logger.Info("semhub ready", "instance_id", h.instanceID, "tier", h.cfg.Tier)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.logger.Info("semhub stopped")
	return err
}

// shutdown stops the components in dependency order.
func (h *hub) shutdown() {
	h.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("api server shutdown", "error", err)
	}
	if err := h.gateway.Shutdown(ctx); err != nil {
		h.logger.Warn("gateway shutdown", "error", err)
	}
	if h.mqtt != nil {
		if err := h.mqtt.Stop(ctx); err != nil {
			h.logger.Warn("mqtt shutdown", "error", err)
		}
	}
	if err := h.queue.Stop(ctx); err != nil {
		h.logger.Warn("queue shutdown", "error", err)
	}
	h.router.Stop()
	if err := h.addons.Close(); err != nil {
		h.logger.Warn("addon shutdown", "error", err)
	}
	if err := h.bus.Close(ctx); err != nil {
		h.logger.Warn("bus shutdown", "error", err)
	}
}

// close releases stores. Safe on a partially built hub.
func (h *hub) close() {
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.Warn("close queue store", "error", err)
		}
	}
	if h.state != nil {
		if err := h.state.Close(); err != nil {
			h.logger.Warn("close operational state", "error", err)
		}
	}
}
