package addon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/httpkit"
)

// WebhookConfig describes an addon that runs as a separate HTTP
// process. Each envelope is POSTed to URL as JSON and the response
// body becomes the result.
type WebhookConfig struct {
	URL string
	// HealthURL is probed at load and by health checks. Optional.
	HealthURL string
	Headers   map[string]string
	Timeout   time.Duration
	// BreakerFailures consecutive failures open the circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
}

// Webhook is the handler for webhook addons.
type Webhook struct {
	manifest Manifest
	cfg      WebhookConfig
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewWebhook builds a webhook handler. client may be nil.
func NewWebhook(m Manifest, cfg WebhookConfig, client *http.Client, logger *slog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvokeTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.Options{Timeout: cfg.Timeout, Retries: 2, RetryDelay: 250 * time.Millisecond, Logger: logger})
	}
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.BreakerFailures
	w := &Webhook{manifest: m, cfg: cfg, client: client}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "addon." + m.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// A rejected request says nothing about the addon's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.IsValidation(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return w
}

// WebhookLoader returns a Loader that builds the handler and, when a
// health URL is configured, waits for it to answer before reporting
// the addon ready.
func WebhookLoader(m Manifest, cfg WebhookConfig, client *http.Client, logger *slog.Logger) Loader {
	return func(ctx context.Context) (Handler, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook addon %s: url is required", m.Name)
		}
		w := NewWebhook(m, cfg, client, logger)
		if cfg.HealthURL != "" {
			if err := httpkit.Probe(ctx, w.client, cfg.HealthURL); err != nil {
				return nil, fmt.Errorf("health probe: %w", err)
			}
		}
		return w, nil
	}
}

func (w *Webhook) Supports(typ string) bool { return w.manifest.match(typ) >= 0 }

// Handle posts env to the addon within the configured timeout. 4xx
// answers are validation failures; 5xx answers, network errors, timeouts
// and an open circuit are transient.
func (w *Webhook) Handle(ctx context.Context, env events.Envelope) (json.RawMessage, error) {
	// The client may be shared between addons, so its own timeout is not ours.
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	out, err := w.breaker.Execute(func() (interface{}, error) {
		body, err := httpkit.DoJSON(ctx, w.client, http.MethodPost, w.cfg.URL, env, w.cfg.Headers)
		if err != nil {
			return nil, classify(w.manifest.Name, err)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Transient("addon."+w.manifest.Name, err)
		}
		return nil, err
	}

	body := out.([]byte)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errs.Transient("addon."+w.manifest.Name, errors.New("response is not valid JSON"))
	}
	return json.RawMessage(body), nil
}

// Check probes the health URL, bypassing the circuit breaker.
func (w *Webhook) Check(ctx context.Context) error {
	if w.cfg.HealthURL == "" {
		return nil
	}
	return httpkit.Probe(ctx, w.client, w.cfg.HealthURL)
}

// BreakerState reports the circuit state ("closed", "open", "half-open").
func (w *Webhook) BreakerState() string { return w.breaker.State().String() }

func classify(name string, err error) error {
	op := "addon." + name
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.ClientError() {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	return errs.Transient(op, err)
}
