package addon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Addon kinds accepted in configuration.
const (
	KindWebhook = "webhook"
	KindEcho    = "echo"
)

// Spec is the configuration-level description of an addon.
type Spec struct {
	Manifest Manifest
	Kind     string
	Autoload bool
	Webhook  WebhookConfig
}

// NewDefinition turns a Spec into a catalog Definition. client is
// shared by webhook addons and may be nil.
func NewDefinition(s Spec, client *http.Client, logger *slog.Logger) (Definition, error) {
	if err := s.Manifest.Validate(); err != nil {
		return Definition{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := Definition{Manifest: s.Manifest, Autoload: s.Autoload}
	switch s.Kind {
	case KindWebhook:
		if s.Webhook.URL == "" {
			return Definition{}, fmt.Errorf("addon %s: webhook url is required", s.Manifest.Name)
		}
		def.Load = WebhookLoader(s.Manifest, s.Webhook, client, logger.With("addon", s.Manifest.Name))
	case KindEcho:
		m := s.Manifest
		def.Load = func(context.Context) (Handler, error) { return &Echo{Manifest: m}, nil }
	default:
		return Definition{}, fmt.Errorf("addon %s: unknown kind %q", s.Manifest.Name, s.Kind)
	}
	return def, nil
}
