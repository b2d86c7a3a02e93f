package addon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/httpkit"
)

func TestWebhookHandle(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Addon-Token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var env events.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		code := int(status.Load())
		if code != http.StatusOK {
			http.Error(w, "nope", code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"handled": env.Type})
	}))
	defer srv.Close()

	w := NewWebhook(imagesManifest(), WebhookConfig{
		URL:             srv.URL,
		Headers:         map[string]string{"X-Addon-Token": "secret"},
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, nil, nil)

	env := envelope(t, "images:download:request")
	out, err := w.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out, &got); err != nil || got["handled"] != "images:download:request" {
		t.Errorf("result = %s (%v)", out, err)
	}

	status.Store(http.StatusUnprocessableEntity)
	for range 3 {
		if _, err := w.Handle(context.Background(), env); !errs.IsValidation(err) {
			t.Fatalf("4xx = %v, want validation", err)
		}
	}
	if w.BreakerState() != "closed" {
		t.Errorf("client errors opened the circuit: %s", w.BreakerState())
	}

	status.Store(http.StatusBadGateway)
	for range 2 {
		if _, err := w.Handle(context.Background(), env); !errs.IsTransient(err) {
			t.Fatalf("5xx = %v, want transient", err)
		}
	}
	if w.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", w.BreakerState())
	}
	_, err = w.Handle(context.Background(), env)
	if !errs.IsTransient(err) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("open circuit = %v, want transient ErrOpenState", err)
	}
}

func TestWebhookRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>proxy error</html>")
	}))
	defer srv.Close()

	w := NewWebhook(imagesManifest(), WebhookConfig{URL: srv.URL}, nil, nil)
	if _, err := w.Handle(context.Background(), envelope(t, "images:download:request")); !errs.IsTransient(err) {
		t.Errorf("Handle = %v, want transient", err)
	}
}

func TestWebhookTimeoutWithSharedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	// The shared client carries the 30s default; the addon's own timeout
	// must still apply.
	shared := httpkit.NewClient(httpkit.Options{})
	w := NewWebhook(imagesManifest(), WebhookConfig{URL: srv.URL, Timeout: 100 * time.Millisecond}, shared, nil)

	start := time.Now()
	_, err := w.Handle(context.Background(), envelope(t, "images:download:request"))
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("Handle succeeded past the configured timeout")
	}
	if !errs.IsTransient(err) {
		t.Errorf("timeout error %v is not transient", err)
	}
	if elapsed > time.Second {
		t.Errorf("call took %v with a 100ms timeout", elapsed)
	}
}

func TestWebhookLoaderProbesHealth(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" && !healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := WebhookConfig{URL: srv.URL + "/invoke", HealthURL: srv.URL + "/healthz"}
	load := WebhookLoader(imagesManifest(), cfg, nil, nil)
	if _, err := load(context.Background()); err == nil {
		t.Fatal("load with unhealthy addon should fail")
	}

	healthy.Store(true)
	h, err := load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hc, ok := h.(HealthChecker)
	if !ok {
		t.Fatal("webhook handler should implement HealthChecker")
	}
	if err := hc.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
	healthy.Store(false)
	if err := hc.Check(context.Background()); err == nil {
		t.Error("Check should fail when the addon reports unhealthy")
	}
}

func TestNewDefinition(t *testing.T) {
	if _, err := NewDefinition(Spec{Manifest: imagesManifest(), Kind: "grpc"}, nil, nil); err == nil {
		t.Error("unknown kind should fail")
	}
	if _, err := NewDefinition(Spec{Manifest: imagesManifest(), Kind: KindWebhook}, nil, nil); err == nil {
		t.Error("webhook without url should fail")
	}

	def, err := NewDefinition(Spec{Manifest: imagesManifest(), Kind: KindEcho, Autoload: true}, nil, nil)
	if err != nil {
		t.Fatalf("NewDefinition(echo): %v", err)
	}
	if !def.Autoload {
		t.Error("Autoload not carried over")
	}
	h, err := def.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	env := envelope(t, "images:download:request")
	out, err := h.Handle(context.Background(), env)
	if err != nil || string(out) != string(env.Payload) {
		t.Errorf("echo = (%s, %v), want %s", out, err, env.Payload)
	}
	if h.Supports("forms:fill") {
		t.Error("echo should only support its manifest types")
	}
}
