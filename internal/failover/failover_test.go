package failover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semantest/docs-sub005/internal/events"
)

// probes fails any tier marked down.
type probes struct {
	mu    sync.Mutex
	down  map[Tier]bool
	calls atomic.Int32
}

func newProbes() *probes { return &probes{down: make(map[Tier]bool)} }

func (p *probes) set(t Tier, down bool) {
	p.mu.Lock()
	p.down[t] = down
	p.mu.Unlock()
}

func (p *probes) probe(_ context.Context, ep Endpoint) error {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[ep.Tier] {
		return errors.New("connection refused")
	}
	return nil
}

func threeTiers() []Endpoint {
	return []Endpoint{
		{Tier: TierCloudFallback, URL: "wss://fallback.example.com"},
		{Tier: TierLocal, URL: "ws://127.0.0.1:8080"},
		{Tier: TierCloudPrimary, URL: "wss://primary.example.com"},
	}
}

func newTestController(t *testing.T, p *probes, cfg Config) *Controller {
	t.Helper()
	if cfg.Endpoints == nil {
		cfg.Endpoints = threeTiers()
	}
	cfg.Probe = p.probe
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = time.Second
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestInitialRouteIsLocal(t *testing.T) {
	c := newTestController(t, newProbes(), Config{})
	if got := c.Active(); got.Tier != TierLocal || got.URL != "ws://127.0.0.1:8080" {
		t.Errorf("Active = %+v, want local", got)
	}
	h := c.Health()
	if len(h) != 3 || h[0].Tier != TierLocal || h[2].Tier != TierCloudFallback {
		t.Errorf("Health order = %+v", h)
	}
}

func TestFailoverAfterThreshold(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{FailureThreshold: 3})
	ctx := context.Background()

	p.set(TierLocal, true)
	c.CheckNow(ctx)
	c.CheckNow(ctx)
	if got := c.Active().Tier; got != TierLocal {
		t.Fatalf("switched after 2 failures: %s", got)
	}
	if h := c.Health()[0]; h.Status != Healthy || h.ConsecutiveFailures != 2 || h.LastError == "" {
		t.Errorf("local health = %+v", h)
	}
	c.CheckNow(ctx)
	if got := c.Active(); got.Tier != TierCloudPrimary || got.URL != "wss://primary.example.com" {
		t.Fatalf("Active = %+v, want cloud_primary", got)
	}

	p.set(TierCloudPrimary, true)
	for range 3 {
		c.CheckNow(ctx)
	}
	if got := c.Active().Tier; got != TierCloudFallback {
		t.Fatalf("Active = %s, want cloud_fallback", got)
	}

	// Recovery goes straight back to the highest healthy tier.
	p.set(TierLocal, false)
	c.CheckNow(ctx)
	if got := c.Active().Tier; got != TierLocal {
		t.Errorf("Active after recovery = %s, want local", got)
	}
}

func TestOfflineWhenNothingHealthy(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{
		FailureThreshold:     1,
		ProbeInterval:        time.Second,
		OfflineRetryInterval: time.Minute,
	})
	for _, tier := range []Tier{TierLocal, TierCloudPrimary, TierCloudFallback} {
		p.set(tier, true)
	}
	if c.interval() != time.Second {
		t.Errorf("interval = %v, want probe interval", c.interval())
	}
	c.CheckNow(context.Background())
	if got := c.Active(); got.Tier != TierOffline || got.URL != "" {
		t.Fatalf("Active = %+v, want offline", got)
	}
	if c.interval() != time.Minute {
		t.Errorf("offline interval = %v, want offline retry interval", c.interval())
	}

	p.set(TierCloudFallback, false)
	c.CheckNow(context.Background())
	if got := c.Active().Tier; got != TierCloudFallback {
		t.Errorf("Active = %s, want cloud_fallback", got)
	}
}

func TestRecoveryThreshold(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{FailureThreshold: 1, RecoveryThreshold: 2})
	ctx := context.Background()
	p.set(TierLocal, true)
	c.CheckNow(ctx)
	p.set(TierLocal, false)
	c.CheckNow(ctx)
	if got := c.Active().Tier; got != TierCloudPrimary {
		t.Fatalf("recovered after one success: %s", got)
	}
	c.CheckNow(ctx)
	if got := c.Active().Tier; got != TierLocal {
		t.Errorf("Active = %s, want local", got)
	}
}

func TestSwitchRunsHooksBeforeFlip(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close(context.Background())
	var mu sync.Mutex
	var seen []string
	bus.Subscribe("system:failover:*", func(_ context.Context, env events.Envelope) error {
		var ev SwitchEvent
		_ = env.Decode(&ev)
		mu.Lock()
		seen = append(seen, env.Type+" "+ev.From.Tier.String()+">"+ev.To.Tier.String())
		mu.Unlock()
		return nil
	})

	p := newProbes()
	c := newTestController(t, p, Config{Bus: bus, FailureThreshold: 1})

	var hookCalls atomic.Int32
	c.OnSwitch(func(ctx context.Context, from, to Route) error {
		hookCalls.Add(1)
		if !c.Switching() {
			t.Error("Switching() false inside hook")
		}
		if got := c.Active(); got.Tier != TierLocal {
			t.Errorf("route flipped before drain finished: %s", got.Tier)
		}
		if from.Tier != TierLocal || to.Tier != TierCloudPrimary {
			t.Errorf("hook from/to = %s/%s", from.Tier, to.Tier)
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("hook context has no grace deadline")
		}
		return nil
	})
	c.OnSwitch(func(context.Context, Route, Route) error {
		hookCalls.Add(1)
		return errors.New("drain incomplete")
	})

	p.set(TierLocal, true)
	c.CheckNow(context.Background())
	if hookCalls.Load() != 2 {
		t.Errorf("hook calls = %d, want 2", hookCalls.Load())
	}
	if c.Switching() {
		t.Error("still switching after CheckNow returned")
	}
	if c.Active().Tier != TierCloudPrimary {
		t.Errorf("Active = %s", c.Active().Tier)
	}

	want := []string{
		"system:failover:switching local>cloud_primary",
		"system:failover:switched local>cloud_primary",
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), seen...)
		mu.Unlock()
		if len(got) == 2 {
			if got[0] != want[0] || got[1] != want[1] {
				t.Errorf("events = %v, want %v", got, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowHookBoundedByGrace(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{FailureThreshold: 1, DrainGrace: 30 * time.Millisecond})
	c.OnSwitch(func(ctx context.Context, _, _ Route) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p.set(TierLocal, true)

	start := time.Now()
	c.CheckNow(context.Background())
	if d := time.Since(start); d > time.Second {
		t.Errorf("switch took %v, want about the grace window", d)
	}
	if c.Active().Tier != TierCloudPrimary {
		t.Errorf("Active = %s", c.Active().Tier)
	}
}

func TestLostEndpointDrainCappedByProbeInterval(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{
		FailureThreshold: 1,
		ProbeInterval:    50 * time.Millisecond,
		DrainGrace:       5 * time.Second,
	})
	var graces []time.Duration
	c.OnSwitch(func(ctx context.Context, from, _ Route) error {
		dl, _ := ctx.Deadline()
		graces = append(graces, time.Until(dl))
		if from.Tier == TierLocal {
			<-ctx.Done()
		}
		return nil
	})

	p.set(TierLocal, true)
	start := time.Now()
	c.CheckNow(context.Background())
	if d := time.Since(start); d > time.Second {
		t.Errorf("switch away from a dead endpoint took %v, want about one probe interval", d)
	}
	if c.Active().Tier != TierCloudPrimary {
		t.Fatalf("Active = %s", c.Active().Tier)
	}

	// Returning to a recovered endpoint keeps the full grace.
	p.set(TierLocal, false)
	c.CheckNow(context.Background())
	if c.Active().Tier != TierLocal {
		t.Fatalf("Active = %s after recovery", c.Active().Tier)
	}
	if len(graces) != 2 || graces[0] > 50*time.Millisecond || graces[1] < time.Second {
		t.Errorf("graces = %v, want <=50ms then the full 5s", graces)
	}
}

func TestRunSwitchesWithinThreeIntervals(t *testing.T) {
	p := newProbes()
	c := newTestController(t, p, Config{ProbeInterval: 10 * time.Millisecond, FailureThreshold: 3})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	p.set(TierLocal, true)
	deadline := time.Now().Add(2 * time.Second)
	for c.Active().Tier != TierCloudPrimary {
		if time.Now().After(deadline) {
			t.Fatalf("no failover; active = %s", c.Active().Tier)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		eps  []Endpoint
	}{
		{"offline tier", []Endpoint{{Tier: TierOffline, URL: "x"}}},
		{"missing url", []Endpoint{{Tier: TierLocal}}},
		{"duplicate", []Endpoint{{Tier: TierLocal, URL: "a"}, {Tier: TierLocal, URL: "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Endpoints: tt.eps}); err == nil {
				t.Error("New should fail")
			}
		})
	}

	c, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Active().Tier != TierOffline {
		t.Errorf("no endpoints: Active = %s, want offline", c.Active().Tier)
	}
}

func TestHTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{
		Endpoints: []Endpoint{
			{Tier: TierLocal, URL: srv.URL, HealthURL: srv.URL + "/health"},
			{Tier: TierCloudPrimary, URL: "wss://primary.example.com", HealthURL: srv.URL + "/health"},
		},
		FailureThreshold: 1,
		ProbeTimeout:     time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	c.CheckNow(context.Background())
	if c.Active().Tier != TierLocal {
		t.Fatalf("Active = %s", c.Active().Tier)
	}
	healthy.Store(false)
	c.CheckNow(context.Background())
	if c.Active().Tier != TierOffline {
		t.Errorf("Active = %s, want offline", c.Active().Tier)
	}
}

func TestTierText(t *testing.T) {
	for tier := TierLocal; tier <= TierOffline; tier++ {
		b, _ := tier.MarshalText()
		var got Tier
		if err := got.UnmarshalText(b); err != nil || got != tier {
			t.Errorf("round trip %s = %s (%v)", tier, got, err)
		}
	}
	if _, err := ParseTier("edge"); err == nil {
		t.Error("ParseTier(edge) should fail")
	}
}
