package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/failover"
	"github.com/semantest/docs-sub005/internal/registry"
)

type fixture struct {
	gw  *Gateway
	reg *registry.Registry
	bus *events.Bus
	srv *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	bus := events.NewBus()
	reg := registry.New(registry.Config{Bus: bus})
	cfg.Registry = reg
	cfg.Bus = bus
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gw.Start()
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
		srv.Close()
		bus.Close(ctx)
	})
	return &fixture{gw: gw, reg: reg, bus: bus, srv: srv}
}

func (f *fixture) wsURL() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

// client is a test WebSocket client that has consumed its welcome frame.
type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (f *fixture) dial(t *testing.T, header http.Header) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn}
	welcome := c.read()
	if welcome.Type != events.TypeServerWelcome {
		t.Fatalf("first frame = %s, want welcome", welcome.Type)
	}
	var p map[string]string
	_ = json.Unmarshal(welcome.Payload, &p)
	c.id = p["connectionId"]
	return c
}

func (c *client) read() events.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env events.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

func (c *client) write(env events.Envelope) {
	c.t.Helper()
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) envelope(typ string, payload any) events.Envelope {
	c.t.Helper()
	env, err := events.New(typ, "test-client", payload)
	if err != nil {
		c.t.Fatal(err)
	}
	return env
}

func (c *client) expectError(code string) events.ServerError {
	c.t.Helper()
	env := c.read()
	if env.Type != events.TypeServerError {
		c.t.Fatalf("got %s, want server:error", env.Type)
	}
	var se events.ServerError
	if err := json.Unmarshal(env.Payload, &se); err != nil {
		c.t.Fatal(err)
	}
	if se.Code != code {
		c.t.Fatalf("error code = %s (%s), want %s", se.Code, se.Message, code)
	}
	return se
}

func TestWelcomeAndRegistration(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, nil)
	if c.id == "" {
		t.Fatal("welcome without connection id")
	}
	if got := f.reg.State(c.id); got != registry.StateOpen {
		t.Errorf("registry state = %s, want open", got)
	}
	info, err := f.reg.Get(c.id)
	if err != nil || info.Identity != "anonymous" || info.Endpoint != "local" {
		t.Errorf("info = %+v (%v)", info, err)
	}
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, nil)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	c.expectError(errs.CodeInvalidMessage)

	bad := c.envelope("images:download:request", nil)
	bad.Source = ""
	c.write(bad)
	se := c.expectError(errs.CodeInvalidMessage)
	if !strings.Contains(se.Message, "source") {
		t.Errorf("message = %q", se.Message)
	}

	c.write(c.envelope("images:download", nil))
	c.expectError(errs.CodeInvalidMessage)

	c.write(c.envelope("system:addon:failed", nil))
	c.expectError(errs.CodeInvalidMessage)

	c.write(c.envelope(events.TypeHeartbeatPing, nil))
	if env := c.read(); env.Type != events.TypeHeartbeatPong {
		t.Errorf("after errors got %s, want pong", env.Type)
	}
}

func TestErrorRepliesAreCorrelated(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, nil)
	bad := c.envelope("images:download:request", nil)
	bad.Source = ""
	c.write(bad)
	env := c.read()
	if env.CorrelationID != bad.ID {
		t.Errorf("correlationId = %q, want %q", env.CorrelationID, bad.ID)
	}
}

func TestHeartbeatPing(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, nil)
	ping := c.envelope(events.TypeHeartbeatPing, nil)
	c.write(ping)
	pong := c.read()
	if pong.Type != events.TypeHeartbeatPong || pong.CorrelationID != ping.ID {
		t.Errorf("pong = %+v", pong)
	}
}

func TestSubscribeAndBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.dial(t, nil)
	b := f.dial(t, nil)

	sub := a.envelope(events.TypeChannelSubscribe, channelRequest{Channel: "images:download:completed"})
	a.write(sub)
	if env := a.read(); env.Type != events.TypeChannelSubscribed || env.CorrelationID != sub.ID {
		t.Fatalf("subscribe reply = %+v", env)
	}

	a.write(a.envelope(events.TypeChannelSubscribe, channelRequest{Channel: "images"}))
	a.expectError(CodeUnknownChannel)

	done, _ := events.New("images:download:completed", "addon.images", map[string]string{"file": "a.png"})
	f.bus.Publish(done)
	if env := a.read(); env.ID != done.ID {
		t.Errorf("broadcast = %+v", env)
	}

	// b is not subscribed and gets nothing; its next frame is its pong.
	b.write(b.envelope(events.TypeHeartbeatPing, nil))
	if env := b.read(); env.Type != events.TypeHeartbeatPong {
		t.Errorf("unsubscribed client got %s", env.Type)
	}

	a.write(a.envelope(events.TypeChannelUnsubscribe, channelRequest{Channel: "images:download:completed"}))
	if env := a.read(); env.Type != events.TypeChannelUnsubscribed {
		t.Fatalf("unsubscribe reply = %s", env.Type)
	}
	if n := f.reg.Subscribers("images:download:completed"); n != 0 {
		t.Errorf("subscribers = %d after unsubscribe", n)
	}
}

func TestRepliesRouteToOrigin(t *testing.T) {
	f := newFixture(t, Config{})
	// An addon stand-in answering every request.
	f.bus.Subscribe("images:download:request", func(_ context.Context, env events.Envelope) error {
		reply, _ := events.Reply(env, "images:download:progress", "addon.images", map[string]int{"percent": 50})
		f.bus.Publish(reply)
		return nil
	})

	a := f.dial(t, nil)
	b := f.dial(t, nil)
	// b listens to requests; it must see a's request but a must not get
	// its own request echoed.
	b.write(b.envelope(events.TypeChannelSubscribe, channelRequest{Channel: "images:download:request"}))
	b.read()

	req := a.envelope("images:download:request", map[string]string{"url": "https://example.com/a.png"})
	a.write(req)

	got := a.read()
	if got.Type != "images:download:progress" || got.CorrelationID != req.ID {
		t.Errorf("origin got %+v, want correlated progress", got)
	}
	if env := b.read(); env.ID != req.ID {
		t.Errorf("channel subscriber got %+v, want the request", env)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 3})
	c := f.dial(t, nil)
	for range 5 {
		c.write(c.envelope(events.TypeHeartbeatPing, nil))
	}
	pongs, limited := 0, 0
	for range 5 {
		env := c.read()
		switch env.Type {
		case events.TypeHeartbeatPong:
			pongs++
		case events.TypeServerError:
			var se events.ServerError
			_ = json.Unmarshal(env.Payload, &se)
			if se.Code == CodeRateLimited {
				limited++
			}
		}
	}
	// Burst is half the per-minute budget, rounded up.
	if pongs != 2 || limited != 3 {
		t.Errorf("pongs=%d limited=%d, want 2 and 3", pongs, limited)
	}
	if f.reg.State(c.id) != registry.StateOpen {
		t.Error("rate limiting closed the connection")
	}
}

func TestMinuteLimiterBudget(t *testing.T) {
	for _, perMinute := range []int{1, 3, 100} {
		t.Run(fmt.Sprint(perMinute), func(t *testing.T) {
			lim := minuteLimiter(perMinute)
			base := time.Now()
			// Four messages per budget slot, spread evenly over three minutes.
			total := 12 * perMinute
			step := 3 * time.Minute / time.Duration(total)
			var allowed []time.Time
			for i := range total {
				at := base.Add(time.Duration(i) * step)
				if !lim.AllowN(at, 1) {
					continue
				}
				allowed = append(allowed, at)
				inWindow := 0
				for _, a := range allowed {
					if at.Sub(a) < time.Minute {
						inWindow++
					}
				}
				if inWindow > perMinute {
					t.Fatalf("%d messages allowed within 60s at %v, limit %d", inWindow, at.Sub(base), perMinute)
				}
			}
			if len(allowed) < perMinute {
				t.Errorf("allowed %d over three minutes, want at least %d", len(allowed), perMinute)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	const token = "correct-horse-battery-staple"
	hash, err := HashToken(token)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := NewTokenAuthenticator([]TokenEntry{{Identity: "extension", Hash: hash}})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Config{Auth: auth})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v, want 401", err, resp)
	}

	c := f.dial(t, http.Header{"Authorization": {"Bearer " + token}})
	if info, _ := f.reg.Get(c.id); info.Identity != "extension" {
		t.Errorf("identity = %q", info.Identity)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("query token: %v", err)
	}
	conn.Close()
}

func TestHashTokenRejectsShortTokens(t *testing.T) {
	if _, err := HashToken("short"); err == nil {
		t.Error("short token should be rejected")
	}
	if _, err := NewTokenAuthenticator([]TokenEntry{{Identity: "x", Hash: "plain"}}); err == nil {
		t.Error("non-bcrypt hash should be rejected")
	}
}

type fakeRoutes struct {
	mu        sync.Mutex
	active    failover.Route
	switching bool
}

func (r *fakeRoutes) Active() failover.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRoutes) Switching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switching
}

func TestRouting(t *testing.T) {
	routes := &fakeRoutes{active: failover.Route{Tier: failover.TierLocal}}
	f := newFixture(t, Config{Tier: failover.TierLocal, Routes: routes, RetryAfter: 10 * time.Second})
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	get := func() *http.Response {
		t.Helper()
		resp, err := client.Get(f.srv.URL + "/ws?token=abc")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	f.dial(t, nil)

	routes.mu.Lock()
	routes.switching = true
	routes.mu.Unlock()
	if resp := get(); resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") != "10" {
		t.Errorf("switching: %d Retry-After=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	routes.mu.Lock()
	routes.switching = false
	routes.active = failover.Route{Tier: failover.TierCloudPrimary, URL: "https://primary.example.com"}
	routes.mu.Unlock()
	resp := get()
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != "https://primary.example.com/ws?token=abc" {
		t.Errorf("other tier: %d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	routes.mu.Lock()
	routes.active = failover.Route{Tier: failover.TierOffline}
	routes.mu.Unlock()
	if resp := get(); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("offline: %d", resp.StatusCode)
	}
}

func TestDrainHook(t *testing.T) {
	f := newFixture(t, Config{Tier: failover.TierLocal})
	c := f.dial(t, nil)

	from := failover.Route{Tier: failover.TierLocal, URL: "ws://127.0.0.1"}
	to := failover.Route{Tier: failover.TierCloudPrimary, URL: "wss://primary.example.com"}

	// Hooks for other tiers are no-ops.
	if err := f.gw.DrainHook(context.Background(), to, from); err != nil {
		t.Fatal(err)
	}
	if f.reg.State(c.id) != registry.StateOpen {
		t.Fatal("drained on a switch that does not leave this tier")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.gw.DrainHook(ctx, from, to); err != nil {
		t.Fatalf("DrainHook: %v", err)
	}
	notice := c.read()
	if notice.Type != events.TypeFailoverSwitched {
		t.Fatalf("got %s, want switched notice", notice.Type)
	}
	var ev failover.SwitchEvent
	if err := json.Unmarshal(notice.Payload, &ev); err != nil || ev.To.URL != "wss://primary.example.com" {
		t.Errorf("notice = %+v (%v)", ev, err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after drain = %v, want going-away close", err)
	}
	if f.reg.Count() != 0 {
		t.Errorf("registry count = %d after drain", f.reg.Count())
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close(context.Background())
	reg := registry.New(registry.Config{Bus: bus})
	gw, err := New(Config{Registry: reg, Bus: bus, SendQueue: 1})
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(gw, nil, "slow")
	s.id = reg.Register("slow", "local", s)
	_ = reg.Open(s.id)

	env, _ := events.New("images:download:completed", "test", nil)
	if err := s.Send(env); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(env); err == nil {
		t.Fatal("send into a full queue should fail")
	}

	deadline := time.Now().Add(time.Second)
	for reg.State(s.id) != registry.StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("slow consumer was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.closeReason() != registry.ReasonSlow {
		t.Errorf("close reason = %q", s.closeReason())
	}
	if err := s.Send(env); err == nil {
		t.Error("send after close should fail")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v", err)
	}
}
