package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/semantest/docs-sub005/internal/addon"
	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/queue"
)

// fakeAddons routes "images:download" and "images:*" to "images".
type fakeAddons struct {
	mu      sync.Mutex
	loading bool
	invoked []events.Envelope
}

func (a *fakeAddons) Route(typ string) (string, bool) {
	if strings.HasPrefix(typ, "images:") {
		return "images", true
	}
	return "", false
}

func (a *fakeAddons) SupportedTypes() []string { return []string{"images:*", "images:download"} }

func (a *fakeAddons) Invoke(_ context.Context, env events.Envelope) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invoked = append(a.invoked, env)
	if a.loading {
		return nil, addon.ErrLoading
	}
	return json.RawMessage(`{"saved":"a.png"}`), nil
}

// fakeQueue records submissions and answers like the real queue.
type fakeQueue struct {
	mu    sync.Mutex
	subs  []queue.Submission
	keys  map[string]*queue.Item
	err   error
	items map[string]*queue.Item
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{keys: make(map[string]*queue.Item), items: make(map[string]*queue.Item)}
}

func (q *fakeQueue) Submit(_ context.Context, sub queue.Submission) (*queue.Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, false, q.err
	}
	if it, ok := q.keys[sub.IdempotencyKey]; ok {
		return it, true, nil
	}
	q.subs = append(q.subs, sub)
	it := &queue.Item{ID: queue.NewID(), Type: sub.Type, Priority: sub.Priority, Status: queue.StatusPending}
	q.keys[sub.IdempotencyKey] = it
	q.items[it.ID] = it
	return it, false, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) (*queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	c := it.Clone()
	c.Status = queue.StatusCancelled
	return c, nil
}

func (q *fakeQueue) byKey(key string) *queue.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.keys[key]
}

func (q *fakeQueue) submissions() []queue.Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Submission(nil), q.subs...)
}

// collector gathers bus envelopes of one pattern.
type collector struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func collect(bus *events.Bus, pattern string) *collector {
	c := &collector{}
	bus.Subscribe(pattern, func(_ context.Context, env events.Envelope) error {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *collector) wait(t *testing.T, n int) []events.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := append([]events.Envelope(nil), c.envs...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d envelopes, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRouter(t *testing.T, q Queue, a Addons) (*Router, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close(context.Background()) })
	r := NewRouter(slog.Default(), Config{Queue: q, Addons: a, Bus: bus, MaxAuditLog: 10})
	r.Start()
	t.Cleanup(r.Stop)
	return r, bus
}

func clientEnvelope(t *testing.T, typ string, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(typ, "extension-1", payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPatterns(t *testing.T) {
	got := Patterns([]string{"images:download", "forms:*", "images:download"})
	want := []string{"images:download", "images:download:*", "forms:*"}
	if len(got) != len(want) {
		t.Fatalf("Patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Patterns[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDomainEnvelopeBecomesOneJob(t *testing.T) {
	q := newFakeQueue()
	r, bus := newTestRouter(t, q, &fakeAddons{})

	// Matches both "images:*" and "images:download:*".
	env := clientEnvelope(t, "images:download:request", map[string]string{"url": "https://example.com/a.png"})
	bus.Publish(env)

	waitFor(t, func() bool { return len(q.submissions()) == 1 })
	time.Sleep(20 * time.Millisecond)
	subs := q.submissions()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	sub := subs[0]
	if sub.Priority != queue.PriorityNormal || sub.IdempotencyKey != env.ID || sub.CorrelationID != env.ID || sub.Source != "extension-1" {
		t.Errorf("submission = %+v", sub)
	}
	if d := r.Explain(env.ID); d == nil || d.Outcome != OutcomeAccepted || d.Addon != "images" {
		t.Errorf("decision = %+v", d)
	}
}

func TestHubEnvelopesAreIgnored(t *testing.T) {
	q := newFakeQueue()
	_, bus := newTestRouter(t, q, &fakeAddons{})
	env, _ := events.New("images:download:progress", events.SourceGateway, nil)
	bus.Publish(env)
	time.Sleep(30 * time.Millisecond)
	if n := len(q.submissions()); n != 0 {
		t.Errorf("hub envelope submitted %d jobs", n)
	}
}

func TestExplicitSubmit(t *testing.T) {
	q := newFakeQueue()
	r, bus := newTestRouter(t, q, &fakeAddons{})
	accepted := collect(bus, events.TypeItemAccepted)

	req := JobRequest{Type: "images:download:request", Priority: "high", IdempotencyKey: "order-42", MaxAttempts: 2, Payload: json.RawMessage(`{}`)}
	first := clientEnvelope(t, events.TypeJobSubmit, req)
	bus.Publish(first)
	waitFor(t, func() bool { return len(q.submissions()) == 1 })

	sub := q.submissions()[0]
	if sub.Priority != queue.PriorityHigh || sub.IdempotencyKey != "order-42" || sub.MaxAttempts != 2 {
		t.Errorf("submission = %+v", sub)
	}

	// The duplicate is acknowledged by the router with the original item.
	second := clientEnvelope(t, events.TypeJobSubmit, req)
	bus.Publish(second)
	got := accepted.wait(t, 1)
	if got[0].CorrelationID != second.ID {
		t.Errorf("duplicate ack correlation = %q, want %q", got[0].CorrelationID, second.ID)
	}
	var ev queue.ItemEvent
	if err := json.Unmarshal(got[0].Payload, &ev); err != nil || ev.Item.ID != q.byKey("order-42").ID {
		t.Errorf("duplicate ack = %+v (%v)", ev, err)
	}
	waitFor(t, func() bool { return r.GetStats().Outcomes[OutcomeDuplicate] == 1 })
}

func TestSubmitRejections(t *testing.T) {
	q := newFakeQueue()
	r, bus := newTestRouter(t, q, &fakeAddons{})
	replies := collect(bus, events.TypeServerError)

	tests := []struct {
		name    string
		payload any
	}{
		{"bad priority", JobRequest{Type: "images:download:request", Priority: "urgent"}},
		{"no addon", JobRequest{Type: "video:encode:request"}},
		{"not json object", "just a string"},
	}
	var sent []events.Envelope
	for _, tt := range tests {
		env := clientEnvelope(t, events.TypeJobSubmit, tt.payload)
		sent = append(sent, env)
		bus.Publish(env)
	}

	got := replies.wait(t, len(tests))
	for i, env := range got {
		var se events.ServerError
		_ = json.Unmarshal(env.Payload, &se)
		if se.Code != errs.CodeInvalidMessage {
			t.Errorf("%s: code = %s (%s)", tests[i].name, se.Code, se.Message)
		}
		if env.CorrelationID != sent[i].ID {
			t.Errorf("%s: correlation = %q", tests[i].name, env.CorrelationID)
		}
	}
	if n := len(q.submissions()); n != 0 {
		t.Errorf("rejected requests submitted %d jobs", n)
	}
	if s := r.GetStats(); s.Outcomes[OutcomeRejected] != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCapacityErrorReachesSubmitter(t *testing.T) {
	q := newFakeQueue()
	q.err = errs.Capacity("queue.submit", 1)
	_, bus := newTestRouter(t, q, &fakeAddons{})
	replies := collect(bus, events.TypeServerError)

	env := clientEnvelope(t, "images:download:request", nil)
	bus.Publish(env)
	got := replies.wait(t, 1)
	var se events.ServerError
	_ = json.Unmarshal(got[0].Payload, &se)
	if se.Code != errs.CodeCapacityExceeded || got[0].CorrelationID != env.ID {
		t.Errorf("reply = %+v correlation=%s", se, got[0].CorrelationID)
	}
}

func TestCancel(t *testing.T) {
	q := newFakeQueue()
	r, bus := newTestRouter(t, q, &fakeAddons{})
	replies := collect(bus, events.TypeServerError)

	it, _, _ := q.Submit(context.Background(), queue.Submission{Type: "images:download:request", IdempotencyKey: "k"})
	ok := clientEnvelope(t, events.TypeJobCancel, CancelRequest{ID: it.ID})
	bus.Publish(ok)
	waitFor(t, func() bool { return r.Explain(ok.ID) != nil })
	if d := r.Explain(ok.ID); d.Outcome != OutcomeCancelled || d.JobID != it.ID {
		t.Errorf("decision = %+v", d)
	}

	missing := clientEnvelope(t, events.TypeJobCancel, CancelRequest{ID: "nope"})
	bus.Publish(missing)
	got := replies.wait(t, 1)
	if got[0].CorrelationID != missing.ID {
		t.Errorf("error correlation = %q", got[0].CorrelationID)
	}
}

func TestExecuteDefersWhileLoading(t *testing.T) {
	a := &fakeAddons{loading: true}
	r := NewRouter(nil, Config{Addons: a})
	it := &queue.Item{ID: queue.NewID(), Type: "images:download:request", CorrelationID: "c-1", Source: "extension-1", Payload: json.RawMessage(`{"url":"x"}`)}

	_, err := r.Execute(context.Background(), it)
	if !queue.IsDeferred(err) || !errors.Is(err, addon.ErrLoading) {
		t.Fatalf("Execute while loading = %v, want deferred ErrLoading", err)
	}

	a.mu.Lock()
	a.loading = false
	a.mu.Unlock()
	out, err := r.Execute(context.Background(), it)
	if err != nil || string(out) != `{"saved":"a.png"}` {
		t.Fatalf("Execute = (%s, %v)", out, err)
	}
	env := a.invoked[len(a.invoked)-1]
	if env.Type != it.Type || env.CorrelationID != "c-1" || string(env.Payload) != `{"url":"x"}` {
		t.Errorf("invoked with %+v", env)
	}
}

func TestEndToEndWithQueue(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close(context.Background())
	a := &fakeAddons{}
	r := NewRouter(slog.Default(), Config{Addons: a, Bus: bus})
	q := queue.New(queue.Config{Bus: bus, Workers: 2, PollInterval: 5 * time.Millisecond}, queue.NewMemStore(), r.Execute)
	r.config.Queue = q
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	}()
	r.Start()
	defer r.Stop()
	completed := collect(bus, events.TypeItemCompleted)

	env := clientEnvelope(t, "images:download:request", map[string]string{"url": "https://example.com/a.png"})
	bus.Publish(env)

	got := completed.wait(t, 1)
	if got[0].CorrelationID != env.ID {
		t.Errorf("completion correlation = %q, want %q", got[0].CorrelationID, env.ID)
	}
	var ev queue.ItemEvent
	if err := json.Unmarshal(got[0].Payload, &ev); err != nil || string(ev.Result) != `{"saved":"a.png"}` {
		t.Errorf("completion = %+v (%v)", ev, err)
	}
}

// failingHandler fails every call with a transient error.
type failingHandler struct{ calls atomic.Int32 }

func (h *failingHandler) Supports(string) bool { return true }

func (h *failingHandler) Handle(context.Context, events.Envelope) (json.RawMessage, error) {
	h.calls.Add(1)
	return nil, errs.Transient("images.download", errors.New("connection reset"))
}

func TestFailingAddonDegradesAndJobDeadLetters(t *testing.T) {
	const maxAttempts = 5
	bus := events.NewBus()
	defer bus.Close(context.Background())
	deadLettered := collect(bus, events.TypeItemDeadLettered)
	states := collect(bus, events.TypeAddonState)

	h := &failingHandler{}
	m := addon.NewManager(addon.Config{Bus: bus, DegradeThreshold: 3})
	defer m.Close()
	err := m.Register(context.Background(), addon.Definition{
		Manifest: addon.Manifest{Name: "images", Version: "1.0.0", SupportedTypes: []string{"images:*"}},
		Load:     func(context.Context) (addon.Handler, error) { return h, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Load("images"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, _ := m.Status("images")
		return st.State == addon.StateReady
	})

	r := NewRouter(slog.Default(), Config{Addons: m, Bus: bus})
	q := queue.New(queue.Config{
		Bus:          bus,
		Workers:      1,
		MaxAttempts:  maxAttempts,
		BackoffBase:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, queue.NewMemStore(), r.Execute)
	r.config.Queue = q
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	}()
	r.Start()
	defer r.Stop()

	bus.Publish(clientEnvelope(t, "images:download:request", map[string]string{"url": "https://example.com/a.png"}))

	got := deadLettered.wait(t, 1)
	var ev queue.ItemEvent
	if err := json.Unmarshal(got[0].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Item.Attempts != maxAttempts {
		t.Errorf("dead-lettered after %d attempts, want %d", ev.Item.Attempts, maxAttempts)
	}
	// The addon degrades at the third failure; the queue keeps invoking it.
	if n := h.calls.Load(); n != maxAttempts {
		t.Errorf("handler called %d times, want %d", n, maxAttempts)
	}
	if st, _ := m.Status("images"); st.State != addon.StateDegraded {
		t.Errorf("addon state = %v, want degraded", st.State)
	}
	toDegraded := func() int {
		n := 0
		for _, env := range states.wait(t, 1) {
			var se addon.StateEvent
			if env.Decode(&se) == nil && se.To == addon.StateDegraded {
				n++
			}
		}
		return n
	}
	waitFor(t, func() bool { return toDegraded() > 0 })

	time.Sleep(50 * time.Millisecond)
	if n := toDegraded(); n != 1 {
		t.Errorf("saw %d transitions to degraded, want 1", n)
	}
	if n := len(deadLettered.wait(t, 1)); n != 1 {
		t.Errorf("%d dead-letter envelopes, want 1", n)
	}
	if n := h.calls.Load(); n != maxAttempts {
		t.Errorf("handler called %d times after dead-lettering, want %d", n, maxAttempts)
	}
}

func TestAuditLogBounded(t *testing.T) {
	r := NewRouter(nil, Config{MaxAuditLog: 3})
	for i := range 5 {
		r.recordDecision(Decision{EnvelopeID: string(rune('a' + i)), Outcome: OutcomeAccepted, Addon: "images"})
	}
	log := r.GetAuditLog(0)
	if len(log) != 3 || log[0].EnvelopeID != "c" || log[2].EnvelopeID != "e" {
		t.Errorf("audit log = %+v", log)
	}
	if got := r.GetAuditLog(1); len(got) != 1 || got[0].EnvelopeID != "e" {
		t.Errorf("GetAuditLog(1) = %+v", got)
	}
	if r.Explain("a") != nil {
		t.Error("evicted decision still explained")
	}
	s := r.GetStats()
	if s.TotalRequests != 5 || s.AddonCounts["images"] != 5 {
		t.Errorf("stats = %+v", s)
	}
}
