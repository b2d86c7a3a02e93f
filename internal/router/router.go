// Package router connects the bus to the job queue and the queue to the
// addons. Domain envelopes and explicit queue:job:submit requests become
// jobs; claimed jobs are executed by invoking the owning addon.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/semantest/docs-sub005/internal/addon"
	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/queue"
)

// Queue is the part of *queue.Queue the router drives.
type Queue interface {
	Submit(ctx context.Context, sub queue.Submission) (*queue.Item, bool, error)
	Cancel(ctx context.Context, id string) (*queue.Item, error)
}

// Addons is the part of *addon.Manager the router drives.
type Addons interface {
	Route(typ string) (string, bool)
	SupportedTypes() []string
	Invoke(ctx context.Context, env events.Envelope) (json.RawMessage, error)
}

// JobRequest is the payload of queue:job:submit.
type JobRequest struct {
	Type           string          `json:"type"`
	Priority       string          `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// CancelRequest is the payload of queue:job:cancel.
type CancelRequest struct {
	ID string `json:"id"`
}

// Outcome of one routing decision.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancel_requested"
)

// Decision records what the router did with one envelope.
type Decision struct {
	EnvelopeID string    `json:"envelope_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	Addon      string    `json:"addon,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// Stats counts routing outcomes.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	Outcomes      map[string]int64 `json:"outcomes"`
	AddonCounts   map[string]int64 `json:"addon_counts"`
}

// Config holds router configuration.
type Config struct {
	Queue  Queue
	Addons Addons
	Bus    *events.Bus
	Logger *slog.Logger
	// MaxAuditLog is how many decisions to keep in memory.
	MaxAuditLog int
	// SubmitTimeout bounds one submission. Default 5s.
	SubmitTimeout time.Duration
}

// Router routes envelopes into the queue.
type Router struct {
	logger *slog.Logger
	config Config
	// seen drops the second delivery of an envelope that matched two
	// overlapping addon patterns.
	seen *lru.Cache[string, struct{}]

	unsubs []func()

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 5 * time.Second
	}
	seen, _ := lru.New[string, struct{}](4096)
	return &Router{
		logger:   logger,
		config:   config,
		seen:     seen,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			Outcomes:    make(map[string]int64),
			AddonCounts: make(map[string]int64),
		},
	}
}

// Start subscribes to the job control types and to every supported
// type of every registered addon.
func (r *Router) Start() {
	bus := r.config.Bus
	r.unsubs = append(r.unsubs,
		bus.Subscribe(events.TypeJobSubmit, r.handleSubmit),
		bus.Subscribe(events.TypeJobCancel, r.handleCancel),
	)
	for _, p := range Patterns(r.config.Addons.SupportedTypes()) {
		r.unsubs = append(r.unsubs, bus.Subscribe(p, r.handleDomain))
	}
	r.logger.Info("router started", "subscriptions", len(r.unsubs))
}

// Stop removes the bus subscriptions.
func (r *Router) Stop() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// Patterns turns addon supported types into bus patterns. A plain type
// prefix covers the type itself and everything below it.
func Patterns(supported []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, t := range supported {
		if strings.HasSuffix(t, "*") {
			add(t)
			continue
		}
		add(t)
		add(t + ":*")
	}
	return out
}

// Execute runs one claimed job on its addon. It is the queue's
// ExecuteFunc. A job whose addon is still loading is deferred without
// spending an attempt.
func (r *Router) Execute(ctx context.Context, it *queue.Item) (json.RawMessage, error) {
	env := events.Envelope{
		ID:            it.ID,
		Type:          it.Type,
		Timestamp:     time.Now().UTC(),
		CorrelationID: it.CorrelationID,
		Source:        it.Source,
		Payload:       it.Payload,
		Version:       events.Version,
	}
	out, err := r.config.Addons.Invoke(ctx, env)
	if errors.Is(err, addon.ErrLoading) {
		return nil, queue.Defer(err)
	}
	return out, err
}

func (r *Router) handleDomain(ctx context.Context, env events.Envelope) error {
	if hubSource(env.Source) {
		return nil
	}
	if seen, _ := r.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		return nil
	}
	name, ok := r.config.Addons.Route(env.Type)
	if !ok {
		return nil
	}
	r.submit(ctx, env, name, queue.Submission{
		Type:           env.Type,
		Priority:       queue.PriorityNormal,
		Payload:        env.Payload,
		IdempotencyKey: env.ID,
		CorrelationID:  env.Correlation(),
		Source:         env.Source,
	})
	return nil
}

func (r *Router) handleSubmit(ctx context.Context, env events.Envelope) error {
	var req JobRequest
	if err := env.Decode(&req); err != nil {
		r.reject(env, "", err)
		return nil
	}
	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		r.reject(env, "", errs.Validation("router.submit", err.Error()))
		return nil
	}
	name, ok := r.config.Addons.Route(req.Type)
	if !ok {
		r.reject(env, "", errs.Validationf("router.submit", "no addon supports %q", req.Type))
		return nil
	}
	key := req.IdempotencyKey
	if key == "" {
		key = env.ID
	}
	r.submit(ctx, env, name, queue.Submission{
		Type:           req.Type,
		Priority:       prio,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: key,
		CorrelationID:  env.Correlation(),
		Source:         env.Source,
	})
	return nil
}

func (r *Router) submit(ctx context.Context, env events.Envelope, addonName string, sub queue.Submission) {
	sctx, cancel := context.WithTimeout(ctx, r.config.SubmitTimeout)
	defer cancel()

	it, dup, err := r.config.Queue.Submit(sctx, sub)
	if err != nil {
		r.reject(env, addonName, err)
		return
	}

	d := Decision{
		EnvelopeID: env.ID,
		Timestamp:  time.Now(),
		Type:       sub.Type,
		Source:     env.Source,
		Addon:      addonName,
		JobID:      it.ID,
		Priority:   sub.Priority.String(),
		Outcome:    OutcomeAccepted,
	}
	if dup {
		// The queue only announces new items; a duplicate gets its
		// acknowledgement here.
		d.Outcome = OutcomeDuplicate
		d.Reason = "idempotency key matches a live job"
		r.publish(env, events.TypeItemAccepted, queue.ItemEvent{Item: it})
	}
	r.recordDecision(d)
	r.logger.Debug("job routed", "envelope", env.ID, "job", it.ID, "addon", addonName, "outcome", d.Outcome)
}

func (r *Router) handleCancel(ctx context.Context, env events.Envelope) error {
	var req CancelRequest
	if err := env.Decode(&req); err != nil || req.ID == "" {
		r.reject(env, "", errs.Validation("router.cancel", "payload must be {\"id\": \"<job id>\"}"))
		return nil
	}
	it, err := r.config.Queue.Cancel(ctx, req.ID)
	if errors.Is(err, queue.ErrNotFound) {
		r.reject(env, "", errs.Validationf("router.cancel", "job %s not found", req.ID))
		return nil
	}
	if err != nil {
		r.reject(env, "", err)
		return nil
	}
	r.recordDecision(Decision{
		EnvelopeID: env.ID,
		Timestamp:  time.Now(),
		Type:       env.Type,
		Source:     env.Source,
		JobID:      it.ID,
		Outcome:    OutcomeCancelled,
		Reason:     "status " + string(it.Status),
	})
	return nil
}

// reject answers the submitter with a server:error correlated to its
// envelope.
func (r *Router) reject(env events.Envelope, addonName string, err error) {
	r.recordDecision(Decision{
		EnvelopeID: env.ID,
		Timestamp:  time.Now(),
		Type:       env.Type,
		Source:     env.Source,
		Addon:      addonName,
		Outcome:    OutcomeRejected,
		Reason:     err.Error(),
	})
	r.logger.Info("job rejected", "envelope", env.ID, "type", env.Type, "kind", errs.KindOf(err), "error", err)
	r.publish(env, events.TypeServerError, events.ServerError{Code: errs.Code(err), Message: err.Error()})
}

func (r *Router) publish(to events.Envelope, typ string, payload any) {
	env, err := events.Reply(to, typ, events.SourceRouter, payload)
	if err != nil {
		r.logger.Error("build router reply", "type", typ, "error", err)
		return
	}
	r.config.Bus.Publish(env)
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.Outcomes[d.Outcome]++
	if d.Addon != "" {
		r.stats.AddonCounts[d.Addon]++
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		TotalRequests: r.stats.TotalRequests,
		Outcomes:      make(map[string]int64, len(r.stats.Outcomes)),
		AddonCounts:   make(map[string]int64, len(r.stats.AddonCounts)),
	}
	for k, v := range r.stats.Outcomes {
		s.Outcomes[k] = v
	}
	for k, v := range r.stats.AddonCounts {
		s.AddonCounts[k] = v
	}
	return s
}

// Explain returns the decision made for an envelope, or nil.
func (r *Router) Explain(envelopeID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].EnvelopeID == envelopeID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func hubSource(source string) bool {
	return source == events.SourceHub || strings.HasPrefix(source, events.SourceHub+".")
}
