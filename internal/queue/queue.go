package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultWorkers      = 4
	DefaultMaxPending   = 10000
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	DefaultHoldDelay    = 2 * time.Second
	DefaultPollInterval = time.Second
	DefaultRecentSize   = 1024
)

// errShutdown cancels in-flight attempts when Stop runs out of time.
var errShutdown = errors.New("queue shutting down")

// ExecuteFunc runs one attempt of an item and returns its result.
// Return Defer(err) to hold the item without consuming an attempt.
type ExecuteFunc func(ctx context.Context, it *Item) (json.RawMessage, error)

// Config configures a Queue.
type Config struct {
	Workers     int
	MaxPending  int
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	// HoldDelay is how long a deferred item waits before it is
	// claimable again.
	HoldDelay    time.Duration
	PollInterval time.Duration
	// LaneQuota, when positive, makes every LaneQuota-th claim try the
	// Normal and Low lanes before High.
	LaneQuota int
	// AttemptTimeout bounds one attempt. Zero leaves the bound to the
	// executor.
	AttemptTimeout time.Duration
	// RecentSize is how many finished items stay visible to Get.
	RecentSize int

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now and Rand override the clock and jitter source in tests.
	Now  func() time.Time
	Rand func() float64
}

// ItemEvent is the payload of every queue:item:* envelope.
type ItemEvent struct {
	Item      *Item           `json:"item"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// Queue runs a worker pool over a Backend.
type Queue struct {
	cfg     Config
	store   Backend
	execute ExecuteFunc
	backoff Backoff
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	rand    func() float64

	submitMu sync.Mutex
	wake     chan struct{}
	recent   *lru.Cache[string, *Item]
	claims   atomic.Uint64
	busy     atomic.Int32

	mu        sync.Mutex
	running   map[string]context.CancelCauseFunc
	// early holds cancellations that arrived after Claim but before the
	// attempt registered in running.
	early     *lru.Cache[string, struct{}]
	started   bool
	stop      chan struct{}
	runCtx    context.Context
	runCancel context.CancelCauseFunc
	wg        sync.WaitGroup
}

// New creates a queue. Call Start to launch the workers.
func New(cfg Config, store Backend, execute ExecuteFunc) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HoldDelay <= 0 {
		cfg.HoldDelay = DefaultHoldDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = DefaultRecentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	// Only fails for a non-positive size, which is excluded above.
	recent, _ := lru.New[string, *Item](cfg.RecentSize)
	early, _ := lru.New[string, struct{}](1024)

	return &Queue{
		cfg:     cfg,
		store:   store,
		execute: execute,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.MaxBackoff},
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		rand:    cfg.Rand,
		wake:    make(chan struct{}, 1),
		recent:  recent,
		running: make(map[string]context.CancelCauseFunc),
		early:   early,
	}
}

// Start recovers items left in flight by a previous run and launches
// the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}

	n, err := q.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		q.logger.Warn("recovered in-flight items from previous run", "count", n)
	}

	q.started = true
	q.stop = make(chan struct{})
	q.runCtx, q.runCancel = context.WithCancelCause(context.WithoutCancel(ctx))
	for i := range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker(fmt.Sprintf("worker-%d", i))
	}
	q.wg.Add(1)
	go q.monitor()

	q.logger.Info("job queue started",
		"workers", q.cfg.Workers,
		"max_pending", q.cfg.MaxPending,
		"max_attempts", q.cfg.MaxAttempts,
		"lane_quota", q.cfg.LaneQuota,
	)
	return nil
}

// Stop stops claiming new items and waits for in-flight attempts until
// ctx ends. Attempts still running then are cancelled and their items
// return to Pending without consuming an attempt.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.runCancel(errShutdown)
		return nil
	case <-ctx.Done():
		q.runCancel(errShutdown)
		<-done
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

// Submit validates and enqueues a job. When the idempotency key matches
// a live item, that item is returned with duplicate set and nothing is
// enqueued.
func (q *Queue) Submit(ctx context.Context, sub Submission) (it *Item, duplicate bool, err error) {
	if err := q.validate(&sub); err != nil {
		return nil, false, err
	}

	q.submitMu.Lock()
	it, duplicate, err = q.enqueueLocked(ctx, sub)
	q.submitMu.Unlock()
	if err != nil || duplicate {
		return it, duplicate, err
	}

	q.metrics.JobSubmitted(it.Priority.String())
	q.logger.Debug("job accepted", "id", it.ID, "type", it.Type, "priority", it.Priority)
	q.publish(events.TypeItemAccepted, it, ItemEvent{Item: it})
	q.signal()
	return it, false, nil
}

func (q *Queue) validate(sub *Submission) error {
	const op = "queue.submit"
	if !events.ValidType(sub.Type) {
		return errs.Validationf(op, "job type %q is not domain:entity:action", sub.Type)
	}
	if !sub.Priority.Valid() {
		return errs.Validationf(op, "invalid priority %d", int(sub.Priority))
	}
	if sub.MaxAttempts < 0 {
		return errs.Validation(op, "maxAttempts must not be negative")
	}
	if sub.MaxAttempts == 0 {
		sub.MaxAttempts = q.cfg.MaxAttempts
	}
	if len(sub.Payload) == 0 {
		sub.Payload = json.RawMessage("null")
	}
	if !json.Valid(sub.Payload) {
		return errs.Validation(op, "payload is not valid JSON")
	}
	return nil
}

func (q *Queue) enqueueLocked(ctx context.Context, sub Submission) (*Item, bool, error) {
	if sub.IdempotencyKey != "" {
		existing, err := q.store.FindActive(ctx, sub.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, errs.Transient("queue.submit", err)
		}
	}

	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, false, errs.Transient("queue.submit", err)
	}
	if live := counts[StatusPending] + counts[StatusInFlight] + counts[StatusFailed]; live >= q.cfg.MaxPending {
		return nil, false, errs.Capacity("queue.submit", q.cfg.MaxPending)
	}

	it := &Item{
		Type:           sub.Type,
		Priority:       sub.Priority,
		Payload:        append(json.RawMessage(nil), sub.Payload...),
		MaxAttempts:    sub.MaxAttempts,
		IdempotencyKey: sub.IdempotencyKey,
		CorrelationID:  sub.CorrelationID,
		Source:         sub.Source,
		EnqueuedAt:     q.now(),
	}
	id, err := q.store.Enqueue(ctx, it)
	if errors.Is(err, ErrDuplicate) {
		existing, gerr := q.store.Get(ctx, id)
		if gerr != nil {
			return nil, false, errs.Transient("queue.submit", gerr)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, errs.Transient("queue.submit", err)
	}
	return it.Clone(), false, nil
}

// Cancel cancels a job. Pending and Failed items are removed at once;
// an in-flight item has its attempt context cancelled with ErrCancelled
// and is removed when the worker returns. Cancelling a finished item is
// a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) (*Item, error) {
	it, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if done, ok := q.recent.Get(id); ok {
			return done.Clone(), nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	switch it.Status {
	case StatusPending, StatusFailed:
		removed, err := q.store.Remove(ctx, id)
		if errors.Is(err, ErrInvalidState) {
			// Claimed between Get and Remove.
			return q.cancelRunning(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		removed.Status = StatusCancelled
		q.finish(removed)
		q.metrics.JobAttempt("cancelled", 0)
		q.publish(events.TypeItemCancelled, removed, ItemEvent{Item: removed})
		return removed.Clone(), nil
	case StatusInFlight:
		return q.cancelRunning(ctx, id)
	default:
		return it, nil
	}
}

func (q *Queue) cancelRunning(ctx context.Context, id string) (*Item, error) {
	q.mu.Lock()
	cancel, ok := q.running[id]
	if !ok {
		q.early.Add(id, struct{}{})
	}
	q.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	q.logger.Info("cancellation requested for in-flight job", "id", id, "started", ok)
	return q.Get(ctx, id)
}

// Get returns a live or recently finished item.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	it, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if done, ok := q.recent.Get(id); ok {
			return done.Clone(), nil
		}
	}
	return it, err
}

// List returns items with the given status. Completed and cancelled
// items come from the recent-outcome cache.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Item, error) {
	if status == StatusCompleted || status == StatusCancelled {
		var out []*Item
		for _, it := range q.recent.Values() {
			if it.Status != status {
				continue
			}
			out = append(out, it.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out, nil
	}
	return q.store.List(ctx, status, limit)
}

// Stats returns queue depth and worker utilisation.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counts:  counts,
		Live:    counts[StatusPending] + counts[StatusInFlight] + counts[StatusFailed],
		Workers: q.cfg.Workers,
		Busy:    int(q.busy.Load()),
	}, nil
}

// Requeue moves a dead-lettered item back to Pending with a fresh
// retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) (*Item, error) {
	it, err := q.store.Requeue(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	q.logger.Info("dead-lettered job requeued", "id", id, "type", it.Type)
	q.publish(events.TypeItemAccepted, it, ItemEvent{Item: it})
	q.signal()
	return it, nil
}

// signal wakes one idle worker without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// finish records a terminal item in the recent-outcome cache.
func (q *Queue) finish(it *Item) {
	it.Owner = ""
	it.UpdatedAt = q.now()
	q.recent.Add(it.ID, it.Clone())
}

func (q *Queue) publish(typ string, it *Item, ev ItemEvent) {
	env, err := events.New(typ, events.SourceQueue, ev)
	if err != nil {
		q.logger.Error("build queue event", "type", typ, "id", it.ID, "error", err)
		return
	}
	if it.CorrelationID != "" {
		env = env.WithCorrelation(it.CorrelationID)
	}
	q.bus.Publish(env)
}

// monitor refreshes the depth gauges.
func (q *Queue) monitor() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			counts, err := q.store.Counts(q.runCtx)
			if err != nil {
				q.logger.Warn("queue depth refresh failed", "error", err)
				continue
			}
			for st, n := range counts {
				q.metrics.QueueDepth(string(st), n)
			}
		}
	}
}
