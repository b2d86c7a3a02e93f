// Package events defines the hub's envelope and the in-process
// publish/subscribe bus every other component talks through.
//
// Each subscription owns a buffered mailbox drained by a single
// goroutine, which gives per-subscriber FIFO delivery while keeping
// Publish non-blocking: a subscriber whose mailbox is full misses the
// envelope rather than stalling the publisher. Handlers run under an
// enforced timeout. A handler that returns an error, panics or times out
// is reported as a system:handler:error envelope and never affects
// delivery to other subscribers.
//
// The bus is nil-safe for publishers: calling Publish on a nil *Bus is
// a no-op, so optional components do not need guard checks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Default bus settings.
const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultMailboxSize    = 1024
)

// ErrHandlerTimeout is reported when a handler exceeds the bus timeout.
var ErrHandlerTimeout = errors.New("handler timed out")

// ErrClosed is returned by futures of a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler processes one envelope. The context is cancelled when the
// handler timeout elapses.
type Handler func(ctx context.Context, env Envelope) error

// Observer receives bus activity counts. *metrics.Metrics implements it.
type Observer interface {
	BusPublished(typ string)
	BusDropped(pattern string)
	BusHandlerFailed(pattern string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMailboxSize sets the per-subscriber buffer.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithObserver attaches an activity observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.obs = o }
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	mailbox chan Envelope
}

// Bus is an explicitly constructed publish/subscribe router. Create it
// at process start with NewBus and shut it down with Close.
type Bus struct {
	logger      *slog.Logger
	timeout     time.Duration
	mailboxSize int
	obs         Observer

	// base is cancelled when Close gives up waiting, which releases
	// handlers still blocked on their context.
	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	futMu   sync.Mutex
	futures map[string][]*Future
}

// NewBus creates a bus ready for use.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default(),
		timeout:     DefaultHandlerTimeout,
		mailboxSize: DefaultMailboxSize,
		subs:        make(map[uint64]*subscription),
		futures:     make(map[string][]*Future),
	}
	for _, o := range opts {
		o(b)
	}
	b.base, b.baseCancel = context.WithCancel(context.Background())
	return b
}

// Match reports whether an envelope type matches a subscription
// pattern. "*" matches everything, a trailing "*" is a prefix match,
// anything else must be equal.
func Match(pattern, typ string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(typ, pattern[:len(pattern)-1])
	default:
		return pattern == typ
	}
}

// Subscribe registers h for envelopes whose type matches pattern and
// returns the function that removes the subscription. Envelopes already
// in the mailbox are still delivered after unsubscribe. Subscribing to
// a closed bus returns a no-op unsubscribe.
func (b *Bus) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	s := &subscription{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		mailbox: make(chan Envelope, b.mailboxSize),
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	go b.consume(s)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.mailbox)
}

// Publish delivers env to every matching subscriber and resolves any
// future waiting on its correlation id. Non-blocking. Safe to call on a
// nil receiver (no-op).
func (b *Bus) Publish(env Envelope) {
	if b == nil {
		return
	}
	b.resolve(env)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if b.obs != nil {
		b.obs.BusPublished(env.Type)
	}
	for _, s := range b.subs {
		if !Match(s.pattern, env.Type) {
			continue
		}
		select {
		case s.mailbox <- env:
		default:
			// Mailbox full: drop for this subscriber rather than block.
			if b.obs != nil {
				b.obs.BusDropped(s.pattern)
			}
			b.logger.Warn("bus subscriber mailbox full, envelope dropped",
				"pattern", s.pattern,
				"type", env.Type,
				"id", env.ID,
			)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting envelopes, lets every subscriber drain its
// mailbox and waits for them until ctx expires. Handlers still running
// at that point have their context cancelled.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.mailbox)
	}
	b.mu.Unlock()

	b.futMu.Lock()
	for key, list := range b.futures {
		for _, f := range list {
			f.fail(ErrClosed)
		}
		delete(b.futures, key)
	}
	b.futMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.baseCancel()
		return nil
	case <-ctx.Done():
		b.baseCancel()
		return fmt.Errorf("bus drain: %w", ctx.Err())
	}
}

func (b *Bus) consume(s *subscription) {
	defer b.wg.Done()
	for env := range s.mailbox {
		if err := b.invoke(s, env); err != nil {
			b.reportFailure(s, env, err)
		}
	}
}

// invoke runs one handler call under the bus timeout. A handler that
// ignores its context keeps running in the background after the
// timeout; the subscriber moves on to its next envelope.
func (b *Bus) invoke(s *subscription, env Envelope) error {
	ctx, cancel := context.WithTimeout(b.base, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- s.handler(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, b.timeout)
		}
		return ctx.Err()
	}
}

func (b *Bus) reportFailure(s *subscription, env Envelope, err error) {
	if b.obs != nil {
		b.obs.BusHandlerFailed(s.pattern)
	}
	b.logger.Warn("bus handler failed",
		"pattern", s.pattern,
		"type", env.Type,
		"id", env.ID,
		"error", err,
	)

	// Failures while handling a failure report are only logged, so a
	// broken error subscriber cannot feed itself.
	if env.Type == TypeHandlerError {
		return
	}

	payload, mErr := json.Marshal(HandlerError{
		Envelope: env,
		Error:    err.Error(),
		Pattern:  s.pattern,
	})
	if mErr != nil {
		b.logger.Error("marshal handler error", "error", mErr)
		return
	}
	report, rErr := Reply(env, TypeHandlerError, SourceBus, json.RawMessage(payload))
	if rErr != nil {
		b.logger.Error("build handler error envelope", "error", rErr)
		return
	}
	b.Publish(report)
}
