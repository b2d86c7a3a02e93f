package events

import (
	"context"
	"fmt"
	"sync"
)

// Future resolves to the first envelope published with a given
// correlation id. It replaces callback chains for request/response
// exchanges over the bus.
type Future struct {
	bus   *Bus
	key   string
	match func(Envelope) bool

	once sync.Once
	ch   chan Envelope
	err  error
}

// Expect registers a future for correlationID. match, when non-nil,
// filters which correlated envelopes resolve it. The envelope whose own
// id equals correlationID (the request itself) never resolves it.
func (b *Bus) Expect(correlationID string, match func(Envelope) bool) *Future {
	f := &Future{
		bus:   b,
		key:   correlationID,
		match: match,
		ch:    make(chan Envelope, 1),
	}

	b.futMu.Lock()
	defer b.futMu.Unlock()
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		f.fail(ErrClosed)
		return f
	}
	b.futures[correlationID] = append(b.futures[correlationID], f)
	return f
}

// Request publishes env and waits for the first envelope correlated to
// it, bounded by ctx.
func (b *Bus) Request(ctx context.Context, env Envelope) (Envelope, error) {
	f := b.Expect(env.ID, nil)
	b.Publish(env)
	return f.Wait(ctx)
}

// Wait blocks until the future resolves or ctx ends. The future is
// deregistered either way.
func (f *Future) Wait(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-f.ch:
		if !ok {
			return Envelope{}, f.err
		}
		return env, nil
	case <-ctx.Done():
		f.Cancel()
		return Envelope{}, fmt.Errorf("await %s: %w", f.key, ctx.Err())
	}
}

// Cancel deregisters the future without resolving it.
func (f *Future) Cancel() {
	b := f.bus
	b.futMu.Lock()
	defer b.futMu.Unlock()
	list := b.futures[f.key]
	for i, other := range list {
		if other == f {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.futures, f.key)
	} else {
		b.futures[f.key] = list
	}
}

func (f *Future) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ch)
	})
}

func (f *Future) deliver(env Envelope) {
	f.once.Do(func() { f.ch <- env })
}

// resolve hands env to the futures waiting on its correlation id.
func (b *Bus) resolve(env Envelope) {
	if env.CorrelationID == "" || env.ID == env.CorrelationID {
		return
	}
	b.futMu.Lock()
	defer b.futMu.Unlock()

	list, ok := b.futures[env.CorrelationID]
	if !ok {
		return
	}
	remaining := list[:0]
	for _, f := range list {
		if f.match == nil || f.match(env) {
			f.deliver(env)
			continue
		}
		remaining = append(remaining, f)
	}
	if len(remaining) == 0 {
		delete(b.futures, env.CorrelationID)
	} else {
		b.futures[env.CorrelationID] = remaining
	}
}
