package queue

import (
	"context"
	"time"
)

// Store is the persistence boundary of the queue. These four calls are
// everything a durable backend must implement for the queue to run.
type Store interface {
	// Enqueue persists a new Pending item and returns its id. When the
	// item carries an idempotency key already held by a live item, the
	// existing id is returned with ErrDuplicate.
	Enqueue(ctx context.Context, it *Item) (string, error)

	// Claim atomically moves the oldest claimable item of the first
	// non-empty lane (in the given order) to InFlight, owned by
	// workerID. Returns ErrEmpty when nothing is claimable at now.
	Claim(ctx context.Context, workerID string, lanes []Priority, now time.Time) (*Item, error)

	// Ack completes and removes an item in flight for workerID.
	Ack(ctx context.Context, id, workerID string) error

	// Nack hands an in-flight item back with the given release state.
	Nack(ctx context.Context, id, workerID string, r Release) error
}

// Ledger holds the bookkeeping calls the operator surface needs.
type Ledger interface {
	Get(ctx context.Context, id string) (*Item, error)
	// FindActive returns the live item holding key, or ErrNotFound.
	FindActive(ctx context.Context, key string) (*Item, error)
	// Remove deletes a Pending or Failed item. Other statuses return
	// ErrInvalidState.
	Remove(ctx context.Context, id string) (*Item, error)
	Counts(ctx context.Context) (map[Status]int, error)
	// List returns items in claim order. An empty status lists all.
	List(ctx context.Context, status Status, limit int) ([]*Item, error)
	// Requeue moves a DeadLettered item back to Pending with its
	// attempts reset.
	Requeue(ctx context.Context, id string, now time.Time) (*Item, error)
	// Recover returns every InFlight item to Pending, for use at startup
	// after an unclean shutdown. Returns the number of items recovered.
	Recover(ctx context.Context) (int, error)
}

// Backend is a complete queue store.
type Backend interface {
	Store
	Ledger
	Close() error
}
