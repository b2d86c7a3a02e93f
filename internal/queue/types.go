// Package queue is the hub's durable priority job queue: three lanes
// with strict priority, atomic claims, retry with exponential backoff
// and jitter, and dead-lettering once the retry budget is spent.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no item has the given id.
	ErrNotFound = errors.New("queue item not found")
	// ErrEmpty is returned by Claim when nothing is claimable.
	ErrEmpty = errors.New("queue empty")
	// ErrDuplicate is returned by Enqueue alongside the id of the live
	// item already holding the idempotency key.
	ErrDuplicate = errors.New("duplicate idempotency key")
	// ErrNotOwner is returned by Ack and Nack when the item is not
	// in flight for the calling worker.
	ErrNotOwner = errors.New("item not owned by worker")
	// ErrInvalidState is returned for transitions the item's current
	// status does not allow.
	ErrInvalidState = errors.New("invalid item state")
	// ErrCancelled is the cancellation cause handed to a worker whose
	// in-flight item was cancelled.
	ErrCancelled = errors.New("job cancelled")
)

// Priority selects the lane an item waits in.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Lanes lists every priority in strict claim order.
var Lanes = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three lanes.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority parses a lane name. The empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is an item's position in its lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed" // waiting for NextRetryAt
	StatusDeadLettered Status = "dead_lettered"
	// StatusCancelled is never stored; it marks items that were
	// removed by Cancel in the recent-outcome cache.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every stored status.
var Statuses = []Status{StatusPending, StatusInFlight, StatusFailed, StatusCompleted, StatusDeadLettered}

// Live reports whether an item in this status still counts against
// capacity and holds its idempotency key.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusInFlight || s == StatusFailed
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered || s == StatusCancelled
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range append(Statuses, StatusCancelled) {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Item is one unit of queued work.
type Item struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	Status         Status          `json:"status"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	NextRetryAt    time.Time       `json:"nextRetryAt,omitzero"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Source         string          `json:"source,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Payload != nil {
		c.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return &c
}

// Claimable reports whether a worker may claim the item at now.
func (it *Item) Claimable(now time.Time) bool {
	if it.Status != StatusPending && it.Status != StatusFailed {
		return false
	}
	return it.NextRetryAt.IsZero() || !it.NextRetryAt.After(now)
}

// Submission is a request to enqueue work.
type Submission struct {
	Type           string          `json:"type"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// Release describes how Nack hands an in-flight item back.
type Release struct {
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	ErrorKind   string
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Counts  map[Status]int `json:"counts"`
	Live    int            `json:"live"`
	Workers int            `json:"workers"`
	Busy    int            `json:"busy"`
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
