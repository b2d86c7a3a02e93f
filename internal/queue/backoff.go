package queue

import (
	"errors"
	"fmt"
	"time"
)

// Backoff computes retry delays: Base·2^attempts, plus or minus a
// random jitter of up to Base, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempts. rnd returns a
// value in [0, 1).
func (b Backoff) Delay(attempts int, rnd func() float64) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	d := b.Base << uint(attempts)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}

	jitter := time.Duration((rnd()*2 - 1) * float64(b.Base))
	d += jitter
	if d < 0 {
		d = 0
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// deferError marks a failure that should not count as an attempt.
type deferError struct {
	err error
}

func (e *deferError) Error() string { return fmt.Sprintf("deferred: %v", e.err) }
func (e *deferError) Unwrap() error { return e.err }

// Defer wraps err so the worker puts the item back to Pending after
// the hold delay without consuming an attempt. Used while the target
// addon is still loading.
func Defer(err error) error {
	if err == nil {
		err = errors.New("not ready")
	}
	return &deferError{err: err}
}

// IsDeferred reports whether err was produced by Defer.
func IsDeferred(err error) bool {
	var d *deferError
	return errors.As(err, &d)
}
