// Package errs classifies hub failures into the four kinds that decide
// how a failure is handled: validation failures are rejected and never
// retried, transient failures are retried with backoff, addon-unavailable
// failures are dead-lettered, and capacity failures are rejected at
// submission.
//
// Errors that were never classified are treated as transient, so an
// unexpected failure costs a retry instead of a lost job.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the handling class of an error.
type Kind int

const (
	// KindTransient covers network failures and timeouts. Retried with backoff.
	KindTransient Kind = iota
	// KindValidation covers malformed envelopes and jobs. Never retried.
	KindValidation
	// KindAddonUnavailable means the addon that owns a job is Failed or
	// never finished loading. The job is dead-lettered.
	KindAddonUnavailable
	// KindCapacity means the queue is full. The submission is rejected.
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindAddonUnavailable:
		return "addon_unavailable"
	case KindCapacity:
		return "capacity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Wire error codes carried in server:error payloads.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeAddonUnavailable = "ADDON_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// Error is a classified error. Op names the operation that failed
// ("queue.Submit", "gateway.decode"); Msg is a short human summary.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation-class error.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// Validationf is Validation with a formatted message.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// AddonUnavailable reports that addon cannot take work.
func AddonUnavailable(addon string, err error) error {
	return &Error{Kind: KindAddonUnavailable, Op: "addon." + addon, Msg: "addon unavailable", Err: err}
}

// Capacity reports a full queue.
func Capacity(op string, limit int) error {
	return &Error{Kind: KindCapacity, Op: op, Msg: fmt.Sprintf("queue full (limit %d)", limit)}
}

// Wrap attaches kind to err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors,
// including context deadlines, are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsValidation reports whether err is validation-class.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsTransient reports whether err is transient-class.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsAddonUnavailable reports whether err is addon-unavailable-class.
func IsAddonUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindAddonUnavailable
}

// IsCapacity reports whether err is capacity-class.
func IsCapacity(err error) bool { return err != nil && KindOf(err) == KindCapacity }

// Retryable reports whether a job that failed with err should be tried
// again. Cancellation of the caller's context is not retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Code maps err to its wire error code.
func Code(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return CodeInvalidMessage
	case KindCapacity:
		return CodeCapacityExceeded
	case KindAddonUnavailable:
		return CodeAddonUnavailable
	default:
		return CodeInternal
	}
}
