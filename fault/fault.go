// Package fault classifies errors into the kinds the retry machinery cares
// about. Node wrappers retry transient, rate-limit and timeout faults;
// validation and permanent faults fail fast.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error classification.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as permanent.
	KindUnknown Kind = iota
	// KindTransient is a temporary failure (network blip, upstream 5xx).
	KindTransient
	// KindRateLimited is an upstream or local rate-limit rejection.
	KindRateLimited
	// KindTimeout is a wall-clock timeout on a node or external call.
	KindTimeout
	// KindInvalid is a parameter-validation or schema violation.
	KindInvalid
	// KindPermanent is an unrecoverable external failure.
	KindPermanent
)

// String returns the kind label used in error records.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindInvalid:
		return "invalid"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as a temporary failure.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// RateLimited marks err as a rate-limit rejection.
func RateLimited(err error) error {
	return &Error{Kind: KindRateLimited, Err: err}
}

// Timeout marks err as a wall-clock timeout.
func Timeout(err error) error {
	return &Error{Kind: KindTimeout, Err: err}
}

// Invalid marks err as a validation failure.
func Invalid(err error) error {
	return &Error{Kind: KindInvalid, Err: err}
}

// Permanent marks err as unrecoverable.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, v ...any) error {
	return Transient(fmt.Errorf(format, v...))
}

// Invalidf is shorthand for Invalid(fmt.Errorf(...)).
func Invalidf(format string, v ...any) error {
	return Invalid(fmt.Errorf(format, v...))
}

// KindOf returns the classification of err. context.DeadlineExceeded is a
// timeout even when unwrapped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether err should trigger a retry: timeouts,
// transient network errors and rate-limit rejections qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}
