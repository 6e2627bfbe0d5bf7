/*
errors.go - Centralized error types for the engine

PURPOSE:
  Every failure a caller may need to branch on carries an ErrorKind.
  Callers use errors.Is with the sentinels below, or KindOf, and never
  match on message strings.

ERROR KINDS:
  NotFound      referenced student/schedule/membership absent
  Forbidden     caller lacks the admin or owner role
  Unauthorized  no authenticated caller
  Invalid       malformed input or a rule violation
  Conflict      operation not allowed in the current billing status
  Upstream      persistence or payment collaborator failure

USAGE:
  return generic.NotFound("billing.Approve", "schedule %s", id)

  if errors.Is(err, generic.ErrForbidden) { ... }

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP statuses
  - billing/service.go: Produces these errors
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("permission denied")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream failure")

	// ErrConcurrentModification is returned by stores when a conditional
	// update finds the row in a different state than expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// ERROR KIND
// =============================================================================

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindForbidden
	KindUnauthorized
	KindInvalid
	KindConflict
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream_failure"
	default:
		return "internal"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindForbidden:
		return ErrForbidden
	case KindUnauthorized:
		return ErrUnauthorized
	case KindInvalid:
		return ErrInvalid
	case KindConflict:
		return ErrConflict
	case KindUpstream:
		return ErrUpstream
	default:
		return nil
	}
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the tagged failure result of every engine operation.
type Error struct {
	Kind    ErrorKind
	Op      string // e.g. "billing.ApproveLessonSchedule"
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind ErrorKind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, nil, format+" not found", args...)
}

func Forbidden(op, format string, args ...any) error {
	return newError(KindForbidden, op, nil, format, args...)
}

func Unauthorized(op string) error {
	return newError(KindUnauthorized, op, nil, "authentication required")
}

func Invalid(op, format string, args ...any) error {
	return newError(KindInvalid, op, nil, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newError(KindConflict, op, nil, format, args...)
}

// Upstream wraps a collaborator failure; cause is kept for logs.
func Upstream(op string, cause error, format string, args ...any) error {
	return newError(KindUpstream, op, cause, format, args...)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies any error. Bare sentinels are recognised too.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []ErrorKind{KindNotFound, KindForbidden, KindUnauthorized, KindInvalid, KindConflict, KindUpstream} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindInternal
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the caller can fix the request.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindForbidden, KindUnauthorized, KindInvalid, KindConflict:
		return true
	}
	return false
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrUpstream)
}
