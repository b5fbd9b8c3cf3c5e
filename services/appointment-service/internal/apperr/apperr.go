// Package apperr defines the error taxonomy shared by the booking
// orchestrator, the lifecycle engine, and the HTTP layer. A request-driven
// operation that returns one of these aborts its surrounding transaction; the
// handler maps the kind to a status code.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindTimingViolation
	KindAlreadyReported
	KindInsufficientFunds
	KindNoSessionsRemaining
	KindSlotUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindForbidden:
		return "FORBIDDEN"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindTimingViolation:
		return "TIMING_VIOLATION"
	case KindAlreadyReported:
		return "ALREADY_REPORTED"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindNoSessionsRemaining:
		return "NO_SESSIONS_REMAINING"
	case KindSlotUnavailable:
		return "SLOT_UNAVAILABLE"
	}
	return "UNKNOWN"
}

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func TimingViolation(format string, args ...any) *Error {
	return New(KindTimingViolation, format, args...)
}

func AlreadyReported(format string, args ...any) *Error {
	return New(KindAlreadyReported, format, args...)
}

func InsufficientFunds(format string, args ...any) *Error {
	return New(KindInsufficientFunds, format, args...)
}

func NoSessionsRemaining(format string, args ...any) *Error {
	return New(KindNoSessionsRemaining, format, args...)
}

func SlotUnavailable(format string, args ...any) *Error {
	return New(KindSlotUnavailable, format, args...)
}

// KindOf unwraps err and returns its taxonomy kind, or KindUnknown for
// infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
