package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/parking-occupancy/internal/repository"
)

// Kind classifies a failed operation.  The HTTP layer maps kinds to status
// codes; callers branch on kinds, never on messages.
type Kind string

const (
	KindAlreadyOccupying  Kind = "ALREADY_OCCUPYING"
	KindLotFull           Kind = "LOT_FULL"
	KindLotNotFound       Kind = "LOT_NOT_FOUND"
	KindSpaceNotFound     Kind = "SPACE_NOT_FOUND"
	KindUserNotFound      Kind = "USER_NOT_FOUND"
	KindNoActiveSession   Kind = "NO_ACTIVE_SESSION"
	KindAlreadyPaid       Kind = "ALREADY_PAID"
	KindPaymentRequired   Kind = "PAYMENT_REQUIRED"
	KindSolvencyRequired  Kind = "SOLVENCY_REQUIRED"
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindStoreUnavailable  Kind = "STORE_UNAVAILABLE"
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindConflict          Kind = "CONFLICT"
)

// Error is the error type returned by every service operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later without any
// change of state by the caller.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimitExceeded || e.Kind == KindStoreUnavailable
}

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// FromStore translates repository errors.  Anything unrecognised means the
// store could not answer and is reported as retryable.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repository.ErrLotNotFound):
		return wrapError(KindLotNotFound, "parking lot not found", err)
	case errors.Is(err, repository.ErrSpaceNotFound):
		return wrapError(KindSpaceNotFound, "parking space not found", err)
	case errors.Is(err, repository.ErrUserNotFound):
		return wrapError(KindUserNotFound, "user not found", err)
	case errors.Is(err, repository.ErrNoFreeSpace):
		return wrapError(KindLotFull, "no free spaces in this lot", err)
	case errors.Is(err, repository.ErrConflict):
		return wrapError(KindConflict, err.Error(), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapError(KindStoreUnavailable, op+" timed out", err)
	default:
		return wrapError(KindStoreUnavailable, op+" failed", err)
	}
}
