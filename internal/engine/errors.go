package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
)

// ErrorCode categorizes orchestrator errors.
type ErrorCode string

const (
	// ErrCodeInvalidRequest: bad idempotency key, body mismatch, malformed
	// operation. Never retried.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeRetryableConflict: stale or inactive reference, transient
	// failure. Absorbed internally; only surfaces wrapped in ErrCodeExhausted.
	ErrCodeRetryableConflict ErrorCode = "RETRYABLE_CONFLICT"

	// ErrCodeBusinessRejection: the ledger's own rules declined the
	// operation (slippage, deadline, insufficient balance).
	ErrCodeBusinessRejection ErrorCode = "BUSINESS_REJECTION"

	// ErrCodeForbidden: the acting party lacks rights.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// ErrCodeVisibilityTimeout: the write committed but the visibility
	// barrier ran out of checks. Reported as Outcome.Warning, never returned.
	ErrCodeVisibilityTimeout ErrorCode = "VISIBILITY_TIMEOUT"

	// ErrCodeExhausted: still conflicting after every allowed attempt.
	// Callers should ask their client to refresh and retry.
	ErrCodeExhausted ErrorCode = "EXHAUSTED"

	// ErrCodeDuplicateInFlight: the same client key is already executing.
	ErrCodeDuplicateInFlight ErrorCode = "DUPLICATE_IN_FLIGHT"

	// ErrCodeInternal: unclassified failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is returned by Engine.Execute for every non-success outcome except
// context cancellation.
type Error struct {
	Code       ErrorCode
	Message    string
	Operation  string
	ClientKey  string
	CommandID  string
	Attempts   int
	Reason     ledger.Reason
	References []ir.StateReference
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s", e.Operation)
		if e.Attempts > 0 {
			msg += fmt.Sprintf(", attempts=%d", e.Attempts)
		}
		msg += ")"
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the error code of err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidRequest reports whether err is an invalid-request error.
func IsInvalidRequest(err error) bool {
	return CodeOf(err) == ErrCodeInvalidRequest
}

// IsBusinessRejection reports whether err is a business rejection.
func IsBusinessRejection(err error) bool {
	return CodeOf(err) == ErrCodeBusinessRejection
}

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool {
	return CodeOf(err) == ErrCodeForbidden
}

// IsExhausted reports whether err means the attempt budget ran out.
func IsExhausted(err error) bool {
	return CodeOf(err) == ErrCodeExhausted
}

// IsDuplicateInFlight reports whether err means the key is already running.
func IsDuplicateInFlight(err error) bool {
	return CodeOf(err) == ErrCodeDuplicateInFlight
}

func invalidRequest(op string, err error) *Error {
	return &Error{Code: ErrCodeInvalidRequest, Message: err.Error(), Operation: op, Err: err}
}

// codeForClass maps a fatal ledger class to an error code.
func codeForClass(c ledger.Class) ErrorCode {
	switch c {
	case ledger.ClassRetryable:
		return ErrCodeRetryableConflict
	case ledger.ClassBusiness:
		return ErrCodeBusinessRejection
	case ledger.ClassInvalid:
		return ErrCodeInvalidRequest
	case ledger.ClassForbidden:
		return ErrCodeForbidden
	default:
		return ErrCodeInternal
	}
}
