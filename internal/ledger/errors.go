package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledgerguard/internal/ir"
)

// Reason is a ledger rejection code.
type Reason string

// Rejection reasons.
const (
	ReasonContractNotFound    Reason = "CONTRACT_NOT_FOUND"
	ReasonContractNotActive   Reason = "CONTRACT_NOT_ACTIVE"
	ReasonNotVisible          Reason = "NOT_VISIBLE"
	ReasonUnavailable         Reason = "UNAVAILABLE"
	ReasonTimeout             Reason = "TIMEOUT"
	ReasonSlippage            Reason = "SLIPPAGE"
	ReasonPriceImpact         Reason = "PRICE_IMPACT"
	ReasonDeadlineExceeded    Reason = "DEADLINE_EXCEEDED"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonBusinessRule        Reason = "BUSINESS_RULE"
	ReasonInvalidArgument     Reason = "INVALID_ARGUMENT"
	ReasonDuplicateCommand    Reason = "DUPLICATE_COMMAND"
	ReasonPermissionDenied    Reason = "PERMISSION_DENIED"
	ReasonUnknown             Reason = "UNKNOWN"
)

// Class groups reasons by how the orchestrator reacts to them.
type Class int

const (
	// ClassUnknown is fatal: the failure is not understood.
	ClassUnknown Class = iota
	// ClassRetryable failures are fixed by refreshing state and resubmitting.
	ClassRetryable
	// ClassBusiness failures are deliberate rejections by the ledger's rules.
	ClassBusiness
	// ClassInvalid failures mean the command itself is malformed.
	ClassInvalid
	// ClassForbidden failures mean the acting party lacks rights.
	ClassForbidden
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassBusiness:
		return "business"
	case ClassInvalid:
		return "invalid"
	case ClassForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

var reasonClasses = map[Reason]Class{
	ReasonContractNotFound:    ClassRetryable,
	ReasonContractNotActive:   ClassRetryable,
	ReasonNotVisible:          ClassRetryable,
	ReasonUnavailable:         ClassRetryable,
	ReasonTimeout:             ClassRetryable,
	ReasonSlippage:            ClassBusiness,
	ReasonPriceImpact:         ClassBusiness,
	ReasonDeadlineExceeded:    ClassBusiness,
	ReasonInsufficientBalance: ClassBusiness,
	ReasonBusinessRule:        ClassBusiness,
	ReasonInvalidArgument:     ClassInvalid,
	ReasonDuplicateCommand:    ClassInvalid,
	ReasonPermissionDenied:    ClassForbidden,
}

// ClassOf returns the class of a reason.
func ClassOf(r Reason) Class {
	return reasonClasses[r]
}

// RejectionError is a typed ledger rejection.
type RejectionError struct {
	Reason     Reason
	Message    string
	References []ir.StateReference
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Reject builds a RejectionError.
func Reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Classify maps any submission error to a reason and class. Typed
// rejections are trusted; anything else is classified from its message.
func Classify(err error) (Reason, Class) {
	if err == nil {
		return "", ClassUnknown
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, ClassOf(rej.Reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout, ClassRetryable
	}
	r := ClassifyMessage(err.Error())
	return r, ClassOf(r)
}

// ClassifyMessage recognises rejection reasons in free-form ledger error
// text, for transports that only return strings.
func ClassifyMessage(msg string) Reason {
	m := strings.ToLower(msg)
	switch {
	case isTransportTimeout(m):
		return ReasonTimeout
	case strings.Contains(m, "contract_not_found"), strings.Contains(m, "contract not found"):
		return ReasonContractNotFound
	case strings.Contains(m, "contract_not_active"), strings.Contains(m, "contract not active"):
		return ReasonContractNotActive
	case strings.Contains(m, "not visible"):
		return ReasonNotVisible
	case strings.Contains(m, "slippage"):
		return ReasonSlippage
	case strings.Contains(m, "price impact"):
		return ReasonPriceImpact
	case strings.Contains(m, "insufficient"):
		return ReasonInsufficientBalance
	case strings.Contains(m, "deadline passed"), strings.Contains(m, "deadline has passed"),
		strings.Contains(m, "swap deadline"):
		return ReasonDeadlineExceeded
	case strings.Contains(m, "permission denied"), strings.Contains(m, "unauthorized"):
		return ReasonPermissionDenied
	case strings.Contains(m, "invalid argument"), strings.Contains(m, "invalid_argument"):
		return ReasonInvalidArgument
	case strings.Contains(m, "unavailable"):
		return ReasonUnavailable
	default:
		return ReasonUnknown
	}
}

// isTransportTimeout matches client-side and RPC timeouts, which must stay
// retryable even when the text mentions a deadline.
func isTransportTimeout(m string) bool {
	for _, s := range []string{"context deadline exceeded", "deadlineexceeded", "timed out", "timeout"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
