package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TypedRejection(t *testing.T) {
	tests := []struct {
		reason Reason
		class  Class
	}{
		{ReasonContractNotFound, ClassRetryable},
		{ReasonContractNotActive, ClassRetryable},
		{ReasonUnavailable, ClassRetryable},
		{ReasonTimeout, ClassRetryable},
		{ReasonSlippage, ClassBusiness},
		{ReasonDeadlineExceeded, ClassBusiness},
		{ReasonInsufficientBalance, ClassBusiness},
		{ReasonInvalidArgument, ClassInvalid},
		{ReasonPermissionDenied, ClassForbidden},
		{Reason("SOMETHING_NEW"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			err := fmt.Errorf("submit: %w", Reject(tt.reason, "boom"))
			reason, class := Classify(err)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestClassify_ContextDeadlineIsRetryable(t *testing.T) {
	reason, class := Classify(fmt.Errorf("grpc call: %w", context.DeadlineExceeded))
	assert.Equal(t, ReasonTimeout, reason)
	assert.Equal(t, ClassRetryable, class)
}

func TestClassify_UntypedUsesMessage(t *testing.T) {
	reason, class := Classify(errors.New("INTERPRETATION_ERROR: CONTRACT_NOT_ACTIVE #12:0"))
	assert.Equal(t, ReasonContractNotActive, reason)
	assert.Equal(t, ClassRetryable, class)
}

func TestClassifyMessage(t *testing.T) {
	tests := map[string]Reason{
		"Contract not found: 00abc":           ReasonContractNotFound,
		"holding not visible to party yet":     ReasonNotVisible,
		"Slippage exceeded: min out 10":        ReasonSlippage,
		"price impact too high":                ReasonPriceImpact,
		"Insufficient balance in holding":      ReasonInsufficientBalance,
		"swap deadline passed":                 ReasonDeadlineExceeded,
		"PERMISSION DENIED for party":          ReasonPermissionDenied,
		"service unavailable":                  ReasonUnavailable,
		"request timed out":                    ReasonTimeout,
		"swap deadline exceeded by 3s":         ReasonDeadlineExceeded,
		"completely unexpected ledger failure": ReasonUnknown,
	}

	for msg, want := range tests {
		assert.Equal(t, want, ClassifyMessage(msg), msg)
	}
}

func TestClassify_TransportTimeoutIsRetryable(t *testing.T) {
	msgs := []string{
		"rpc error: code = DeadlineExceeded desc = context deadline exceeded",
		`Post "http://ledger/v2/commands": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`,
		"dial tcp 10.0.0.1:443: i/o timeout",
	}
	for _, msg := range msgs {
		assert.Equal(t, ReasonTimeout, ClassifyMessage(msg), msg)
		reason, class := Classify(errors.New(msg))
		assert.Equal(t, ReasonTimeout, reason, msg)
		assert.Equal(t, ClassRetryable, class, msg)
	}
}

func TestRejectionError_Message(t *testing.T) {
	assert.Equal(t, "SLIPPAGE", (&RejectionError{Reason: ReasonSlippage}).Error())
	assert.Equal(t, "SLIPPAGE: too much", Reject(ReasonSlippage, "too %s", "much").Error())
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "retryable", ClassRetryable.String())
	assert.Equal(t, "business", ClassBusiness.String())
	assert.Equal(t, "unknown", ClassUnknown.String())
}
