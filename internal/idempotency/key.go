package idempotency

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// HeaderName is the conventional transport header carrying the key.
const HeaderName = "X-Idempotency-Key"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Sentinel errors.
var (
	ErrInvalidKey        = errors.New("invalid idempotency key")
	ErrBodyMismatch      = errors.New("idempotency key reused with a different request body")
	ErrDuplicateInFlight = errors.New("a request with this idempotency key is already in flight")
	ErrAlreadyRecorded   = errors.New("idempotency key already recorded")
	ErrClaimClosed       = errors.New("idempotency claim already committed or released")
)

// ValidateKey checks a client key: non-blank, at most MaxKeyLength bytes,
// letters, digits, dash and underscore only.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidKey, MaxKeyLength)
	case !keyPattern.MatchString(key):
		return fmt.Errorf("%w: key may only contain letters, digits, '-' and '_'", ErrInvalidKey)
	}
	return nil
}
