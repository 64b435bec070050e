package ir

import (
	"time"

	"github.com/shopspring/decimal"
)

// Party is an opaque ledger party identifier.
type Party string

// StateReference identifies one version of a logical entity on the ledger.
// Any state-changing operation on the entity archives this reference and
// creates a successor with a new ID.
type StateReference struct {
	ID         string  `json:"id"`
	TemplateID string  `json:"template_id"`
	Observers  []Party `json:"observers,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r StateReference) IsZero() bool {
	return r.ID == ""
}

// SelectionCandidate is a read-side view of a divisible asset.
type SelectionCandidate struct {
	Reference StateReference  `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Owner     Party           `json:"owner"`
}

// DirectoryEntry maps a stable logical ID to the most recently observed
// reference. Advisory only; it may be stale.
type DirectoryEntry struct {
	LogicalID string         `json:"logical_id"`
	Reference StateReference `json:"reference"`
	Owner     Party          `json:"owner,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IdempotencyRecord is the stored outcome of a successful operation.
// Immutable once written.
type IdempotencyRecord struct {
	ClientKey string    `json:"client_key"`
	BodyHash  string    `json:"body_hash"`
	CommandID string    `json:"command_id"`
	ResultRef string    `json:"result_ref,omitempty"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record has passed its expiry at now.
// A zero ExpiresAt never expires.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Attempt results.
const (
	AttemptCommitted = "committed"
	AttemptRetryable = "retryable"
	AttemptFatal     = "fatal"
)

// CommandAttempt describes one submission attempt. Each attempt carries a
// fresh command ID so retries are never deduplicated by the ledger.
type CommandAttempt struct {
	CommandID   string    `json:"command_id"`
	Operation   string    `json:"operation"`
	ClientKey   string    `json:"client_key,omitempty"`
	Attempt     int       `json:"attempt"`
	ActAs       []Party   `json:"act_as"`
	ReadAs      []Party   `json:"read_as,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason,omitempty"`
}
