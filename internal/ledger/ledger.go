package ledger

import (
	"context"

	"github.com/roach88/ledgerguard/internal/ir"
)

// Command is a single submission. CommandID must be fresh for every attempt.
type Command struct {
	CommandID string              `json:"command_id"`
	Operation string              `json:"operation"`
	ActAs     []ir.Party          `json:"act_as"`
	ReadAs    []ir.Party          `json:"read_as,omitempty"`
	Inputs    []ir.StateReference `json:"inputs"`
	Args      map[string]string   `json:"args,omitempty"`
}

// Contract is an active contract as seen in a snapshot.
type Contract struct {
	Ref    ir.StateReference `json:"ref"`
	Owner  ir.Party          `json:"owner"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Field returns a payload field or "".
func (c Contract) Field(name string) string {
	return c.Fields[name]
}

// SubmitResult is the ledger's answer to a committed command.
type SubmitResult struct {
	CommandID string              `json:"command_id"`
	UpdateID  string              `json:"update_id"`
	Offset    int64               `json:"offset"`
	Created   []Contract          `json:"created"`
	Archived  []ir.StateReference `json:"archived"`
}

// Submitter submits commands.
type Submitter interface {
	Submit(ctx context.Context, cmd Command) (SubmitResult, error)
}

// Snapshotter reads the active contracts visible to a party.
// An empty templateID returns every template.
type Snapshotter interface {
	Snapshot(ctx context.Context, party ir.Party, templateID string) ([]Contract, error)
}

// OffsetReader reports how far the read side has caught up.
type OffsetReader interface {
	CurrentOffset(ctx context.Context) (int64, error)
}

// Ledger is the full boundary.
type Ledger interface {
	Submitter
	Snapshotter
	OffsetReader
}
