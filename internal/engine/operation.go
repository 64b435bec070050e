package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
	"github.com/roach88/ledgerguard/internal/selector"
)

// LogicalIDField is the contract field matched by an EntitySpec without a
// Score function.
const LogicalIDField = "logical_id"

// EntitySpec names a logical entity the operation consumes. Its current
// contract is re-resolved on every attempt.
type EntitySpec struct {
	LogicalID  string
	Party      ir.Party // view to resolve in; defaults to the first ActAs party
	TemplateID string

	// Score rates how well a contract represents the entity. Zero or less
	// means no match. Must be pure: it runs on every attempt and again to
	// find the successor after commit.
	Score func(ledger.Contract) int
}

func (s EntitySpec) score(c ledger.Contract) int {
	if s.Score != nil {
		return s.Score(c)
	}
	if c.Field(LogicalIDField) == s.LogicalID {
		return 1
	}
	return 0
}

// SelectionSpec picks a fungible input with the deterministic selector.
type SelectionSpec struct {
	Name        string
	Party       ir.Party
	Criteria    selector.Criteria
	AmountField string
	// Wait polls until a candidate appears or the class's poll timeout
	// elapses. Without it a miss is treated as visibility lag.
	Wait bool
}

// Resolution is what RESOLVE produced for one attempt.
type Resolution struct {
	Attempt    int
	Entities   map[string]ledger.Contract
	Selections map[string]ir.SelectionCandidate
}

// Ref returns the reference resolved for a logical entity or selection.
func (r Resolution) Ref(name string) (ir.StateReference, bool) {
	if c, ok := r.Entities[name]; ok {
		return c.Ref, true
	}
	if s, ok := r.Selections[name]; ok {
		return s.Reference, true
	}
	return ir.StateReference{}, false
}

// PrepareFunc builds the command for one attempt. CommandID is always
// overwritten; empty Operation, ActAs and ReadAs are filled from the
// Operation.
type PrepareFunc func(res Resolution) (ledger.Command, error)

// RenderFunc builds the payload stored for replay.
type RenderFunc func(out Outcome) ([]byte, error)

// Confirmation asks the engine to wait for the write to reach a read side
// before returning.
type Confirmation struct {
	Party ir.Party // defaults to the first ActAs party
	// LogicalID waits until the entity's successor appears in Party's view.
	LogicalID string
	// Offset waits until the read side reaches the commit offset.
	Offset bool
}

// Operation is one mutating request.
type Operation struct {
	Name      string // ledger operation
	Class     string // policy class; defaults to Name
	ClientKey string
	BodyHash  string

	ActAs  []ir.Party
	ReadAs []ir.Party
	Args   map[string]string

	Entities   []EntitySpec
	Selections []SelectionSpec

	Prepare PrepareFunc
	Render  RenderFunc
	Confirm *Confirmation
}

func (op Operation) class() string {
	if op.Class != "" {
		return op.Class
	}
	return op.Name
}

func (op Operation) defaultParty(p ir.Party) ir.Party {
	if p != "" {
		return p
	}
	return op.ActAs[0]
}

func (op Operation) validate() error {
	var errs []error
	if strings.TrimSpace(op.Name) == "" {
		errs = append(errs, errors.New("operation name is required"))
	}
	if len(op.ActAs) == 0 {
		errs = append(errs, errors.New("act_as is required"))
	}
	names := make(map[string]bool)
	for _, s := range op.Entities {
		if strings.TrimSpace(s.LogicalID) == "" {
			errs = append(errs, errors.New("entity logical_id is required"))
			continue
		}
		if names[s.LogicalID] {
			errs = append(errs, fmt.Errorf("duplicate entity %q", s.LogicalID))
		}
		names[s.LogicalID] = true
	}
	for _, s := range op.Selections {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, errors.New("selection name is required"))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate input name %q", s.Name))
		}
		names[s.Name] = true
	}
	if c := op.Confirm; c != nil && c.LogicalID != "" {
		found := false
		for _, s := range op.Entities {
			found = found || s.LogicalID == c.LogicalID
		}
		if !found {
			errs = append(errs, fmt.Errorf("confirm names unknown entity %q", c.LogicalID))
		}
	}
	return errors.Join(errs...)
}

// Status describes how an operation completed.
type Status string

const (
	// StatusCommitted: committed and, if requested, confirmed visible.
	StatusCommitted Status = "committed"
	// StatusCommittedNotVisible: committed, but the visibility barrier ran
	// out of checks. The write stands; only its read-side arrival is late.
	StatusCommittedNotVisible Status = "committed_not_visible"
	// StatusReplayed: served from the idempotency guard without touching
	// the ledger.
	StatusReplayed Status = "replayed"
)

// Outcome is the result of a successful Execute.
type Outcome struct {
	Status     Status                           `json:"status"`
	CommandID  string                           `json:"command_id"`
	UpdateID   string                           `json:"update_id,omitempty"`
	Offset     int64                            `json:"offset,omitempty"`
	Attempts   int                              `json:"attempts,omitempty"`
	References map[string]ir.StateReference     `json:"references,omitempty"`
	Selections map[string]ir.SelectionCandidate `json:"selections,omitempty"`
	Payload    []byte                           `json:"-"`

	// Warning is set with StatusCommittedNotVisible.
	Warning *Error `json:"-"`
}

func defaultPrepare(op Operation) PrepareFunc {
	return func(res Resolution) (ledger.Command, error) {
		inputs := make([]ir.StateReference, 0, len(op.Entities)+len(op.Selections))
		for _, s := range op.Entities {
			inputs = append(inputs, res.Entities[s.LogicalID].Ref)
		}
		for _, s := range op.Selections {
			inputs = append(inputs, res.Selections[s.Name].Reference)
		}
		var args map[string]string
		if len(op.Args) > 0 {
			args = make(map[string]string, len(op.Args))
			for k, v := range op.Args {
				args[k] = v
			}
		}
		return ledger.Command{Operation: op.Name, Inputs: inputs, Args: args}, nil
	}
}

// DefaultRender encodes the command, update, offset and resulting
// references as canonical JSON.
func DefaultRender(out Outcome) ([]byte, error) {
	refs := make(map[string]any, len(out.References)+len(out.Selections))
	for id, ref := range out.References {
		refs[id] = ref.ID
	}
	for name, sel := range out.Selections {
		refs[name] = sel.Reference.ID
	}
	return ir.MarshalCanonical(map[string]any{
		"command_id": out.CommandID,
		"update_id":  out.UpdateID,
		"offset":     out.Offset,
		"references": refs,
	})
}
