package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/ledgerguard/internal/ir"
)

// ChoiceFunc implements one operation on the in-memory ledger. All inputs are
// consumed when the command commits. The returned contracts are created with
// fresh IDs; any ID they carry is ignored. Returning an error rejects the
// command and leaves the ledger unchanged. Plain errors become BUSINESS_RULE
// rejections.
type ChoiceFunc func(inputs []Contract, args map[string]string) ([]Contract, error)

// Fault is an injected submission failure.
type Fault struct {
	Reason Reason
	// Operation restricts the fault to one operation. Empty matches any.
	Operation string
	// Times is how many matching submissions fail. Zero means one.
	Times int
}

type entry struct {
	contract   Contract
	seq        int
	createdAt  int64
	archivedAt int64
}

type view struct {
	offset  int64
	pending int
}

// Memory is an in-process ledger with per-party read lag.
//
// Writes are strongly consistent; reads are not. A party configured with
// SetLag(party, n) keeps seeing its previous view for n snapshot calls after
// every commit, including already-archived contracts. This reproduces the
// stale-read conditions the orchestrator must survive.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Memory struct {
	mu        sync.Mutex
	offset    int64
	nextID    int
	contracts map[string]*entry
	choices   map[string]ChoiceFunc
	faults    []Fault
	lag       map[ir.Party]int
	views     map[ir.Party]*view
	seen      map[string]bool
	commands  []Command
}

// NewMemory creates an empty ledger at offset 0.
func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[string]*entry),
		choices:   make(map[string]ChoiceFunc),
		lag:       make(map[ir.Party]int),
		views:     make(map[ir.Party]*view),
		seen:      make(map[string]bool),
	}
}

var _ Ledger = (*Memory)(nil)

// RegisterChoice installs the handler for an operation name.
// Unregistered operations use Touch.
func (m *Memory) RegisterChoice(operation string, fn ChoiceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.choices[operation] = fn
}

// SetLag makes party's snapshots trail each commit by polls calls.
func (m *Memory) SetLag(party ir.Party, polls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if polls <= 0 {
		delete(m.lag, party)
		delete(m.views, party)
		return
	}
	m.lag[party] = polls
	m.views[party] = &view{offset: m.offset}
}

// InjectFault queues a failure for upcoming submissions.
func (m *Memory) InjectFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, f)
}

// Create commits a new contract outside any command, as another
// participant would. The ID is kept if set, otherwise assigned.
func (m *Memory) Create(c Contract) Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset++
	created := m.createLocked(c, c.Ref.ID)
	m.advanceViewsLocked()
	return created
}

// Archive consumes a contract outside any command.
func (m *Memory) Archive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.contracts[id]
	if !ok {
		return Reject(ReasonContractNotFound, "contract %s not found", id)
	}
	if e.archivedAt != 0 {
		return Reject(ReasonContractNotActive, "contract %s already archived", id)
	}
	m.offset++
	e.archivedAt = m.offset
	m.advanceViewsLocked()
	return nil
}

// Submit validates and commits a command atomically.
func (m *Memory) Submit(ctx context.Context, cmd Command) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, cmd)

	if cmd.CommandID == "" || len(cmd.ActAs) == 0 {
		return SubmitResult{}, Reject(ReasonInvalidArgument, "command_id and act_as are required")
	}
	if m.seen[cmd.CommandID] {
		return SubmitResult{}, Reject(ReasonDuplicateCommand, "command %s already submitted", cmd.CommandID)
	}
	m.seen[cmd.CommandID] = true

	if f, ok := m.takeFaultLocked(cmd.Operation); ok {
		return SubmitResult{}, &RejectionError{Reason: f.Reason, Message: "injected fault", References: cmd.Inputs}
	}

	inputs := make([]Contract, 0, len(cmd.Inputs))
	for _, ref := range cmd.Inputs {
		e, ok := m.contracts[ref.ID]
		if !ok {
			return SubmitResult{}, &RejectionError{
				Reason:     ReasonContractNotFound,
				Message:    fmt.Sprintf("contract %s not found", ref.ID),
				References: []ir.StateReference{ref},
			}
		}
		if e.archivedAt != 0 {
			return SubmitResult{}, &RejectionError{
				Reason:     ReasonContractNotActive,
				Message:    fmt.Sprintf("contract %s is archived", ref.ID),
				References: []ir.StateReference{ref},
			}
		}
		inputs = append(inputs, cloneContract(e.contract))
	}

	fn, ok := m.choices[cmd.Operation]
	if !ok {
		fn = Touch
	}
	outputs, err := fn(inputs, cmd.Args)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return SubmitResult{}, rej
		}
		return SubmitResult{}, &RejectionError{Reason: ReasonBusinessRule, Message: err.Error()}
	}

	m.offset++
	result := SubmitResult{
		CommandID: cmd.CommandID,
		UpdateID:  fmt.Sprintf("update-%d", m.offset),
		Offset:    m.offset,
	}
	for _, in := range inputs {
		m.contracts[in.Ref.ID].archivedAt = m.offset
		result.Archived = append(result.Archived, in.Ref)
	}
	for _, out := range outputs {
		result.Created = append(result.Created, m.createLocked(out, ""))
	}
	m.advanceViewsLocked()
	return result, nil
}

// Snapshot returns the contracts visible to party at its current view,
// ordered by creation.
func (m *Memory) Snapshot(ctx context.Context, party ir.Party, templateID string) ([]Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.offset
	if v, ok := m.views[party]; ok {
		if v.pending > 0 {
			v.pending--
		} else {
			v.offset = m.offset
		}
		at = v.offset
	}

	var visible []*entry
	for _, e := range m.contracts {
		if e.createdAt > at || (e.archivedAt != 0 && e.archivedAt <= at) {
			continue
		}
		if templateID != "" && e.contract.Ref.TemplateID != templateID {
			continue
		}
		if !isStakeholder(e.contract, party) {
			continue
		}
		visible = append(visible, e)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	out := make([]Contract, len(visible))
	for i, e := range visible {
		out[i] = cloneContract(e.contract)
	}
	return out, nil
}

// CurrentOffset returns the last committed offset.
func (m *Memory) CurrentOffset(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset, nil
}

// Lookup returns a contract by ID regardless of visibility, and whether it
// is still active.
func (m *Memory) Lookup(id string) (Contract, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.contracts[id]
	if !ok {
		return Contract{}, false, false
	}
	return cloneContract(e.contract), e.archivedAt == 0, true
}

// Commands returns every command received by Submit, in order.
func (m *Memory) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// Touch is the default choice: consume every input and recreate it with
// the same template, owner, observers and fields.
func Touch(inputs []Contract, _ map[string]string) ([]Contract, error) {
	out := make([]Contract, len(inputs))
	for i, in := range inputs {
		out[i] = in
	}
	return out, nil
}

func (m *Memory) createLocked(c Contract, id string) Contract {
	m.nextID++
	if id == "" {
		id = fmt.Sprintf("c-%d", m.nextID)
	}
	c = cloneContract(c)
	c.Ref.ID = id
	m.contracts[id] = &entry{contract: c, seq: m.nextID, createdAt: m.offset}
	return cloneContract(c)
}

// advanceViewsLocked starts a new lag window for every lagging party whose
// view has caught up. Parties already behind stay behind until their
// current window drains.
func (m *Memory) advanceViewsLocked() {
	for party, polls := range m.lag {
		v := m.views[party]
		if v.pending == 0 && v.offset < m.offset {
			v.pending = polls
		}
	}
}

func (m *Memory) takeFaultLocked(operation string) (Fault, bool) {
	for i := range m.faults {
		f := &m.faults[i]
		if f.Operation != "" && f.Operation != operation {
			continue
		}
		hit := *f
		f.Times--
		if f.Times == 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return hit, true
	}
	return Fault{}, false
}

func isStakeholder(c Contract, party ir.Party) bool {
	if c.Owner == party {
		return true
	}
	for _, o := range c.Ref.Observers {
		if o == party {
			return true
		}
	}
	return false
}

func cloneContract(c Contract) Contract {
	out := c
	if c.Ref.Observers != nil {
		out.Ref.Observers = append([]ir.Party(nil), c.Ref.Observers...)
	}
	if c.Fields != nil {
		out.Fields = make(map[string]string, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
