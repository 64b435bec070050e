package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/ledgerguard/internal/config"
	"github.com/roach88/ledgerguard/internal/directory"
	"github.com/roach88/ledgerguard/internal/engine"
	"github.com/roach88/ledgerguard/internal/idempotency"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
	"github.com/roach88/ledgerguard/internal/selector"
	"github.com/roach88/ledgerguard/internal/service"
	"github.com/roach88/ledgerguard/internal/store"
	"github.com/roach88/ledgerguard/internal/testutil"
)

// DefaultPolicy is the policy scenarios run with unless they override it.
var DefaultPolicy = config.Policy{
	MaxAttempts:        3,
	RetryDelay:         100 * time.Millisecond,
	PaceInterval:       50 * time.Millisecond,
	VisibilityAttempts: 3,
	VisibilityDelay:    10 * time.Millisecond,
	PollInterval:       selector.DefaultPollInterval,
	PollTimeout:        selector.DefaultTimeout,
}

func (p PolicySpec) apply(base config.Policy) config.Policy {
	if p.MaxAttempts != 0 {
		base.MaxAttempts = p.MaxAttempts
	}
	if p.RetryDelay != 0 {
		base.RetryDelay = p.RetryDelay
	}
	if p.PaceInterval != 0 {
		base.PaceInterval = p.PaceInterval
	}
	if p.VisibilityAttempts != 0 {
		base.VisibilityAttempts = p.VisibilityAttempts
	}
	if p.VisibilityDelay != 0 {
		base.VisibilityDelay = p.VisibilityDelay
	}
	if p.PollInterval != 0 {
		base.PollInterval = p.PollInterval
	}
	if p.PollTimeout != 0 {
		base.PollTimeout = p.PollTimeout
	}
	return base
}

// Harness runs one scenario. Every run gets a fresh in-memory ledger, a
// fresh in-memory SQLite store, a manual clock and sequential command IDs,
// so traces are identical across runs.
type Harness struct {
	store  *store.Store
	ledger *ledger.Memory
	engine *engine.Engine
	clock  *testutil.ManualClock
	result *Result
	step   int
}

// tracingLedger records every submission in the trace.
type tracingLedger struct {
	*ledger.Memory
	h *Harness
}

func (t *tracingLedger) Submit(ctx context.Context, cmd ledger.Command) (ledger.SubmitResult, error) {
	res, err := t.Memory.Submit(ctx, cmd)
	ev := TraceEvent{
		Type:      EventSubmit,
		Step:      t.h.step,
		Operation: cmd.Operation,
		CommandID: cmd.CommandID,
		Inputs:    refIDs(cmd.Inputs),
	}
	if err != nil {
		reason, _ := ledger.Classify(err)
		ev.Result = string(reason)
	} else {
		ev.Result = ir.AttemptCommitted
		ev.Offset = res.Offset
	}
	t.h.result.AddEvent(ev)
	return res, err
}

// Run executes a scenario and returns the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario.
//
// Execution flow:
// 1. Create a fresh ledger and in-memory store
// 2. Create contracts, register choices, seed the directory, apply lag
// 3. Execute flow steps, checking expect clauses
// 4. Evaluate assertions against the trace and the store
//
// A returned error means the scenario could not run; failed expectations
// are reported in Result.Errors.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, scenario)
	if err != nil {
		return nil, err
	}

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	for i, step := range scenario.Flow {
		h.step = i + 1
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", h.step, err)
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// scenarioConfig is the process configuration a scenario runs under.
func scenarioConfig(s *Scenario) config.Config {
	cfg := config.Config{
		IdempotencyTTL: idempotency.DefaultTTL,
		InFlightMode:   string(idempotency.ModeWait),
		DirectoryTTL:   directory.DefaultTTL,
	}.WithDefaultPolicy(s.Policy.apply(DefaultPolicy))
	if s.InFlightMode != "" {
		cfg.InFlightMode = s.InFlightMode
	}
	return cfg
}

func newHarness(ctx context.Context, st *store.Store, s *Scenario) (*Harness, error) {
	h := &Harness{
		store:  st,
		ledger: ledger.NewMemory(),
		clock:  testutil.NewManualClock(time.Time{}),
		result: NewResult(),
	}
	svc, err := service.New(ctx, scenarioConfig(s), &tracingLedger{Memory: h.ledger, h: h}, st,
		service.WithClock(h.clock),
		service.WithEngineOptions(engine.WithIDGenerator(testutil.NewSequenceGenerator(s.CommandPrefix))),
	)
	if err != nil {
		return nil, err
	}
	h.engine = svc.Engine
	return h, nil
}

// setup builds the initial ledger state. Lag is applied last so setup
// itself is visible to every party.
func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	for _, spec := range s.Ledger.Contracts {
		h.ledger.Create(toContract(spec))
	}
	for op, behaviour := range s.Ledger.Choices {
		fn, err := parseChoice(behaviour)
		if err != nil {
			return fmt.Errorf("choice %s: %w", op, err)
		}
		h.ledger.RegisterChoice(op, fn)
	}
	for logicalID, contractID := range s.Directory {
		c, _, found := h.ledger.Lookup(contractID)
		if !found {
			return fmt.Errorf("directory hint %s: contract %s not found", logicalID, contractID)
		}
		h.engine.Directory().Update(ctx, logicalID, c.Ref, c.Owner)
	}
	for party, polls := range s.Ledger.Lag {
		h.ledger.SetLag(ir.Party(party), polls)
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step FlowStep) error {
	for _, f := range step.Faults {
		h.ledger.InjectFault(ledger.Fault{
			Reason:    ledger.Reason(f.Reason),
			Operation: f.Operation,
			Times:     f.Times,
		})
	}

	switch {
	case step.Execute != nil:
		return h.execute(ctx, *step.Execute, step.Expect)
	case step.External != nil:
		x := step.External
		inputs := make([]ir.StateReference, 0, len(x.Inputs))
		for _, id := range x.Inputs {
			c, _, found := h.ledger.Lookup(id)
			if !found {
				return fmt.Errorf("external input %s not found", id)
			}
			inputs = append(inputs, c.Ref)
		}
		traced := &tracingLedger{Memory: h.ledger, h: h}
		_, err := traced.Submit(ctx, ledger.Command{
			CommandID: x.CommandID,
			Operation: x.Operation,
			ActAs:     toParties(x.ActAs),
			Inputs:    inputs,
		})
		if err != nil {
			return fmt.Errorf("external command %s: %w", x.CommandID, err)
		}
		return nil
	case step.Create != nil:
		c := h.ledger.Create(toContract(*step.Create))
		h.result.AddEvent(TraceEvent{Type: EventCreate, Step: h.step, Contract: c.Ref.ID})
		return nil
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) execute(ctx context.Context, r RequestSpec, expect *ExpectClause) error {
	op, err := buildOperation(r)
	if err != nil {
		return err
	}

	out, err := h.engine.Execute(ctx, op)
	if err != nil {
		var ee *engine.Error
		if !errors.As(err, &ee) {
			return fmt.Errorf("execute %s: %w", r.Operation, err)
		}
		h.result.AddEvent(TraceEvent{
			Type:      EventError,
			Step:      h.step,
			CommandID: ee.CommandID,
			Code:      string(ee.Code),
			Reason:    string(ee.Reason),
			Attempts:  ee.Attempts,
		})
		h.checkExpect(expect, "", string(ee.Code), string(ee.Reason), ee.Attempts)
		return nil
	}

	h.result.AddEvent(TraceEvent{
		Type:      EventOutcome,
		Step:      h.step,
		CommandID: out.CommandID,
		Status:    string(out.Status),
		Attempts:  out.Attempts,
	})
	h.checkExpect(expect, string(out.Status), "", "", out.Attempts)
	return nil
}

func (h *Harness) checkExpect(exp *ExpectClause, status, code, reason string, attempts int) {
	if exp == nil {
		return
	}
	got := status
	if code != "" {
		got = "error " + code
	}
	switch {
	case exp.Status != "" && exp.Status != status:
		h.result.AddError(fmt.Sprintf("step %d: expected status %s, got %s", h.step, exp.Status, got))
	case exp.Error != "" && exp.Error != code:
		h.result.AddError(fmt.Sprintf("step %d: expected error %s, got %s", h.step, exp.Error, got))
	}
	if exp.Reason != "" && exp.Reason != reason {
		h.result.AddError(fmt.Sprintf("step %d: expected reason %s, got %q", h.step, exp.Reason, reason))
	}
	if exp.Attempts != 0 && exp.Attempts != attempts {
		h.result.AddError(fmt.Sprintf("step %d: expected %d attempts, got %d", h.step, exp.Attempts, attempts))
	}
}

// buildOperation maps a request to an engine operation. A request body is
// bound to the client key through its request hash.
func buildOperation(r RequestSpec) (engine.Operation, error) {
	op := engine.Operation{
		Name:      r.Operation,
		Class:     r.Class,
		ClientKey: r.ClientKey,
		ActAs:     toParties(r.ActAs),
		ReadAs:    toParties(r.ReadAs),
		Args:      r.Args,
	}
	if r.Body != "" && len(r.ActAs) > 0 {
		hash, err := ir.RequestHash("POST", "/"+r.Operation, ir.Party(r.ActAs[0]), []byte(r.Body))
		if err != nil {
			return engine.Operation{}, fmt.Errorf("hash request body: %w", err)
		}
		op.BodyHash = hash
	}

	for _, e := range r.Entities {
		op.Entities = append(op.Entities, engine.EntitySpec{
			LogicalID:  e.LogicalID,
			Party:      ir.Party(e.Party),
			TemplateID: e.Template,
		})
	}
	for _, s := range r.Selections {
		min := decimal.Zero
		if s.MinAmount != "" {
			d, err := decimal.NewFromString(s.MinAmount)
			if err != nil {
				return engine.Operation{}, fmt.Errorf("selection %s: min_amount: %w", s.Name, err)
			}
			min = d
		}
		op.Selections = append(op.Selections, engine.SelectionSpec{
			Name:        s.Name,
			Party:       ir.Party(s.Party),
			Criteria:    selector.Criteria{TemplateID: s.Template, Owner: ir.Party(s.Owner), MinAmount: min},
			AmountField: s.AmountField,
			Wait:        s.Wait,
		})
	}
	if c := r.Confirm; c != nil {
		op.Confirm = &engine.Confirmation{Party: ir.Party(c.Party), LogicalID: c.LogicalID, Offset: c.Offset}
	}
	return op, nil
}

func toContract(s ContractSpec) ledger.Contract {
	return ledger.Contract{
		Ref:    ir.StateReference{ID: s.ID, TemplateID: s.Template, Observers: toParties(s.Observers)},
		Owner:  ir.Party(s.Owner),
		Fields: s.Fields,
	}
}

func toParties(ss []string) []ir.Party {
	if len(ss) == 0 {
		return nil
	}
	out := make([]ir.Party, len(ss))
	for i, s := range ss {
		out[i] = ir.Party(s)
	}
	return out
}

func refIDs(refs []ir.StateReference) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.ID
	}
	return out
}
