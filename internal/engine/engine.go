package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/config"
	"github.com/roach88/ledgerguard/internal/directory"
	"github.com/roach88/ledgerguard/internal/idempotency"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
	"github.com/roach88/ledgerguard/internal/pacer"
	"github.com/roach88/ledgerguard/internal/selector"
	"github.com/roach88/ledgerguard/internal/visibility"
)

// IDGenerator generates command IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// PolicySource resolves the policy for an operation class.
// config.PolicySet satisfies it.
type PolicySource interface {
	Lookup(class string) config.Policy
}

// AttemptRecorder persists the per-attempt audit trail. Failures are
// logged and otherwise ignored.
type AttemptRecorder interface {
	WriteAttempt(ctx context.Context, a ir.CommandAttempt) error
}

// DefaultPolicy applies when no PolicySource is configured.
var DefaultPolicy = config.Policy{
	MaxAttempts:        3,
	RetryDelay:         250 * time.Millisecond,
	PaceInterval:       300 * time.Millisecond,
	VisibilityAttempts: 5,
	VisibilityDelay:    200 * time.Millisecond,
	PollInterval:       selector.DefaultPollInterval,
	PollTimeout:        selector.DefaultTimeout,
}

// Engine runs operations through resolve, submit and classify until they
// commit, fail fatally or exhaust their attempt budget.
//
// Thread-safety: Execute is safe for concurrent use. Concurrent operations
// share one pacer, one guard and one directory.
type Engine struct {
	ledger    ledger.Ledger
	policies  PolicySource
	guard     *idempotency.Guard
	directory *directory.Directory
	pacer     *pacer.Pacer
	selector  *selector.Selector
	barrier   *visibility.Barrier
	clock     clock.Clock
	ids       IDGenerator
	recorder  AttemptRecorder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPolicies sets the per-class policies.
func WithPolicies(p PolicySource) EngineOption {
	return func(e *Engine) { e.policies = p }
}

// WithGuard sets the idempotency guard.
func WithGuard(g *idempotency.Guard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

// WithDirectory sets the logical directory.
func WithDirectory(d *directory.Directory) EngineOption {
	return func(e *Engine) { e.directory = d }
}

// WithPacer sets the submission pacer.
func WithPacer(p *pacer.Pacer) EngineOption {
	return func(e *Engine) { e.pacer = p }
}

// WithClock sets the clock used for pacing, retry delays, polling and the
// components the engine creates itself.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the command ID generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithRecorder sets the attempt audit recorder.
func WithRecorder(r AttemptRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// New creates an Engine over l. Components not supplied through options
// are created with defaults sharing the engine's clock.
func New(l ledger.Ledger, opts ...EngineOption) *Engine {
	e := &Engine{ledger: l}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.policies == nil {
		e.policies = config.NewPolicySet(DefaultPolicy)
	}
	if e.ids == nil {
		e.ids = UUIDv7Generator{}
	}
	if e.guard == nil {
		e.guard = idempotency.NewGuard(idempotency.WithClock(e.clock))
	}
	if e.directory == nil {
		e.directory = directory.New(directory.WithClock(e.clock))
	}
	if e.pacer == nil {
		e.pacer = pacer.New(e.clock)
	}
	e.selector = selector.New(e.clock)
	e.barrier = visibility.New(l, l, e.clock)
	return e
}

// Guard returns the engine's idempotency guard.
func (e *Engine) Guard() *idempotency.Guard {
	return e.guard
}

// Directory returns the engine's logical directory.
func (e *Engine) Directory() *directory.Directory {
	return e.directory
}

// Execute runs op to completion.
//
// With a client key, a recorded outcome is replayed without touching the
// ledger and concurrent callers with the same key never both submit.
// Failures are never recorded, so a failed key may be retried.
//
// Errors are *Error values, except context cancellation which is returned
// as is.
func (e *Engine) Execute(ctx context.Context, op Operation) (Outcome, error) {
	if err := op.validate(); err != nil {
		return Outcome{}, invalidRequest(op.Name, err)
	}
	policy := e.policies.Lookup(op.class())

	var claim *idempotency.Claim
	if op.ClientKey != "" {
		c, rec, err := e.guard.Acquire(ctx, op.ClientKey, op.BodyHash)
		if err != nil {
			return Outcome{}, e.guardError(ctx, op, err)
		}
		if rec != nil {
			slog.Info("replaying recorded outcome",
				"operation", op.Name,
				"client_key", op.ClientKey,
				"command_id", rec.CommandID)
			return Outcome{
				Status:    StatusReplayed,
				CommandID: rec.CommandID,
				UpdateID:  rec.ResultRef,
				Payload:   rec.Payload,
			}, nil
		}
		claim = c
		defer claim.Release()
	}

	out, err := e.run(ctx, op, policy)
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			ee.ClientKey = op.ClientKey
		}
		return Outcome{}, err
	}

	if claim != nil {
		rec := ir.IdempotencyRecord{CommandID: out.CommandID, ResultRef: out.UpdateID, Payload: out.Payload}
		if _, err := claim.Commit(ctx, rec); err != nil {
			slog.Error("idempotency record not stored",
				"client_key", op.ClientKey,
				"command_id", out.CommandID,
				"error", err)
		}
	}
	return out, nil
}

func (e *Engine) guardError(ctx context.Context, op Operation, err error) error {
	switch {
	case errors.Is(err, idempotency.ErrInvalidKey), errors.Is(err, idempotency.ErrBodyMismatch):
		ee := invalidRequest(op.Name, err)
		ee.ClientKey = op.ClientKey
		return ee
	case errors.Is(err, idempotency.ErrDuplicateInFlight):
		return &Error{
			Code:      ErrCodeDuplicateInFlight,
			Message:   "request with this key is already executing",
			Operation: op.Name,
			ClientKey: op.ClientKey,
			Err:       err,
		}
	case ctx.Err() != nil:
		return err
	default:
		return &Error{Code: ErrCodeInternal, Message: err.Error(), Operation: op.Name, ClientKey: op.ClientKey, Err: err}
	}
}

// run is the retry loop. It returns an Outcome only on commit.
func (e *Engine) run(ctx context.Context, op Operation, policy config.Policy) (Outcome, error) {
	budget := NewAttemptBudget(policy.MaxAttempts)
	var last *Error

	for budget.Next() {
		attempt := budget.Current()
		res, err := e.resolve(ctx, op, policy, attempt)
		if err == nil {
			var result ledger.SubmitResult
			result, err = e.submit(ctx, op, policy, res)
			if err == nil {
				return e.finish(ctx, op, policy, res, result), nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}

		var ee *Error
		if !errors.As(err, &ee) {
			return Outcome{}, err
		}
		ee.Attempts = attempt
		if ee.Code != ErrCodeRetryableConflict {
			slog.Warn("operation failed",
				"operation", op.Name,
				"attempt", attempt,
				"code", ee.Code,
				"reason", ee.Reason)
			return Outcome{}, ee
		}

		last = ee
		slog.Info("retryable conflict",
			"operation", op.Name,
			"attempt", attempt,
			"max_attempts", budget.Max(),
			"reason", ee.Reason)
		if budget.Last() {
			break
		}
		if err := e.clock.Sleep(ctx, policy.RetryDelay); err != nil {
			return Outcome{}, err
		}
	}

	slog.Warn("attempts exhausted",
		"operation", op.Name,
		"attempts", budget.Current(),
		"reason", last.Reason)
	return Outcome{}, &Error{
		Code:       ErrCodeExhausted,
		Message:    fmt.Sprintf("still stale after %d attempts; refresh and retry", budget.Current()),
		Operation:  op.Name,
		CommandID:  last.CommandID,
		Attempts:   budget.Current(),
		Reason:     last.Reason,
		References: last.References,
		Err:        last,
	}
}

type snapshotKey struct {
	party    ir.Party
	template string
}

// resolve reads fresh state for every entity and selection. Nothing from
// an earlier attempt is reused.
func (e *Engine) resolve(ctx context.Context, op Operation, policy config.Policy, attempt int) (Resolution, error) {
	res := Resolution{
		Attempt:    attempt,
		Entities:   make(map[string]ledger.Contract, len(op.Entities)),
		Selections: make(map[string]ir.SelectionCandidate, len(op.Selections)),
	}

	snapshots := make(map[snapshotKey][]ledger.Contract)
	for _, spec := range op.Entities {
		key := snapshotKey{op.defaultParty(spec.Party), spec.TemplateID}
		contracts, ok := snapshots[key]
		if !ok {
			var err error
			contracts, err = e.ledger.Snapshot(ctx, key.party, key.template)
			if err != nil {
				return res, &Error{
					Code:      ErrCodeRetryableConflict,
					Message:   fmt.Sprintf("snapshot failed: %v", err),
					Operation: op.Name,
					Reason:    ledger.ReasonUnavailable,
					Err:       err,
				}
			}
			snapshots[key] = contracts
		}

		c, found := e.locate(spec, contracts)
		if !found {
			ee := &Error{
				Code:      ErrCodeRetryableConflict,
				Message:   fmt.Sprintf("entity %s not visible to %s", spec.LogicalID, key.party),
				Operation: op.Name,
				Reason:    ledger.ReasonNotVisible,
			}
			if hint, ok := e.directory.Get(spec.LogicalID); ok {
				ee.References = []ir.StateReference{hint.Reference}
			}
			return res, ee
		}
		res.Entities[spec.LogicalID] = c
	}

	for _, spec := range op.Selections {
		src := selector.LedgerSource{
			Ledger:      e.ledger,
			Party:       op.defaultParty(spec.Party),
			TemplateID:  spec.Criteria.TemplateID,
			AmountField: spec.AmountField,
		}
		var sel selector.Result
		if spec.Wait {
			var err error
			sel, err = e.selector.Poll(ctx, src, spec.Criteria, selector.PollOptions{
				Interval: policy.PollInterval,
				Timeout:  policy.PollTimeout,
			})
			if err != nil {
				return res, err
			}
		} else {
			sel = e.selector.Select(ctx, src, spec.Criteria)
		}

		if !sel.Found {
			ee := &Error{
				Code:      ErrCodeRetryableConflict,
				Message:   fmt.Sprintf("no candidate for %s: %s", spec.Name, sel.Reason),
				Operation: op.Name,
				Reason:    ledger.ReasonNotVisible,
			}
			if spec.Wait {
				ee.Code = ErrCodeBusinessRejection
				ee.Reason = ledger.ReasonInsufficientBalance
			}
			return res, ee
		}
		res.Selections[spec.Name] = *sel.Candidate
	}
	return res, nil
}

// locate prefers the directory hint when it is still present in the
// snapshot, and otherwise scores every contract.
func (e *Engine) locate(spec EntitySpec, contracts []ledger.Contract) (ledger.Contract, bool) {
	if hint, ok := e.directory.Get(spec.LogicalID); ok {
		for _, c := range contracts {
			if c.Ref.ID == hint.Reference.ID {
				return c, true
			}
		}
		slog.Debug("directory hint stale",
			"logical_id", spec.LogicalID,
			"contract_id", hint.Reference.ID)
	}
	return selector.BestMatch(contracts, spec.score, contractID)
}

func contractID(c ledger.Contract) string {
	return c.Ref.ID
}

func (e *Engine) submit(ctx context.Context, op Operation, policy config.Policy, res Resolution) (ledger.SubmitResult, error) {
	prepare := op.Prepare
	if prepare == nil {
		prepare = defaultPrepare(op)
	}
	cmd, err := prepare(res)
	if err != nil {
		return ledger.SubmitResult{}, &Error{
			Code:      ErrCodeInvalidRequest,
			Message:   fmt.Sprintf("prepare: %v", err),
			Operation: op.Name,
			Err:       err,
		}
	}
	if cmd.Operation == "" {
		cmd.Operation = op.Name
	}
	if len(cmd.ActAs) == 0 {
		cmd.ActAs = op.ActAs
	}
	if len(cmd.ReadAs) == 0 {
		cmd.ReadAs = op.ReadAs
	}

	if _, err := e.pacer.AwaitSlot(ctx, policy.PaceInterval); err != nil {
		return ledger.SubmitResult{}, err
	}
	cmd.CommandID = e.ids.Generate()

	attempt := ir.CommandAttempt{
		CommandID:   cmd.CommandID,
		Operation:   cmd.Operation,
		ClientKey:   op.ClientKey,
		Attempt:     res.Attempt,
		ActAs:       cmd.ActAs,
		ReadAs:      cmd.ReadAs,
		SubmittedAt: e.clock.Now(),
	}
	slog.Debug("submitting command",
		"operation", cmd.Operation,
		"command_id", cmd.CommandID,
		"attempt", res.Attempt,
		"inputs", len(cmd.Inputs))

	result, err := e.ledger.Submit(ctx, cmd)
	if err == nil {
		if result.CommandID == "" {
			result.CommandID = cmd.CommandID
		}
		attempt.Result = ir.AttemptCommitted
		e.record(ctx, attempt)
		slog.Info("command committed",
			"operation", cmd.Operation,
			"command_id", cmd.CommandID,
			"attempt", res.Attempt,
			"offset", result.Offset)
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ledger.SubmitResult{}, ctxErr
	}

	reason, class := ledger.Classify(err)
	attempt.Reason = string(reason)
	attempt.Result = ir.AttemptFatal
	if class == ledger.ClassRetryable {
		attempt.Result = ir.AttemptRetryable
	}
	e.record(ctx, attempt)

	refs := cmd.Inputs
	var rej *ledger.RejectionError
	if errors.As(err, &rej) && len(rej.References) > 0 {
		refs = rej.References
	}
	return ledger.SubmitResult{}, &Error{
		Code:       codeForClass(class),
		Message:    err.Error(),
		Operation:  cmd.Operation,
		CommandID:  cmd.CommandID,
		Reason:     reason,
		References: refs,
		Err:        err,
	}
}

func (e *Engine) record(ctx context.Context, a ir.CommandAttempt) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.WriteAttempt(ctx, a); err != nil {
		slog.Warn("attempt audit write failed", "command_id", a.CommandID, "error", err)
	}
}

// finish updates the directory, runs the visibility barrier and renders
// the payload. The write has committed, so nothing here fails the
// operation.
func (e *Engine) finish(ctx context.Context, op Operation, policy config.Policy, res Resolution, result ledger.SubmitResult) Outcome {
	out := Outcome{
		Status:     StatusCommitted,
		CommandID:  result.CommandID,
		UpdateID:   result.UpdateID,
		Offset:     result.Offset,
		Attempts:   res.Attempt,
		References: make(map[string]ir.StateReference, len(op.Entities)),
		Selections: res.Selections,
	}

	archived := make(map[string]bool, len(result.Archived))
	for _, ref := range result.Archived {
		archived[ref.ID] = true
	}
	for _, spec := range op.Entities {
		prev := res.Entities[spec.LogicalID]
		if next, ok := successor(spec, prev, result.Created); ok {
			e.directory.Update(ctx, spec.LogicalID, next.Ref, next.Owner)
			out.References[spec.LogicalID] = next.Ref
			continue
		}
		if archived[prev.Ref.ID] {
			e.directory.Retire(ctx, spec.LogicalID)
			continue
		}
		e.directory.Update(ctx, spec.LogicalID, prev.Ref, prev.Owner)
		out.References[spec.LogicalID] = prev.Ref
	}

	if op.Confirm != nil && policy.VisibilityAttempts > 0 {
		if !e.confirm(ctx, op, policy, out) {
			out.Status = StatusCommittedNotVisible
			out.Warning = &Error{
				Code:      ErrCodeVisibilityTimeout,
				Message:   fmt.Sprintf("committed but not visible after %d checks", policy.VisibilityAttempts),
				Operation: op.Name,
				CommandID: out.CommandID,
				Attempts:  out.Attempts,
			}
			slog.Warn("committed but not yet visible",
				"operation", op.Name,
				"command_id", out.CommandID,
				"offset", out.Offset)
		}
	}

	render := op.Render
	if render == nil {
		render = DefaultRender
	}
	payload, err := render(out)
	if err != nil {
		slog.Error("render failed", "operation", op.Name, "command_id", out.CommandID, "error", err)
	}
	out.Payload = payload
	return out
}

// successor finds the created contract that continues the entity: same
// template, best score, lowest ID on ties.
func successor(spec EntitySpec, prev ledger.Contract, created []ledger.Contract) (ledger.Contract, bool) {
	template := spec.TemplateID
	if template == "" {
		template = prev.Ref.TemplateID
	}
	var cands []ledger.Contract
	for _, c := range created {
		if c.Ref.TemplateID == template {
			cands = append(cands, c)
		}
	}
	return selector.BestMatch(cands, spec.score, contractID)
}

// confirm reports whether the write reached the requested read side.
// Cancellation counts as not visible.
func (e *Engine) confirm(ctx context.Context, op Operation, policy config.Policy, out Outcome) bool {
	c := op.Confirm
	if c.LogicalID != "" {
		ref, ok := out.References[c.LogicalID]
		if ok {
			visible, err := e.barrier.WaitUntilVisible(ctx, op.defaultParty(c.Party), ref, policy.VisibilityAttempts, policy.VisibilityDelay)
			if err != nil || !visible {
				return false
			}
		}
	}
	if c.Offset {
		reached, err := e.barrier.WaitUntilOffsetReached(ctx, out.Offset, policy.VisibilityAttempts, policy.VisibilityDelay)
		if err != nil || !reached {
			return false
		}
	}
	return true
}
