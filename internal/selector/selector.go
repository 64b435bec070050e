package selector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
)

// Polling defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 30 * time.Second
)

// Source yields the current candidate set. Each call is a fresh snapshot.
type Source interface {
	Candidates(ctx context.Context) ([]ir.SelectionCandidate, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]ir.SelectionCandidate, error)

// Candidates calls f.
func (f SourceFunc) Candidates(ctx context.Context) ([]ir.SelectionCandidate, error) {
	return f(ctx)
}

// LedgerSource reads candidates from a party's ledger snapshot.
type LedgerSource struct {
	Ledger      ledger.Snapshotter
	Party       ir.Party
	TemplateID  string
	AmountField string
}

// Candidates takes a snapshot and projects it.
func (s LedgerSource) Candidates(ctx context.Context) ([]ir.SelectionCandidate, error) {
	contracts, err := s.Ledger.Snapshot(ctx, s.Party, s.TemplateID)
	if err != nil {
		return nil, err
	}
	return FromContracts(contracts, s.AmountField), nil
}

// FromContracts projects contracts to candidates using amountField.
// Contracts whose amount is missing or unparsable are skipped.
func FromContracts(contracts []ledger.Contract, amountField string) []ir.SelectionCandidate {
	out := make([]ir.SelectionCandidate, 0, len(contracts))
	for _, c := range contracts {
		amt, err := decimal.NewFromString(c.Field(amountField))
		if err != nil {
			slog.Debug("skipping contract without amount", "contract_id", c.Ref.ID, "field", amountField)
			continue
		}
		out = append(out, ir.SelectionCandidate{Reference: c.Ref, Amount: amt, Owner: c.Owner})
	}
	return out
}

// PollOptions bounds a polling selection.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Result describes a selection. Not-found is a normal result, not an error.
type Result struct {
	Found     bool                   `json:"found"`
	Candidate *ir.SelectionCandidate `json:"candidate,omitempty"`
	Attempts  int                    `json:"attempts"`
	Elapsed   time.Duration          `json:"elapsed_ns"`
	Scanned   int                    `json:"total_scanned"`
	Matched   int                    `json:"matching_found"`
	TimedOut  bool                   `json:"timed_out"`
	Rule      string                 `json:"selection_rule"`
	Reason    string                 `json:"reason,omitempty"`
}

// Selector runs Choose against live sources.
type Selector struct {
	clock clock.Clock
}

// New creates a Selector. A nil clock uses clock.Real.
func New(c clock.Clock) *Selector {
	if c == nil {
		c = clock.Real{}
	}
	return &Selector{clock: c}
}

// Select takes a single snapshot. Source errors are reported in the result.
func (s *Selector) Select(ctx context.Context, src Source, cr Criteria) Result {
	start := s.clock.Now()
	res := Result{Rule: Rule}
	s.attempt(ctx, src, cr, &res)
	res.Elapsed = clock.Since(s.clock, start)
	return res
}

// Poll repeats Select every Interval until a candidate is found or Timeout
// elapses. Only context cancellation returns an error.
func (s *Selector) Poll(ctx context.Context, src Source, cr Criteria, opts PollOptions) (Result, error) {
	opts = opts.withDefaults()
	start := s.clock.Now()
	deadline := start.Add(opts.Timeout)
	res := Result{Rule: Rule}

	for {
		s.attempt(ctx, src, cr, &res)
		res.Elapsed = clock.Since(s.clock, start)
		if res.Found {
			slog.Debug("selection found",
				"contract_id", res.Candidate.Reference.ID,
				"attempts", res.Attempts,
				"elapsed", res.Elapsed)
			return res, nil
		}
		if !s.clock.Now().Add(opts.Interval).Before(deadline) {
			res.TimedOut = true
			res.Reason = fmt.Sprintf("%s after %d attempts", res.Reason, res.Attempts)
			return res, nil
		}
		if err := s.clock.Sleep(ctx, opts.Interval); err != nil {
			return res, err
		}
	}
}

func (s *Selector) attempt(ctx context.Context, src Source, cr Criteria, res *Result) {
	res.Attempts++
	cands, err := src.Candidates(ctx)
	if err != nil {
		slog.Warn("selection snapshot failed", "attempt", res.Attempts, "error", err)
		res.Reason = fmt.Sprintf("snapshot failed: %v", err)
		return
	}
	best, found, matched := Choose(cands, cr)
	res.Scanned = len(cands)
	res.Matched = matched
	res.Reason = ""
	if found {
		res.Found = true
		res.Candidate = &best
		return
	}
	res.Reason = fmt.Sprintf("no candidate with amount >= %s", cr.MinAmount)
}
