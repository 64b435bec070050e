// Package visibility bounds the wait between a committed write and its
// appearance on a party's read side.
package visibility

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
)

// Barrier polls the read side. Exhaustion is a normal "not yet visible"
// answer; only context cancellation is an error.
type Barrier struct {
	snapshots ledger.Snapshotter
	offsets   ledger.OffsetReader
	clock     clock.Clock
}

// New creates a Barrier. offsets may be nil if WaitUntilOffsetReached is
// never used. A nil clock uses clock.Real.
func New(snapshots ledger.Snapshotter, offsets ledger.OffsetReader, c clock.Clock) *Barrier {
	if c == nil {
		c = clock.Real{}
	}
	return &Barrier{snapshots: snapshots, offsets: offsets, clock: c}
}

// WaitUntilVisible polls party's snapshot for target's template until
// target.ID appears. It takes exactly one snapshot per attempt and does not
// sleep after the last one.
func (b *Barrier) WaitUntilVisible(ctx context.Context, party ir.Party, target ir.StateReference, maxAttempts int, delay time.Duration) (bool, error) {
	return b.poll(ctx, maxAttempts, delay, func() (bool, error) {
		contracts, err := b.snapshots.Snapshot(ctx, party, target.TemplateID)
		if err != nil {
			return false, err
		}
		for _, c := range contracts {
			if c.Ref.ID == target.ID {
				return true, nil
			}
		}
		return false, nil
	}, "contract_id", target.ID, "party", party)
}

// WaitUntilOffsetReached polls until the read side reports an offset at or
// beyond target.
func (b *Barrier) WaitUntilOffsetReached(ctx context.Context, target int64, maxAttempts int, delay time.Duration) (bool, error) {
	return b.poll(ctx, maxAttempts, delay, func() (bool, error) {
		off, err := b.offsets.CurrentOffset(ctx)
		if err != nil {
			return false, err
		}
		return off >= target, nil
	}, "offset", target)
}

func (b *Barrier) poll(ctx context.Context, maxAttempts int, delay time.Duration, check func() (bool, error), logArgs ...any) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := check()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			slog.Warn("visibility check failed", append(logArgs, "attempt", attempt, "error", err)...)
		}
		if ok {
			slog.Debug("visible", append(logArgs, "attempt", attempt)...)
			return true, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := b.clock.Sleep(ctx, delay); err != nil {
			return false, err
		}
	}
	slog.Info("not yet visible", append(logArgs, "attempts", maxAttempts)...)
	return false, nil
}
