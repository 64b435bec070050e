// Package pacer spaces ledger submissions so no two are issued closer than a
// minimum interval, across every goroutine sharing the Pacer.
package pacer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerguard/internal/clock"
)

// Pacer grants submission slots at least minInterval apart.
//
// The slot is reserved under the lock and the wait happens outside it, so
// callers queue in reservation order without holding each other up.
// A slot reserved by a caller whose context is cancelled stays consumed.
//
// Thread-safety: safe for concurrent use.
type Pacer struct {
	mu    sync.Mutex
	next  time.Time
	clock clock.Clock
}

// New creates a Pacer on the given clock. A nil clock uses clock.Real.
func New(c clock.Clock) *Pacer {
	if c == nil {
		c = clock.Real{}
	}
	return &Pacer{clock: c}
}

// AwaitSlot blocks until the caller's slot arrives and returns the slot time.
// minInterval <= 0 returns immediately without reserving.
func (p *Pacer) AwaitSlot(ctx context.Context, minInterval time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if minInterval <= 0 {
		return p.clock.Now(), nil
	}

	p.mu.Lock()
	now := p.clock.Now()
	slot := now
	if p.next.After(slot) {
		slot = p.next
	}
	p.next = slot.Add(minInterval)
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait > 0 {
		slog.Debug("pacer waiting", "wait", wait, "slot", slot)
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return time.Time{}, err
		}
	}
	return slot, nil
}

// NextAvailable returns the earliest time a new reservation could be granted.
func (p *Pacer) NextAvailable() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
