// Package idempotency guarantees that a client key maps to at most one
// committed ledger operation, and replays the stored outcome for repeats.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/ir"
)

// DefaultTTL is how long a recorded outcome is replayed.
const DefaultTTL = 24 * time.Hour

// Mode selects how a duplicate arriving while the original is in flight
// is treated.
type Mode string

const (
	// ModeWait blocks the duplicate until the original finishes, then
	// replays its outcome (or takes over if it failed).
	ModeWait Mode = "wait"
	// ModeReject fails the duplicate immediately with ErrDuplicateInFlight.
	ModeReject Mode = "reject"
)

// ParseMode parses "wait" or "reject".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWait, ModeReject:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown in-flight mode %q (want wait or reject)", s)
}

// RecordStore persists outcomes beyond the process lifetime.
type RecordStore interface {
	WriteRecord(ctx context.Context, rec ir.IdempotencyRecord) (bool, error)
	ReadRecord(ctx context.Context, key string) (ir.IdempotencyRecord, bool, error)
	DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets the replay window. Non-positive keeps DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMode sets the in-flight duplicate policy.
func WithMode(m Mode) Option {
	return func(g *Guard) {
		g.mode = m
	}
}

// WithStore adds a persistent record store.
func WithStore(s RecordStore) Option {
	return func(g *Guard) {
		g.store = s
	}
}

// WithMaxEntries bounds the in-memory record count; oldest records are
// evicted first. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(g *Guard) {
		g.maxEntries = n
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		g.clock = c
	}
}

type flight struct {
	bodyHash string
	done     chan struct{}
}

// Guard maps client keys to recorded outcomes and excludes concurrent
// execution of the same key.
//
// Failures are never recorded: a Claim that is released without Commit
// leaves no trace and the next caller with the key runs the operation.
//
// Thread-safety: All methods are safe for concurrent use.
type Guard struct {
	mu         sync.Mutex
	records    map[string]ir.IdempotencyRecord
	inflight   map[string]*flight
	ttl        time.Duration
	mode       Mode
	maxEntries int
	store      RecordStore
	clock      clock.Clock
}

// NewGuard creates a Guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		records:  make(map[string]ir.IdempotencyRecord),
		inflight: make(map[string]*flight),
		ttl:      DefaultTTL,
		mode:     ModeWait,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TTL returns the replay window.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Claim is exclusive ownership of a key while its operation runs.
// Exactly one of Commit or Release must be called.
type Claim struct {
	guard  *Guard
	key    string
	flight *flight
	closed bool
}

// Key returns the claimed client key.
func (c *Claim) Key() string {
	return c.key
}

// Acquire either returns a previously recorded outcome, or a Claim making
// the caller the only executor of key. bodyHash binds the key to one
// request; an empty bodyHash skips the check.
func (g *Guard) Acquire(ctx context.Context, key, bodyHash string) (*Claim, *ir.IdempotencyRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}

	for {
		g.mu.Lock()
		if rec, ok := g.lookupLocked(key); ok {
			g.mu.Unlock()
			if err := checkBody(rec, bodyHash); err != nil {
				return nil, nil, err
			}
			return nil, &rec, nil
		}

		if f, ok := g.inflight[key]; ok {
			g.mu.Unlock()
			if bodyHash != "" && f.bodyHash != "" && f.bodyHash != bodyHash {
				return nil, nil, ErrBodyMismatch
			}
			if g.mode == ModeReject {
				return nil, nil, ErrDuplicateInFlight
			}
			slog.Debug("waiting for in-flight request", "client_key", key)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-f.done:
			}
			continue
		}

		f := &flight{bodyHash: bodyHash, done: make(chan struct{})}
		g.inflight[key] = f
		g.mu.Unlock()

		claim := &Claim{guard: g, key: key, flight: f}
		if g.store == nil {
			return claim, nil, nil
		}

		rec, found, err := g.store.ReadRecord(ctx, key)
		if err != nil {
			claim.Release()
			return nil, nil, fmt.Errorf("read idempotency record: %w", err)
		}
		if !found || rec.Expired(g.clock.Now()) {
			return claim, nil, nil
		}

		g.mu.Lock()
		g.putLocked(rec)
		g.mu.Unlock()
		claim.Release()
		if err := checkBody(rec, bodyHash); err != nil {
			return nil, nil, err
		}
		return nil, &rec, nil
	}
}

// Commit records the successful outcome and wakes any waiters.
// ClientKey and BodyHash are filled from the claim; CreatedAt defaults to
// now and ExpiresAt to CreatedAt plus the TTL.
func (c *Claim) Commit(ctx context.Context, rec ir.IdempotencyRecord) (ir.IdempotencyRecord, error) {
	if c.closed {
		return ir.IdempotencyRecord{}, ErrClaimClosed
	}
	rec.ClientKey = c.key
	rec.BodyHash = c.flight.bodyHash
	stored, err := c.guard.RegisterSuccess(ctx, rec)
	c.Release()
	return stored, err
}

// Release gives up the claim without recording anything.
// Safe to call after Commit.
func (c *Claim) Release() {
	if c.closed {
		return
	}
	c.closed = true
	g := c.guard
	g.mu.Lock()
	if g.inflight[c.key] == c.flight {
		delete(g.inflight, c.key)
	}
	g.mu.Unlock()
	close(c.flight.done)
}

// Check returns the recorded, unexpired outcome for key.
func (g *Guard) Check(ctx context.Context, key string) (ir.IdempotencyRecord, bool) {
	g.mu.Lock()
	rec, ok := g.lookupLocked(key)
	g.mu.Unlock()
	if ok || g.store == nil {
		return rec, ok
	}

	rec, found, err := g.store.ReadRecord(ctx, key)
	if err != nil {
		slog.Warn("idempotency store read failed", "client_key", key, "error", err)
		return ir.IdempotencyRecord{}, false
	}
	if !found || rec.Expired(g.clock.Now()) {
		return ir.IdempotencyRecord{}, false
	}
	g.mu.Lock()
	g.putLocked(rec)
	g.mu.Unlock()
	return rec, true
}

// RegisterSuccess records an outcome exactly once. A second registration
// for a live key returns ErrAlreadyRecorded and leaves the first intact.
func (g *Guard) RegisterSuccess(ctx context.Context, rec ir.IdempotencyRecord) (ir.IdempotencyRecord, error) {
	if err := ValidateKey(rec.ClientKey); err != nil {
		return ir.IdempotencyRecord{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = g.clock.Now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(g.ttl)
	}

	g.mu.Lock()
	if _, ok := g.lookupLocked(rec.ClientKey); ok {
		g.mu.Unlock()
		return ir.IdempotencyRecord{}, ErrAlreadyRecorded
	}
	g.putLocked(rec)
	g.mu.Unlock()

	slog.Debug("idempotency record stored",
		"client_key", rec.ClientKey,
		"command_id", rec.CommandID,
		"expires_at", rec.ExpiresAt)

	if g.store != nil {
		inserted, err := g.store.WriteRecord(ctx, rec)
		switch {
		case err != nil:
			slog.Warn("idempotency store write failed", "client_key", rec.ClientKey, "error", err)
		case !inserted:
			slog.Warn("idempotency record already persisted by another writer", "client_key", rec.ClientKey)
		}
	}
	return rec, nil
}

// Prune drops expired records from memory and the store.
func (g *Guard) Prune(ctx context.Context) (int, error) {
	now := g.clock.Now()

	g.mu.Lock()
	removed := 0
	for k, rec := range g.records {
		if rec.Expired(now) {
			delete(g.records, k)
			removed++
		}
	}
	g.mu.Unlock()

	if g.store != nil {
		n, err := g.store.DeleteExpiredRecords(ctx, now)
		if err != nil {
			return removed, fmt.Errorf("prune idempotency store: %w", err)
		}
		if int(n) > removed {
			removed = int(n)
		}
	}
	if removed > 0 {
		slog.Info("pruned expired idempotency records", "count", removed)
	}
	return removed, nil
}

// Run prunes every interval, measured on the guard's clock, until ctx is
// done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		if err := g.clock.Sleep(ctx, interval); err != nil {
			return
		}
		if _, err := g.Prune(ctx); err != nil {
			slog.Warn("idempotency prune failed", "error", err)
		}
	}
}

// Len returns the number of records held in memory, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// Clear drops every in-memory record. In-flight claims are unaffected.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = make(map[string]ir.IdempotencyRecord)
}

func (g *Guard) lookupLocked(key string) (ir.IdempotencyRecord, bool) {
	rec, ok := g.records[key]
	if !ok {
		return ir.IdempotencyRecord{}, false
	}
	if rec.Expired(g.clock.Now()) {
		delete(g.records, key)
		return ir.IdempotencyRecord{}, false
	}
	return rec, true
}

func (g *Guard) putLocked(rec ir.IdempotencyRecord) {
	g.records[rec.ClientKey] = rec
	if g.maxEntries <= 0 || len(g.records) <= g.maxEntries {
		return
	}
	var oldest string
	var oldestAt time.Time
	for k, r := range g.records {
		if k == rec.ClientKey {
			continue
		}
		if oldest == "" || r.CreatedAt.Before(oldestAt) {
			oldest, oldestAt = k, r.CreatedAt
		}
	}
	delete(g.records, oldest)
}

func checkBody(rec ir.IdempotencyRecord, bodyHash string) error {
	if bodyHash != "" && rec.BodyHash != "" && rec.BodyHash != bodyHash {
		return ErrBodyMismatch
	}
	return nil
}
