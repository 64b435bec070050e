// Package directory keeps an advisory map from stable logical IDs to the
// most recently observed state reference.
//
// The directory is a hint, never a source of truth. Callers must re-validate
// an entry against a live snapshot before trusting it, and the orchestrator
// overwrites it after every committed change.
package directory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/ir"
)

// DefaultTTL is how long an entry is trusted as a hint.
const DefaultTTL = time.Hour

// EntryStore persists entries for warm restarts. Writes are best-effort.
type EntryStore interface {
	UpsertDirectoryEntry(ctx context.Context, e ir.DirectoryEntry) error
	DeleteDirectoryEntry(ctx context.Context, logicalID string) error
	ReadDirectoryEntries(ctx context.Context) ([]ir.DirectoryEntry, error)
}

// Option configures a Directory.
type Option func(*Directory)

// WithTTL sets the entry lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		d.ttl = ttl
	}
}

// WithStore adds write-through persistence.
func WithStore(s EntryStore) Option {
	return func(d *Directory) {
		d.store = s
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) {
		d.clock = c
	}
}

// Directory is a concurrent logical-ID map. Last write wins.
type Directory struct {
	mu          sync.RWMutex
	entries     map[string]ir.DirectoryEntry
	lastUpdated time.Time
	ttl         time.Duration
	store       EntryStore
	clock       clock.Clock
}

// New creates an empty Directory.
func New(opts ...Option) *Directory {
	d := &Directory{
		entries: make(map[string]ir.DirectoryEntry),
		ttl:     DefaultTTL,
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get returns the entry for id. Expired entries are reported absent.
func (d *Directory) Get(id string) (ir.DirectoryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok || d.expired(e) {
		return ir.DirectoryEntry{}, false
	}
	return e, true
}

// Update records ref as the latest reference for id. Blank IDs or
// references are ignored.
func (d *Directory) Update(ctx context.Context, id string, ref ir.StateReference, owner ir.Party) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(ref.ID) == "" {
		return
	}
	now := d.clock.Now()
	e := ir.DirectoryEntry{LogicalID: id, Reference: ref, Owner: owner, UpdatedAt: now}

	d.mu.Lock()
	d.entries[id] = e
	d.lastUpdated = now
	d.mu.Unlock()

	slog.Debug("directory updated", "logical_id", id, "contract_id", ref.ID)
	if d.store != nil {
		if err := d.store.UpsertDirectoryEntry(ctx, e); err != nil {
			slog.Warn("directory persist failed", "logical_id", id, "error", err)
		}
	}
}

// Retire removes id, for entities archived without a successor.
func (d *Directory) Retire(ctx context.Context, id string) {
	d.mu.Lock()
	_, ok := d.entries[id]
	delete(d.entries, id)
	d.lastUpdated = d.clock.Now()
	d.mu.Unlock()

	if !ok {
		return
	}
	slog.Debug("directory entry retired", "logical_id", id)
	if d.store != nil {
		if err := d.store.DeleteDirectoryEntry(ctx, id); err != nil {
			slog.Warn("directory delete failed", "logical_id", id, "error", err)
		}
	}
}

// Entries returns every live entry ordered by logical ID.
func (d *Directory) Entries() []ir.DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ir.DirectoryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if !d.expired(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}

// LastUpdated returns the time of the most recent change.
func (d *Directory) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdated
}

// Prune drops expired entries from memory and returns how many.
func (d *Directory) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, e := range d.entries {
		if d.expired(e) {
			delete(d.entries, id)
			n++
		}
	}
	return n
}

// Load seeds the directory from the store. Existing entries win.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	entries, err := d.store.ReadDirectoryEntries(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if _, ok := d.entries[e.LogicalID]; ok || d.expired(e) {
			continue
		}
		d.entries[e.LogicalID] = e
		if e.UpdatedAt.After(d.lastUpdated) {
			d.lastUpdated = e.UpdatedAt
		}
	}
	slog.Info("directory loaded", "entries", len(d.entries))
	return nil
}

func (d *Directory) expired(e ir.DirectoryEntry) bool {
	return d.ttl > 0 && !d.clock.Now().Before(e.UpdatedAt.Add(d.ttl))
}
