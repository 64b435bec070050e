// Package service assembles an engine and its supporting components from
// process configuration.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/config"
	"github.com/roach88/ledgerguard/internal/directory"
	"github.com/roach88/ledgerguard/internal/engine"
	"github.com/roach88/ledgerguard/internal/idempotency"
	"github.com/roach88/ledgerguard/internal/ledger"
)

// Store persists records, directory entries and attempts.
type Store interface {
	idempotency.RecordStore
	directory.EntryStore
	engine.AttemptRecorder
}

type options struct {
	clock      clock.Clock
	engineOpts []engine.EngineOption
}

// Option configures New.
type Option func(*options)

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithEngineOptions appends engine options. They are applied after the
// configured ones and override them.
func WithEngineOptions(opts ...engine.EngineOption) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// Service is a configured engine plus its background janitor.
type Service struct {
	Engine *engine.Engine
	cfg    config.Config
}

// NewGuard builds an idempotency guard from cfg. st may be nil.
func NewGuard(cfg config.Config, st idempotency.RecordStore, c clock.Clock) (*idempotency.Guard, error) {
	mode, err := idempotency.ParseMode(cfg.InFlightMode)
	if err != nil {
		return nil, err
	}
	opts := []idempotency.Option{
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithMaxEntries(cfg.IdempotencyMaxEntries),
		idempotency.WithMode(mode),
		idempotency.WithClock(c),
	}
	if st != nil {
		opts = append(opts, idempotency.WithStore(st))
	}
	return idempotency.NewGuard(opts...), nil
}

// NewDirectory builds a logical directory from cfg. st may be nil.
func NewDirectory(cfg config.Config, st directory.EntryStore, c clock.Clock) *directory.Directory {
	opts := []directory.Option{
		directory.WithTTL(cfg.DirectoryTTL),
		directory.WithClock(c),
	}
	if st != nil {
		opts = append(opts, directory.WithStore(st))
	}
	return directory.New(opts...)
}

// Policies loads the policy file named by cfg, or falls back to the
// configured default policy for every class.
func Policies(cfg config.Config) (config.PolicySet, error) {
	if cfg.PolicyPath == "" {
		return config.NewPolicySet(cfg.DefaultPolicy()), nil
	}
	return config.LoadPolicies(cfg.PolicyPath, cfg.DefaultPolicy())
}

// New builds the engine described by cfg over l. The directory is seeded
// from st before New returns.
func New(ctx context.Context, cfg config.Config, l ledger.Ledger, st Store, opts ...Option) (*Service, error) {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	policies, err := Policies(cfg)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	guard, err := NewGuard(cfg, st, o.clock)
	if err != nil {
		return nil, err
	}
	dir := NewDirectory(cfg, st, o.clock)
	if err := dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}

	engineOpts := []engine.EngineOption{
		engine.WithClock(o.clock),
		engine.WithPolicies(policies),
		engine.WithGuard(guard),
		engine.WithDirectory(dir),
	}
	if st != nil {
		engineOpts = append(engineOpts, engine.WithRecorder(st))
	}
	engineOpts = append(engineOpts, o.engineOpts...)

	return &Service{
		Engine: engine.New(l, engineOpts...),
		cfg:    cfg,
	}, nil
}

// Start runs the idempotency janitor every PruneInterval until ctx is done.
// A non-positive interval disables it.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.PruneInterval <= 0 {
		return
	}
	slog.Debug("starting idempotency janitor", "interval", s.cfg.PruneInterval)
	go s.Engine.Guard().Run(ctx, s.cfg.PruneInterval)
}
