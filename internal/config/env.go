// Package config loads process settings from the environment and
// per-operation-class retry policies from a CUE file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration.
type Config struct {
	DBPath     string `env:"LEDGERGUARD_DB_PATH"     envDefault:"ledgerguard.db"`
	PolicyPath string `env:"LEDGERGUARD_POLICY_PATH"`

	IdempotencyTTL        time.Duration `env:"LEDGERGUARD_IDEMPOTENCY_TTL"         envDefault:"24h"`
	IdempotencyMaxEntries int           `env:"LEDGERGUARD_IDEMPOTENCY_MAX_ENTRIES" envDefault:"0"`
	InFlightMode          string        `env:"LEDGERGUARD_IN_FLIGHT_MODE"          envDefault:"wait"`
	PruneInterval         time.Duration `env:"LEDGERGUARD_PRUNE_INTERVAL"          envDefault:"10m"`

	DirectoryTTL time.Duration `env:"LEDGERGUARD_DIRECTORY_TTL" envDefault:"1h"`

	MaxAttempts        int           `env:"LEDGERGUARD_MAX_ATTEMPTS"        envDefault:"3"`
	RetryDelay         time.Duration `env:"LEDGERGUARD_RETRY_DELAY"         envDefault:"250ms"`
	PaceInterval       time.Duration `env:"LEDGERGUARD_PACE_INTERVAL"       envDefault:"300ms"`
	VisibilityAttempts int           `env:"LEDGERGUARD_VISIBILITY_ATTEMPTS" envDefault:"5"`
	VisibilityDelay    time.Duration `env:"LEDGERGUARD_VISIBILITY_DELAY"    envDefault:"200ms"`
	PollInterval       time.Duration `env:"LEDGERGUARD_POLL_INTERVAL"       envDefault:"2s"`
	PollTimeout        time.Duration `env:"LEDGERGUARD_POLL_TIMEOUT"        envDefault:"30s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the non-policy settings and the default policy.
func (c Config) Validate() error {
	var errs []error
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("LEDGERGUARD_IDEMPOTENCY_TTL must be positive"))
	}
	if c.IdempotencyMaxEntries < 0 {
		errs = append(errs, errors.New("LEDGERGUARD_IDEMPOTENCY_MAX_ENTRIES must not be negative"))
	}
	if c.InFlightMode != "wait" && c.InFlightMode != "reject" {
		errs = append(errs, fmt.Errorf("LEDGERGUARD_IN_FLIGHT_MODE must be wait or reject, got %q", c.InFlightMode))
	}
	if c.DirectoryTTL < 0 {
		errs = append(errs, errors.New("LEDGERGUARD_DIRECTORY_TTL must not be negative"))
	}
	if err := c.DefaultPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultPolicy is the policy applied to classes the policy file omits.
func (c Config) DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        c.MaxAttempts,
		RetryDelay:         c.RetryDelay,
		PaceInterval:       c.PaceInterval,
		VisibilityAttempts: c.VisibilityAttempts,
		VisibilityDelay:    c.VisibilityDelay,
		PollInterval:       c.PollInterval,
		PollTimeout:        c.PollTimeout,
	}
}

// WithDefaultPolicy returns a copy of c whose default policy is p.
func (c Config) WithDefaultPolicy(p Policy) Config {
	c.MaxAttempts = p.MaxAttempts
	c.RetryDelay = p.RetryDelay
	c.PaceInterval = p.PaceInterval
	c.VisibilityAttempts = p.VisibilityAttempts
	c.VisibilityDelay = p.VisibilityDelay
	c.PollInterval = p.PollInterval
	c.PollTimeout = p.PollTimeout
	return c
}
