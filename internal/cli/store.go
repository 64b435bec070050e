package cli

import (
	"github.com/roach88/ledgerguard/internal/config"
	"github.com/roach88/ledgerguard/internal/store"
)

// loadConfig reads the process configuration from the environment.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// openStore opens the database at path, falling back to
// LEDGERGUARD_DB_PATH when path is empty.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.DBPath
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
