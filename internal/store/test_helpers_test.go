package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ledgerguard/internal/ir"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a record expiring one day after createdAt.
func createTestRecord(key string, createdAt time.Time) ir.IdempotencyRecord {
	return ir.IdempotencyRecord{
		ClientKey: key,
		BodyHash:  "hash-" + key,
		CommandID: "cmd-" + key,
		ResultRef: "c-" + key,
		Payload:   []byte(`{"key":"` + key + `"}`),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(24 * time.Hour),
	}
}
