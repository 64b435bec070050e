// Package ledger defines the boundary to the eventually-consistent ledger and
// an in-memory implementation used by tests, the scenario harness and the CLI.
//
// The ledger itself is the source of truth. Everything above this package
// treats snapshots as possibly stale and submissions as possibly conflicting.
package ledger
