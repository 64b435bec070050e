// Package store provides SQLite-backed durable storage for ledgerguard.
//
// Tables:
//   - idempotency_records: one committed outcome per client key, insert-once
//   - directory_entries: persisted logical directory hints, last write wins
//   - command_attempts: audit trail of every submission attempt
//
// # Conventions
//
//   - Insert-once writes report whether a row was written; a live
//     idempotency record is never overwritten, an expired one is replaced
//   - Timestamps are INTEGER unix nanoseconds (UTC); 0 means unset
//   - List queries carry an explicit ORDER BY with a unique tiebreaker
//   - Stored outcome payloads are wrapped in a msgpack envelope
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
