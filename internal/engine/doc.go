// Package engine implements the retry-with-refresh orchestrator.
//
// Every mutating operation runs through one state machine:
//
//	RESOLVE -> SUBMIT -> SUCCESS
//	                  -> CLASSIFY -> RETRYABLE -> RESOLVE (attempts remain)
//	                              -> EXHAUSTED
//	                              -> FATAL
//
// RESOLVE re-reads every state reference the operation touches on every
// attempt: directory hints are validated against a live snapshot and asset
// selection re-runs the deterministic selector. References from a failed
// attempt are never reused.
//
// SUBMIT waits for a pacer slot and submits with a fresh command ID, so the
// ledger never deduplicates a retry against the attempt it replaces.
//
// CLASSIFY splits failures into retryable conflicts (absorbed up to the
// class's attempt budget) and fatal rejections (returned at once).
//
// On SUCCESS the directory is updated with each entity's successor, the
// optional visibility barrier runs, and the outcome is registered with the
// idempotency guard when the caller supplied a client key.
package engine
