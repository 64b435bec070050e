// Package harness runs reproducible scenarios against the orchestrator.
//
// A scenario builds an in-memory ledger, drives requests through a real
// engine.Engine and records every ledger submission and request outcome
// in a trace. Traces are compared with golden files; expect clauses and
// assertions check outcomes, submissions and the persisted state.
//
// # Scenario Format
//
//	name: swap_replay
//	description: "A repeated client key replays without resubmitting"
//	policy:
//	  max_attempts: 3
//	ledger:
//	  contracts:
//	    - id: pool-v1
//	      template: Pool
//	      owner: alice
//	      fields: { logical_id: pool-1 }
//	  lag: { carol: 2 }
//	  choices: { Close: consume, Swap: "reject:SLIPPAGE" }
//	directory: { pool-1: pool-v1 }
//	flow:
//	  - faults:
//	      - { reason: CONTRACT_NOT_ACTIVE, times: 2 }
//	    execute:
//	      operation: Swap
//	      client_key: abc
//	      body: '{"amount":"10"}'
//	      act_as: [alice]
//	      entities: [{ logical_id: pool-1, template: Pool }]
//	    expect: { status: committed, attempts: 3 }
//	  - external:
//	      command_id: ext-1
//	      operation: Swap
//	      act_as: [bob]
//	      inputs: [c-4]
//	assertions:
//	  - type: trace_count
//	    operation: Swap
//	    count: 4
//	  - type: final_state
//	    table: directory_entries
//	    where: { logical_id: pool-1 }
//	    expect: { contract_id: c-5 }
//
// # Assertion Types
//
//   - trace_contains: a submission of an operation with the given inputs
//   - trace_order: operations are first submitted in the given order
//   - trace_count: an operation is submitted exactly N times
//   - final_state: a row of idempotency_records, directory_entries or
//     command_attempts holds the expected values
//
// # Deterministic Testing
//
// Each run uses a manual clock starting at testutil.Epoch, command IDs
// "<prefix>-1", "<prefix>-2", ... and a fresh in-memory SQLite store, so
// traces are identical across runs.
package harness
