package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/store"
)

// runCLI executes the root command and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData unmarshals the data field of a JSON CLI response.
func decodeData(t *testing.T, output string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// seedStore creates a database with records, directory entries and
// attempts.
func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerguard.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err = st.WriteRecord(ctx, ir.IdempotencyRecord{
		ClientKey: "swap-1",
		CommandID: "cmd-1",
		ResultRef: "update-2",
		Payload:   []byte(`{"command_id":"cmd-1"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = st.WriteRecord(ctx, ir.IdempotencyRecord{
		ClientKey: "swap-0",
		CommandID: "cmd-0",
		CreatedAt: old,
		ExpiresAt: old.Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, st.UpsertDirectoryEntry(ctx, ir.DirectoryEntry{
		LogicalID: "pool-1",
		Reference: ir.StateReference{ID: "c-2", TemplateID: "Pool"},
		Owner:     "alice",
		UpdatedAt: now,
	}))
	require.NoError(t, st.UpsertDirectoryEntry(ctx, ir.DirectoryEntry{
		LogicalID: "pool-0",
		Reference: ir.StateReference{ID: "c-1", TemplateID: "Pool"},
		Owner:     "alice",
		UpdatedAt: old,
	}))

	attempts := []ir.CommandAttempt{
		{CommandID: "cmd-1", Operation: "Swap", ClientKey: "swap-1", Attempt: 1, ActAs: []ir.Party{"alice"}, SubmittedAt: now, Result: ir.AttemptRetryable, Reason: "CONTRACT_NOT_ACTIVE"},
		{CommandID: "cmd-2", Operation: "Swap", ClientKey: "swap-1", Attempt: 2, ActAs: []ir.Party{"alice"}, SubmittedAt: now, Result: ir.AttemptCommitted},
		{CommandID: "cmd-3", Operation: "Close", ClientKey: "close-1", Attempt: 1, ActAs: []ir.Party{"bob"}, SubmittedAt: now, Result: ir.AttemptFatal, Reason: "FORBIDDEN"},
	}
	for _, a := range attempts {
		require.NoError(t, st.WriteAttempt(ctx, a))
	}
	return path
}

func TestTestCommand_CanonicalScenarios(t *testing.T) {
	out, err := runCLI(t, "test", "../../testdata/scenarios", "--golden-dir", "../harness/testdata/golden")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ swap_replay")
	assert.Contains(t, out, "8 passed, 0 failed, 8 total")
}

func TestTestCommand_FilterJSON(t *testing.T) {
	out, err := runCLI(t, "--format", "json", "test", "../../testdata/scenarios",
		"--golden-dir", "../harness/testdata/golden", "--filter", "stale_*")
	require.NoError(t, err, out)

	var result TestResult
	decodeData(t, out, &result)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Passed)
}

const failingScenario = `
name: wrong_expectation
description: "Expects a commit the ledger rejects"
ledger:
  contracts:
    - { template: Pool, owner: alice, fields: { logical_id: pool-1 } }
  choices: { Swap: "reject:SLIPPAGE" }
flow:
  - execute:
      operation: Swap
      act_as: [alice]
      entities: [{ logical_id: pool-1, template: Pool }]
    expect: { status: committed }
`

func TestTestCommand_FailureExitCode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wrong.yaml", failingScenario)

	out, err := runCLI(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "expected status committed, got error BUSINESS_REJECTION")
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.yaml", `
name: simple_commit
description: "One swap commits"
ledger:
  contracts:
    - { template: Pool, owner: alice, fields: { logical_id: pool-1 } }
flow:
  - execute:
      operation: Swap
      act_as: [alice]
      entities: [{ logical_id: pool-1, template: Pool }]
    expect: { status: committed }
`)

	_, err := runCLI(t, "test", dir, "--update")
	require.NoError(t, err)

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "simple_commit.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"simple_commit"`)

	out, err := runCLI(t, "test", dir)
	require.NoError(t, err, out)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "simple_commit.golden"), []byte("{}"), 0644))
	out, err = runCLI(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := runCLI(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRecordsList(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "--format", "json", "records", "list", "--db", db)
	require.NoError(t, err)

	var list RecordList
	decodeData(t, out, &list)
	require.Len(t, list.Records, 2)
	assert.Equal(t, "swap-0", list.Records[0].ClientKey, "oldest first")
	assert.Equal(t, "swap-1", list.Records[1].ClientKey)

	out, err = runCLI(t, "records", "list", "--db", db, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "swap-0")
	assert.NotContains(t, out, "swap-1")
}

func TestRecordsShow(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "records", "show", "swap-1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Command ID: cmd-1")
	assert.Contains(t, out, `Payload:    {"command_id":"cmd-1"}`)

	out, err = runCLI(t, "--format", "json", "records", "show", "missing", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E_NOT_FOUND")

	_, err = runCLI(t, "records", "show", "bad key!", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRecordsPrune(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "records", "prune", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 expired record(s)")

	out, err = runCLI(t, "--format", "json", "records", "list", "--db", db)
	require.NoError(t, err)
	var list RecordList
	decodeData(t, out, &list)
	require.Len(t, list.Records, 1)
	assert.Equal(t, "swap-1", list.Records[0].ClientKey)
}

func TestRecordsPrune_Watch(t *testing.T) {
	db := seedStore(t)
	t.Setenv("LEDGERGUARD_PRUNE_INTERVAL", "10ms")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"records", "prune", "--watch", "--db", db})
	require.NoError(t, cmd.ExecuteContext(ctx))

	assert.Contains(t, out.String(), "Pruned 1 expired record(s)")
	assert.Error(t, ctx.Err(), "watch runs until the context ends")
}

func TestRecordsPrune_InvalidConfig(t *testing.T) {
	db := seedStore(t)
	t.Setenv("LEDGERGUARD_IN_FLIGHT_MODE", "queue")

	_, err := runCLI(t, "records", "prune", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDirectoryList_TTLFromEnv(t *testing.T) {
	db := seedStore(t)
	t.Setenv("LEDGERGUARD_DIRECTORY_TTL", "0")

	out, err := runCLI(t, "--format", "json", "directory", "list", "--db", db)
	require.NoError(t, err)
	var list DirectoryList
	decodeData(t, out, &list)
	assert.Len(t, list.Entries, 2)
}

func TestDirectoryList(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "directory", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "pool-1 -> c-2 (Pool, owner alice")
	assert.NotContains(t, out, "pool-0", "expired entries are hidden")

	out, err = runCLI(t, "--format", "json", "directory", "list", "--db", db, "--ttl", "0")
	require.NoError(t, err)
	var list DirectoryList
	decodeData(t, out, &list)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "pool-0", list.Entries[0].LogicalID)
}

func TestTrace(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "--format", "json", "trace", "--db", db, "--key", "swap-1")
	require.NoError(t, err)

	var res TraceResult
	decodeData(t, out, &res)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "cmd-1", res.Attempts[0].CommandID)
	assert.Equal(t, TraceStats{Total: 2, Committed: 1, Retryable: 1, Complete: true}, res.Stats)

	out, err = runCLI(t, "trace", "--db", db, "--key", "swap-1", "--operation", "Close")
	require.NoError(t, err)
	assert.Contains(t, out, "No attempts found for client key: swap-1")

	out, err = runCLI(t, "trace", "--db", db, "--key", "close-1")
	require.NoError(t, err)
	assert.Contains(t, out, "#1 Close cmd-3 as bob -> fatal (FORBIDDEN)")
}

func TestTrace_RequiresKey(t *testing.T) {
	_, err := runCLI(t, "trace", "--db", seedStore(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"key" not set`)
}

const snapshotJSON = `[
  {"ref": {"id": "b", "template_id": "Token"}, "owner": "alice", "fields": {"amount": "10"}},
  {"ref": {"id": "a", "template_id": "Token"}, "owner": "alice", "fields": {"amount": "10"}},
  {"ref": {"id": "c", "template_id": "Token"}, "owner": "bob", "fields": {"amount": "25"}},
  {"ref": {"id": "d", "template_id": "Token"}, "owner": "alice", "fields": {"amount": "2"}},
  {"ref": {"id": "x", "template_id": "Other"}, "owner": "alice", "fields": {"amount": "50"}}
]`

func TestSelect(t *testing.T) {
	path := writeFile(t, t.TempDir(), "snapshot.json", snapshotJSON)

	out, err := runCLI(t, "select", path, "--template", "Token", "--min-amount", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Selected a (Token) amount 10 owner alice")
	assert.Contains(t, out, "Scanned 5, matched 3")

	out, err = runCLI(t, "--format", "json", "select", path, "--owner", "bob")
	require.NoError(t, err)
	var res struct {
		Found     bool `json:"found"`
		Candidate struct {
			Reference ir.StateReference `json:"reference"`
		} `json:"candidate"`
	}
	decodeData(t, out, &res)
	assert.True(t, res.Found)
	assert.Equal(t, "c", res.Candidate.Reference.ID)
}

func TestSelect_NoCandidate(t *testing.T) {
	path := writeFile(t, t.TempDir(), "snapshot.json", snapshotJSON)

	out, err := runCLI(t, "select", path, "--template", "Token", "--min-amount", "100")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "No candidate selected: no candidate with amount >= 100")
}

func TestSelect_BadInput(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "snapshot.json", snapshotJSON)

	_, err := runCLI(t, "select", path, "--min-amount", "lots")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	bad := writeFile(t, dir, "bad.json", `{"not": "a list"}`)
	_, err = runCLI(t, "select", bad)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPolicyCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.cue", `
default: {
	max_attempts: 4
}
classes: {
	swap: {
		max_attempts:  6
		pace_interval: "1s"
	}
}
`)

	out, err := runCLI(t, "policy", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "default: attempts=4")
	assert.Contains(t, out, "swap: attempts=6")
	assert.Contains(t, out, "pace=1s")

	out, err = runCLI(t, "--format", "json", "policy", "check", path)
	require.NoError(t, err)
	var report PolicyReport
	decodeData(t, out, &report)
	require.Len(t, report.Classes, 1)
	assert.Equal(t, "swap", report.Classes[0].Name)
	assert.Equal(t, time.Second, report.Classes[0].Policy.PaceInterval)
}

func TestPolicyCheck_Invalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policy.cue", `default: { max_attempts: 99 }`)

	out, err := runCLI(t, "policy", "check", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E_INVALID_POLICY]")
}
