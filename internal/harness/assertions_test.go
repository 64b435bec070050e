package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var sampleTrace = []TraceEvent{
	{Type: EventSubmit, Seq: 1, Operation: "Swap", CommandID: "cmd-1", Inputs: []string{"pool-v1"}, Result: "CONTRACT_NOT_ACTIVE"},
	{Type: EventSubmit, Seq: 2, Operation: "Swap", CommandID: "cmd-2", Inputs: []string{"c-2"}, Result: "committed"},
	{Type: EventOutcome, Seq: 3, CommandID: "cmd-2", Status: "committed", Attempts: 2},
	{Type: EventSubmit, Seq: 4, Operation: "Close", CommandID: "cmd-3", Inputs: []string{"c-3"}, Result: "committed"},
}

func TestAssertTraceContains(t *testing.T) {
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Operation: "Swap", Inputs: []string{"c-2"}}))
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Operation: "Close"}))

	err := assertTraceContains(sampleTrace, Assertion{Operation: "Swap", Inputs: []string{"c-3"}})
	var ae *AssertionError
	assert.ErrorAs(t, err, &ae)
	assert.Contains(t, err.Error(), "Swap cmd-1 [pool-v1] -> CONTRACT_NOT_ACTIVE")
}

func TestAssertTraceOrder(t *testing.T) {
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Operations: []string{"Swap", "Close"}}))

	err := assertTraceOrder(sampleTrace, Assertion{Operations: []string{"Close", "Swap"}})
	assert.ErrorContains(t, err, "should be before")

	err = assertTraceOrder(sampleTrace, Assertion{Operations: []string{"Swap", "Mint"}})
	assert.ErrorContains(t, err, "missing operation: Mint")
}

func TestAssertTraceCount(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Operation: "Swap", Count: 2}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Operation: "Mint", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(sampleTrace, Assertion{Operation: "Swap", Count: 1}), "2 submissions")
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]interface{}{"logical_id": "pool-1", "attempt": 2})
	assert.NoError(t, err)
	assert.Equal(t, "attempt = ? AND logical_id = ?", sql)
	assert.Equal(t, []interface{}{2, "pool-1"}, args)

	_, _, err = buildWhereClause(map[string]interface{}{"x; DROP TABLE y": 1})
	assert.ErrorContains(t, err, "invalid column name")
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected interface{}
		actual   interface{}
		want     bool
	}{
		{"string", "c-2", "c-2", true},
		{"string from bytes", "c-2", []byte("c-2"), true},
		{"string mismatch", "c-2", "c-3", false},
		{"int", 2, int64(2), true},
		{"int mismatch", 2, int64(3), false},
		{"bool from int", true, int64(1), true},
		{"nil both", nil, nil, true},
		{"nil one", "x", nil, false},
		{"type mismatch", "2", int64(2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestEvaluateAssertions_FinalStateNeedsStore(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertFinalState, Table: "directory_entries"}}, nil)
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires database context")
}
