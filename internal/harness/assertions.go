package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/ledgerguard/internal/store"
)

// validIdentifier matches valid SQL identifiers (column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stateTables are the tables final_state may query.
var stateTables = map[string]bool{
	"idempotency_records": true,
	"directory_entries":   true,
	"command_attempts":    true,
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSubmissions:\n")
		for i, event := range e.Trace {
			if event.Type == EventSubmit {
				fmt.Fprintf(&buf, "  [%d] %s %s %v -> %s\n", i+1, event.Operation, event.CommandID, event.Inputs, event.Result)
			}
		}
	}
	return buf.String()
}

func failure(typ, expected, actual string, trace []TraceEvent) *AssertionError {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: trace}
}

// submissions returns the submit events of trace.
func submissions(trace []TraceEvent) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Type == EventSubmit {
			out = append(out, ev)
		}
	}
	return out
}

// assertTraceContains checks for a submission of the operation whose
// inputs equal the expected inputs. Without inputs any submission matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range submissions(trace) {
		if ev.Operation != a.Operation {
			continue
		}
		if len(a.Inputs) == 0 || reflect.DeepEqual(ev.Inputs, a.Inputs) {
			return nil
		}
	}
	return failure(AssertTraceContains,
		fmt.Sprintf("submission of %s with inputs %v", a.Operation, a.Inputs),
		"not found in trace", trace)
}

// assertTraceOrder checks that operations are first submitted in the given
// order. Intervening submissions are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int)
	for i, ev := range submissions(trace) {
		if _, seen := first[ev.Operation]; !seen {
			first[ev.Operation] = i + 1
		}
	}

	for i, op := range a.Operations {
		if first[op] == 0 {
			return failure(AssertTraceOrder,
				fmt.Sprintf("all operations present: %v", a.Operations),
				fmt.Sprintf("missing operation: %s", op), trace)
		}
		if i == 0 {
			continue
		}
		prev := a.Operations[i-1]
		if first[prev] >= first[op] {
			return failure(AssertTraceOrder,
				fmt.Sprintf("operations in order: %v", a.Operations),
				fmt.Sprintf("%s (pos %d) should be before %s (pos %d)", prev, first[prev], op, first[op]),
				trace)
		}
	}
	return nil
}

// assertTraceCount checks the operation was submitted exactly Count times,
// counting rejected attempts.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range submissions(trace) {
		if ev.Operation == a.Operation {
			n++
		}
	}
	if n != a.Count {
		return failure(AssertTraceCount,
			fmt.Sprintf("%d submissions of %s", a.Count, a.Operation),
			fmt.Sprintf("%d submissions", n), trace)
	}
	return nil
}

// assertFinalState checks a store row against the expected values using
// subset semantics. The where clause must match exactly one row.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if !stateTables[a.Table] {
		return fmt.Errorf("final_state: unknown table %q", a.Table)
	}

	row, err := queryOneRow(ctx, st, a.Table, a.Where)
	if err != nil {
		return err
	}

	for _, key := range sortedKeys(a.Expect) {
		want := a.Expect[key]
		got, ok := row[key]
		if !ok {
			return failure(AssertFinalState,
				fmt.Sprintf("field %q to exist", key),
				fmt.Sprintf("field %q not present in %s", key, a.Table), nil)
		}
		if !stateValuesEqual(want, got) {
			return failure(AssertFinalState,
				fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				fmt.Sprintf("field %q = %v (type %T)", key, got, got), nil)
		}
	}
	return nil
}

// queryOneRow selects the single row of table matching where, keyed by
// column name.
func queryOneRow(ctx context.Context, st *store.Store, table string, where map[string]interface{}) (map[string]interface{}, error) {
	whereSQL, args, err := buildWhereClause(where)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + table
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, args...)
	if err != nil {
		return nil, failure(AssertFinalState, "query table "+table, fmt.Sprintf("query error: %v", err), nil)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	desc := formatWhereClause(where)
	if !rows.Next() {
		return nil, failure(AssertFinalState, fmt.Sprintf("row in %s where %s", table, desc), "row not found", nil)
	}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return nil, failure(AssertFinalState,
			fmt.Sprintf("exactly one row in %s where %s", table, desc),
			"multiple rows matched (assertion is ambiguous)", nil)
	}

	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}
	return row, nil
}

// buildWhereClause constructs a parameterized WHERE clause.
// Keys are sorted for determinism.
func buildWhereClause(where map[string]interface{}) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]interface{}) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML value with a SQLite column value.
// SQLite returns int64 for integers and string or []byte for text.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case int:
		act, ok := actual.(int64)
		return ok && int64(exp) == act
	case int64:
		act, ok := actual.(int64)
		return ok && exp == act
	case bool:
		act, ok := actual.(int64)
		return ok && exp == (act != 0)
	}
	return reflect.DeepEqual(expected, actual)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
