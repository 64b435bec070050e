package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerguard/internal/idempotency"
	"github.com/roach88/ledgerguard/internal/ledger"
)

// Scenario defines a reproducible run of the orchestrator against the
// in-memory ledger: initial contracts and read lag, a flow of requests and
// external submissions, and assertions on the trace and final state.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Policy overrides the harness default policy field by field.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// InFlightMode is "wait" (default) or "reject".
	InFlightMode string `yaml:"in_flight_mode,omitempty"`

	// CommandPrefix prefixes generated command IDs. Defaults to "cmd".
	CommandPrefix string `yaml:"command_prefix,omitempty"`

	Ledger LedgerSetup `yaml:"ledger"`

	// Directory seeds logical ID hints, mapping logical ID to contract ID.
	Directory map[string]string `yaml:"directory,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec holds policy overrides. Zero values keep the default.
type PolicySpec struct {
	MaxAttempts        int           `yaml:"max_attempts,omitempty"`
	RetryDelay         time.Duration `yaml:"retry_delay,omitempty"`
	PaceInterval       time.Duration `yaml:"pace_interval,omitempty"`
	VisibilityAttempts int           `yaml:"visibility_attempts,omitempty"`
	VisibilityDelay    time.Duration `yaml:"visibility_delay,omitempty"`
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
	PollTimeout        time.Duration `yaml:"poll_timeout,omitempty"`
}

// LedgerSetup is the ledger's initial state.
type LedgerSetup struct {
	Contracts []ContractSpec `yaml:"contracts"`

	// Lag makes a party's snapshots trail each commit by N polls.
	Lag map[string]int `yaml:"lag,omitempty"`

	// Choices maps an operation to its behaviour: "touch" (default),
	// "consume" (archive inputs, create nothing) or "reject:<REASON>".
	Choices map[string]string `yaml:"choices,omitempty"`
}

// ContractSpec describes a contract to create.
type ContractSpec struct {
	ID        string            `yaml:"id,omitempty"`
	Template  string            `yaml:"template"`
	Owner     string            `yaml:"owner"`
	Observers []string          `yaml:"observers,omitempty"`
	Fields    map[string]string `yaml:"fields,omitempty"`
}

// FlowStep is one step of the flow. Exactly one of Execute, External or
// Create is set.
type FlowStep struct {
	// Faults are injected before the step runs.
	Faults []FaultSpec `yaml:"faults,omitempty"`

	Execute  *RequestSpec  `yaml:"execute,omitempty"`
	External *ExternalSpec `yaml:"external,omitempty"`
	Create   *ContractSpec `yaml:"create,omitempty"`

	// Expect validates an Execute step. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// FaultSpec injects ledger rejections.
type FaultSpec struct {
	Reason    string `yaml:"reason"`
	Operation string `yaml:"operation,omitempty"`
	Times     int    `yaml:"times,omitempty"`
}

// RequestSpec is an orchestrated request.
type RequestSpec struct {
	Operation  string            `yaml:"operation"`
	Class      string            `yaml:"class,omitempty"`
	ClientKey  string            `yaml:"client_key,omitempty"`
	Body       string            `yaml:"body,omitempty"`
	ActAs      []string          `yaml:"act_as"`
	ReadAs     []string          `yaml:"read_as,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
	Entities   []EntityRef       `yaml:"entities,omitempty"`
	Selections []SelectionRef    `yaml:"selections,omitempty"`
	Confirm    *ConfirmSpec      `yaml:"confirm,omitempty"`
}

// EntityRef names a logical entity to resolve.
type EntityRef struct {
	LogicalID string `yaml:"logical_id"`
	Template  string `yaml:"template,omitempty"`
	Party     string `yaml:"party,omitempty"`
}

// SelectionRef selects a fungible input.
type SelectionRef struct {
	Name        string `yaml:"name"`
	Template    string `yaml:"template"`
	Owner       string `yaml:"owner,omitempty"`
	MinAmount   string `yaml:"min_amount,omitempty"`
	AmountField string `yaml:"amount_field"`
	Party       string `yaml:"party,omitempty"`
	Wait        bool   `yaml:"wait,omitempty"`
}

// ConfirmSpec requests a visibility barrier after commit.
type ConfirmSpec struct {
	Party     string `yaml:"party,omitempty"`
	LogicalID string `yaml:"logical_id,omitempty"`
	Offset    bool   `yaml:"offset,omitempty"`
}

// ExternalSpec is a command submitted directly by another participant,
// bypassing the orchestrator. It must commit.
type ExternalSpec struct {
	CommandID string   `yaml:"command_id"`
	Operation string   `yaml:"operation"`
	ActAs     []string `yaml:"act_as"`
	Inputs    []string `yaml:"inputs"`
}

// ExpectClause specifies the expected result of an Execute step: either a
// Status or an error Code.
type ExpectClause struct {
	Status   string `yaml:"status,omitempty"`
	Error    string `yaml:"error,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Attempts int    `yaml:"attempts,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a submit of Operation with exactly Inputs exists
	// - "trace_order": operations are first submitted in this order
	// - "trace_count": Operation is submitted exactly Count times
	// - "final_state": query Table and verify expected values
	Type string `yaml:"type"`

	Operation  string   `yaml:"operation,omitempty"`
	Inputs     []string `yaml:"inputs,omitempty"`
	Count      int      `yaml:"count,omitempty"`
	Operations []string `yaml:"operations,omitempty"`

	// Table is one of idempotency_records, directory_entries or
	// command_attempts (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters. All fields must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if _, err := idempotency.ParseMode(s.InFlightMode); s.InFlightMode != "" && err != nil {
		return err
	}

	for i, c := range s.Ledger.Contracts {
		if err := validateContract(c); err != nil {
			return fmt.Errorf("ledger.contracts[%d]: %w", i, err)
		}
	}
	for op, choice := range s.Ledger.Choices {
		if _, err := parseChoice(choice); err != nil {
			return fmt.Errorf("ledger.choices[%s]: %w", op, err)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateContract(c ContractSpec) error {
	if c.Template == "" {
		return fmt.Errorf("template is required")
	}
	if c.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	return nil
}

func validateStep(step FlowStep) error {
	set := 0
	for _, present := range []bool{step.Execute != nil, step.External != nil, step.Create != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of execute, external or create is required")
	}

	for j, f := range step.Faults {
		if f.Reason == "" {
			return fmt.Errorf("faults[%d]: reason is required", j)
		}
	}

	switch {
	case step.Execute != nil:
		r := step.Execute
		if r.Operation == "" {
			return fmt.Errorf("execute: operation is required")
		}
		if len(r.ActAs) == 0 {
			return fmt.Errorf("execute: act_as is required")
		}
		for j, sel := range r.Selections {
			if sel.MinAmount == "" {
				continue
			}
			if _, err := decimal.NewFromString(sel.MinAmount); err != nil {
				return fmt.Errorf("execute.selections[%d]: min_amount: %w", j, err)
			}
		}
	case step.External != nil:
		x := step.External
		if x.CommandID == "" || x.Operation == "" || len(x.ActAs) == 0 {
			return fmt.Errorf("external: command_id, operation and act_as are required")
		}
	case step.Create != nil:
		if err := validateContract(*step.Create); err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	if e := step.Expect; e != nil {
		if step.Execute == nil {
			return fmt.Errorf("expect is only valid on execute steps")
		}
		if (e.Status == "") == (e.Error == "") {
			return fmt.Errorf("expect: exactly one of status or error is required")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Operation == "" {
			return fmt.Errorf("assertions[%d]: operation is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Operations) == 0 {
			return fmt.Errorf("assertions[%d]: operations list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Operation == "" {
			return fmt.Errorf("assertions[%d]: operation is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !stateTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q for final_state", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseChoice turns a choice behaviour string into a ledger choice.
func parseChoice(s string) (ledger.ChoiceFunc, error) {
	switch {
	case s == "" || s == "touch":
		return ledger.Touch, nil
	case s == "consume":
		return func([]ledger.Contract, map[string]string) ([]ledger.Contract, error) {
			return nil, nil
		}, nil
	case strings.HasPrefix(s, "reject:"):
		reason := ledger.Reason(strings.TrimPrefix(s, "reject:"))
		if reason == "" {
			return nil, fmt.Errorf("reject requires a reason")
		}
		return func([]ledger.Contract, map[string]string) ([]ledger.Contract, error) {
			return nil, ledger.Reject(reason, "rejected by scenario")
		}, nil
	default:
		return nil, fmt.Errorf("unknown choice %q", s)
	}
}
