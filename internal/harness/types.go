package harness

// Trace event types.
const (
	EventSubmit  = "submit"
	EventCreate  = "create"
	EventOutcome = "outcome"
	EventError   = "error"
)

// TraceEvent is one observable step of a scenario run: a ledger
// submission (from the engine or an external participant), a contract
// created outside any command, or the result of an Execute call.
type TraceEvent struct {
	Type      string   `json:"type"`
	Seq       int64    `json:"seq"`
	Step      int      `json:"step"`
	Operation string   `json:"operation,omitempty"`
	CommandID string   `json:"command_id,omitempty"`
	Contract  string   `json:"contract_id,omitempty"`
	Inputs    []string `json:"inputs,omitempty"`
	Result    string   `json:"result,omitempty"` // "committed" or the rejection reason
	Offset    int64    `json:"offset,omitempty"`
	Status    string   `json:"status,omitempty"`
	Code      string   `json:"code,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev with the next sequence number.
func (r *Result) AddEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
