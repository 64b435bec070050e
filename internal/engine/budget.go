package engine

// AttemptBudget counts attempts for one operation against its class's
// maximum. Each Execute call owns its own budget.
type AttemptBudget struct {
	max     int
	current int
}

// NewAttemptBudget creates a budget allowing max attempts. Values below one
// are raised to one: every operation gets at least one attempt.
func NewAttemptBudget(max int) *AttemptBudget {
	if max < 1 {
		max = 1
	}
	return &AttemptBudget{max: max}
}

// Next starts another attempt. Returns false once the budget is spent.
func (b *AttemptBudget) Next() bool {
	if b.current >= b.max {
		return false
	}
	b.current++
	return true
}

// Current returns the number of attempts started so far.
func (b *AttemptBudget) Current() int {
	return b.current
}

// Max returns the attempt limit.
func (b *AttemptBudget) Max() int {
	return b.max
}

// Last reports whether the current attempt is the final one.
func (b *AttemptBudget) Last() bool {
	return b.current >= b.max
}
