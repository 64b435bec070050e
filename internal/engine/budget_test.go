package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptBudget(t *testing.T) {
	b := NewAttemptBudget(3)
	var attempts []int
	for b.Next() {
		attempts = append(attempts, b.Current())
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.True(t, b.Last())
	assert.False(t, b.Next())
	assert.Equal(t, 3, b.Max())
}

func TestAttemptBudget_AtLeastOne(t *testing.T) {
	for _, max := range []int{0, -2} {
		b := NewAttemptBudget(max)
		assert.True(t, b.Next())
		assert.True(t, b.Last())
		assert.False(t, b.Next())
	}
}
