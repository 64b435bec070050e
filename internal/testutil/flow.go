package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator yields "<prefix>-1", "<prefix>-2", ... forever.
//
// Unlike engine.FixedGenerator it never runs out, which suits scenario runs
// where the number of submit attempts is not known up front.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. Empty prefix defaults to "cmd".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "cmd"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
