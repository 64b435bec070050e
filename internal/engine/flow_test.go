package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerguard/internal/ledger"
)

func TestUUIDv7Generator_Format(t *testing.T) {
	id := UUIDv7Generator{}.Generate()

	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_ConcurrentUnique(t *testing.T) {
	gen := UUIDv7Generator{}
	const goroutines = 100

	ids := make(chan string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate command ID %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("cmd-a", "cmd-b")

	assert.Equal(t, "cmd-a", gen.Generate())
	assert.Equal(t, "cmd-b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() }, "should panic when all IDs are consumed")
	assert.Panics(t, func() { NewFixedGenerator().Generate() })
}

func TestEngine_DefaultGeneratorIsUUIDv7(t *testing.T) {
	l := ledger.NewMemory()
	createPool(l)
	e := New(l)

	_, err := e.Execute(context.Background(), swapOp(""))
	require.NoError(t, err)

	parsed, err := uuid.Parse(l.Commands()[0].CommandID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestEngine_FixedGeneratorDrivesRetries(t *testing.T) {
	l := ledger.NewMemory()
	createPool(l)
	l.InjectFault(ledger.Fault{Reason: ledger.ReasonUnavailable})
	e, _ := newTestEngine(t, l, WithIDGenerator(NewFixedGenerator("first", "second")))

	out, err := e.Execute(context.Background(), swapOp(""))
	require.NoError(t, err)
	assert.Equal(t, "second", out.CommandID)
	assert.Equal(t, []string{"first", "second"}, commandIDs(l))
}
