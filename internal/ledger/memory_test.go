package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerguard/internal/ir"
)

func holding(owner ir.Party, amount string) Contract {
	return Contract{
		Ref:    ir.StateReference{TemplateID: "Holding"},
		Owner:  owner,
		Fields: map[string]string{"amount": amount},
	}
}

func ids(cs []Contract) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Ref.ID
	}
	return out
}

func TestMemory_CreateAndSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := m.Create(holding("alice", "5"))
	m.Create(holding("bob", "7"))
	m.Create(Contract{Ref: ir.StateReference{ID: "pool-1", TemplateID: "Pool"}, Owner: "op"})

	got, err := m.Snapshot(ctx, "alice", "Holding")
	require.NoError(t, err)
	assert.Equal(t, []string{a.Ref.ID}, ids(got))

	pools, err := m.Snapshot(ctx, "op", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool-1"}, ids(pools))

	offset, err := m.CurrentOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)
}

func TestMemory_ObserversSeeContract(t *testing.T) {
	m := NewMemory()
	m.Create(Contract{Ref: ir.StateReference{ID: "p", TemplateID: "Pool", Observers: []ir.Party{"alice"}}, Owner: "op"})

	got, err := m.Snapshot(context.Background(), "alice", "Pool")
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, ids(got))
}

func TestMemory_SubmitArchivesAndRecreates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	h := m.Create(holding("alice", "5"))

	res, err := m.Submit(ctx, Command{CommandID: "cmd-1", Operation: "touch", ActAs: []ir.Party{"alice"}, Inputs: []ir.StateReference{h.Ref}})
	require.NoError(t, err)

	assert.Equal(t, "cmd-1", res.CommandID)
	assert.Equal(t, int64(2), res.Offset)
	require.Len(t, res.Created, 1)
	assert.NotEqual(t, h.Ref.ID, res.Created[0].Ref.ID, "successor gets a new ID")
	assert.Equal(t, "5", res.Created[0].Field("amount"))
	assert.Equal(t, []ir.StateReference{h.Ref}, res.Archived)

	_, active, found := m.Lookup(h.Ref.ID)
	assert.True(t, found)
	assert.False(t, active)
}

func TestMemory_StaleInputRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	h := m.Create(holding("alice", "5"))
	require.NoError(t, m.Archive(h.Ref.ID))

	_, err := m.Submit(ctx, Command{CommandID: "cmd-1", ActAs: []ir.Party{"alice"}, Inputs: []ir.StateReference{h.Ref}})
	reason, class := Classify(err)
	assert.Equal(t, ReasonContractNotActive, reason)
	assert.Equal(t, ClassRetryable, class)

	_, err = m.Submit(ctx, Command{CommandID: "cmd-2", ActAs: []ir.Party{"alice"}, Inputs: []ir.StateReference{{ID: "nope"}}})
	reason, _ = Classify(err)
	assert.Equal(t, ReasonContractNotFound, reason)
}

func TestMemory_RejectsDuplicateCommandID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Submit(ctx, Command{CommandID: "cmd-1", ActAs: []ir.Party{"alice"}})
	require.NoError(t, err)

	_, err = m.Submit(ctx, Command{CommandID: "cmd-1", ActAs: []ir.Party{"alice"}})
	reason, _ := Classify(err)
	assert.Equal(t, ReasonDuplicateCommand, reason)
}

func TestMemory_RequiresActAs(t *testing.T) {
	_, err := NewMemory().Submit(context.Background(), Command{CommandID: "cmd-1"})
	reason, class := Classify(err)
	assert.Equal(t, ReasonInvalidArgument, reason)
	assert.Equal(t, ClassInvalid, class)
}

func TestMemory_ChoiceBusinessRule(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.RegisterChoice("swap", func(inputs []Contract, args map[string]string) ([]Contract, error) {
		return nil, Reject(ReasonSlippage, "min out %s not met", args["min_out"])
	})
	m.RegisterChoice("plain", func(inputs []Contract, args map[string]string) ([]Contract, error) {
		return nil, errors.New("pool paused")
	})

	_, err := m.Submit(ctx, Command{CommandID: "cmd-1", Operation: "swap", ActAs: []ir.Party{"alice"}, Args: map[string]string{"min_out": "9"}})
	assert.EqualError(t, err, "SLIPPAGE: min out 9 not met")

	_, err = m.Submit(ctx, Command{CommandID: "cmd-2", Operation: "plain", ActAs: []ir.Party{"alice"}})
	reason, class := Classify(err)
	assert.Equal(t, ReasonBusinessRule, reason)
	assert.Equal(t, ClassBusiness, class)

	offset, _ := m.CurrentOffset(ctx)
	assert.Equal(t, int64(0), offset, "rejections do not commit")
}

func TestMemory_InjectFault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.InjectFault(Fault{Reason: ReasonUnavailable, Operation: "swap", Times: 2})

	_, err := m.Submit(ctx, Command{CommandID: "a", Operation: "other", ActAs: []ir.Party{"alice"}})
	require.NoError(t, err, "fault is scoped to swap")

	for _, id := range []string{"b", "c"} {
		_, err = m.Submit(ctx, Command{CommandID: id, Operation: "swap", ActAs: []ir.Party{"alice"}})
		reason, _ := Classify(err)
		assert.Equal(t, ReasonUnavailable, reason)
	}

	_, err = m.Submit(ctx, Command{CommandID: "d", Operation: "swap", ActAs: []ir.Party{"alice"}})
	require.NoError(t, err)
}

func TestMemory_LaggingView(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old := m.Create(holding("alice", "5"))
	m.SetLag("alice", 2)

	res, err := m.Submit(ctx, Command{CommandID: "cmd-1", ActAs: []ir.Party{"alice"}, Inputs: []ir.StateReference{old.Ref}})
	require.NoError(t, err)
	successor := res.Created[0].Ref.ID

	for i := 0; i < 2; i++ {
		got, err := m.Snapshot(ctx, "alice", "Holding")
		require.NoError(t, err)
		assert.Equal(t, []string{old.Ref.ID}, ids(got), "poll %d still sees archived contract", i+1)
	}

	got, err := m.Snapshot(ctx, "alice", "Holding")
	require.NoError(t, err)
	assert.Equal(t, []string{successor}, ids(got), "third poll catches up")

	// Unlagged parties are never stale.
	m.Create(holding("bob", "1"))
	bob, err := m.Snapshot(ctx, "bob", "Holding")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()

	_, err := m.Submit(ctx, Command{CommandID: "x", ActAs: []ir.Party{"a"}})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = m.Snapshot(ctx, "a", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Commands())
}
