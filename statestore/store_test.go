package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/swap"
)

func testState(id swap.SwapId) swap.State {
	return swap.State{
		SwapId: id,
		Role:   swap.RoleAlice,
		Alpha:  swap.LedgerState{Kind: swap.LedgerUnknown},
		Beta:   swap.LedgerState{Kind: swap.LedgerUnknown},
		Phase:  swap.PhaseInProgress,
	}
}

func TestStore_InitAndGet(t *testing.T) {
	s := New()
	id := swap.NewSwapId()

	_, ok := s.Get(id)
	require.False(t, ok)

	s.Init(testState(id))
	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, id, got.SwapId)
	require.Equal(t, 1, s.Len())
}

func TestStore_UpdateUnknownSwap(t *testing.T) {
	s := New()
	_, err := s.Update(swap.NewSwapId(), func(st swap.State) (swap.State, error) {
		return st, nil
	})
	require.ErrorIs(t, err, ErrUnknownSwap)
}

func TestStore_UpdateReplacesSnapshot(t *testing.T) {
	s := New()
	id := swap.NewSwapId()
	s.Init(testState(id))

	before, _ := s.Get(id)

	_, err := s.Update(id, func(st swap.State) (swap.State, error) {
		st.Alpha = swap.LedgerState{Kind: swap.LedgerOpened}
		return st, nil
	})
	require.NoError(t, err)

	// The earlier snapshot is unaffected: copy-on-update, not mutation.
	require.Equal(t, swap.LedgerUnknown, before.Alpha.Kind)

	after, _ := s.Get(id)
	require.Equal(t, swap.LedgerOpened, after.Alpha.Kind)
}

// Applying the same observation twice must be a no-op: connectors are
// re-entrant and a re-entered wait can re-report a state the view already
// holds.
func TestStore_ReapplyingSameEventIsNoop(t *testing.T) {
	s := New()
	id := swap.NewSwapId()
	s.Init(testState(id))

	applyOpened := func(st swap.State) (swap.State, error) {
		next, err := swap.ApplyLedgerState(st.Alpha, swap.LedgerState{Kind: swap.LedgerOpened})
		if err != nil {
			return st, err
		}
		st.Alpha = next
		return st, nil
	}

	first, err := s.Update(id, applyOpened)
	require.NoError(t, err)
	second, err := s.Update(id, applyOpened)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStore_FailedUpdateLeavesStateUntouched(t *testing.T) {
	s := New()
	id := swap.NewSwapId()
	s.Init(testState(id))

	_, err := s.Update(id, func(st swap.State) (swap.State, error) {
		st.Phase = swap.PhaseFailed
		return st, swap.ErrNonMonotoneTransition
	})
	require.Error(t, err)

	got, _ := s.Get(id)
	require.Equal(t, swap.PhaseInProgress, got.Phase)
}

func TestStore_Delete(t *testing.T) {
	s := New()
	id := swap.NewSwapId()
	s.Init(testState(id))
	s.Delete(id)

	_, ok := s.Get(id)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestStore_AllReturnsCopies(t *testing.T) {
	s := New()
	s.Init(testState(swap.NewSwapId()))
	s.Init(testState(swap.NewSwapId()))

	all := s.All()
	require.Len(t, all, 2)

	all[0].Phase = swap.PhaseFailed
	for _, st := range s.All() {
		require.Equal(t, swap.PhaseInProgress, st.Phase)
	}
}
