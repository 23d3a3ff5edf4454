// Package coordinator implements the swap coordinator (spec.md §4.4): it
// spawns the two per-side protocol drivers for an accepted swap, joins
// their event streams, folds each event into the shared state view under
// lock, and enforces the cross-side invariants (I1-I5) that span both
// legs.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/protocol"
	"github.com/comit-network/cnd/statestore"
	"github.com/comit-network/cnd/swap"
)

// GracePeriod is how long a finished swap's state remains readable in the
// state view before it is evicted, per spec.md §3's swap lifecycle.
const GracePeriod = 10 * time.Minute

// Clock abstracts time so tests can control the grace-period eviction
// without sleeping.
type Clock interface {
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }

// Swap owns one running swap's two drivers and its cancellation token. It
// is the coordinator's per-swap logical unit of sequential progress
// (spec.md §5).
type Swap struct {
	id     swap.SwapId
	cancel context.CancelFunc
	done   chan struct{}
}

// Wait blocks until both drivers' event streams have closed: after each leg's
// terminal event, or without one once Cancel has stopped the drivers.
func (s *Swap) Wait() {
	<-s.done
}

// Cancel signals both drivers to stop, used on process shutdown (spec.md
// §5: "on shutdown it cancels all driver tasks, then awaits their
// termination before closing the database").
func (s *Swap) Cancel() {
	s.cancel()
}

// Coordinator runs every in-flight swap's pair of drivers and publishes
// their joint progress into a statestore.Store.
type Coordinator struct {
	store *statestore.Store
	clock Clock

	mu    sync.Mutex
	swaps map[swap.SwapId]*Swap
}

// New builds a Coordinator publishing into store.
func New(store *statestore.Store) *Coordinator {
	return &Coordinator{store: store, clock: realClock{}, swaps: make(map[swap.SwapId]*Swap)}
}

// Start builds alpha/beta Params from accepted, validates invariants I1-I2,
// spawns both drivers, and begins folding their events into the state
// view. It returns immediately; the swap runs to completion on its own
// goroutines. Per spec.md §9, the alpha and beta connectors are supplied by
// the caller (cmd/cnd) since they are selected by LedgerKind and, for
// Lightning, by which side of that leg this node plays.
func (c *Coordinator) Start(ctx context.Context, accepted swap.AcceptedSwap, alphaConn, betaConn connectors.Connector) (*Swap, error) {
	if err := swap.ValidateSwapParams(accepted.Alpha, accepted.Beta); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c.store.Init(swap.State{
		SwapId: accepted.SwapId,
		Role:   accepted.Role,
		Alpha:  swap.LedgerState{Kind: swap.LedgerUnknown},
		Beta:   swap.LedgerState{Kind: swap.LedgerUnknown},
		Phase:  swap.PhaseInProgress,
	})

	swapCtx, cancel := context.WithCancel(ctx)
	driverA := protocol.NewDriver(protocol.SideAlpha, alphaConn, accepted.Alpha)
	driverB := protocol.NewDriver(protocol.SideBeta, betaConn, accepted.Beta)

	eventsA := driverA.Run(swapCtx)
	eventsB := driverB.Run(swapCtx)

	s := &Swap{id: accepted.SwapId, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.swaps[accepted.SwapId] = s
	c.mu.Unlock()

	go c.run(accepted.SwapId, eventsA, eventsB, s)

	return s, nil
}

// run joins both drivers' event streams and applies each event to the
// state view in the order received; per spec.md §5 no ordering is assumed
// across sides, only within one side. Each driver closes its stream after
// its terminal event (or without one, on shutdown), so stream closure is
// the only join condition needed.
func (c *Coordinator) run(id swap.SwapId, eventsA, eventsB <-chan protocol.Event, s *Swap) {
	defer close(s.done)

	for eventsA != nil || eventsB != nil {
		select {
		case e, ok := <-eventsA:
			if !ok {
				eventsA = nil
				continue
			}
			c.apply(id, e)
		case e, ok := <-eventsB:
			if !ok {
				eventsB = nil
				continue
			}
			c.apply(id, e)
		}
	}

	c.finish(id)

	c.mu.Lock()
	delete(c.swaps, id)
	c.mu.Unlock()

	c.clock.AfterFunc(GracePeriod, func() {
		c.store.Delete(id)
	})
}

// apply folds one driver event into the shared state view, enforcing I3
// (monotone per-side transitions) and I4 (secret consistency across
// sides). A violation of either freezes the swap in PhaseFailed rather
// than silently reconciling it (spec.md §3 I4, §7 "protocol fault").
func (c *Coordinator) apply(id swap.SwapId, e protocol.Event) {
	_, err := c.store.Update(id, func(state swap.State) (swap.State, error) {
		next := swap.LedgerState{}
		switch e.Kind {
		case protocol.EventOpened:
			next = swap.LedgerState{Kind: swap.LedgerOpened}
		case protocol.EventAccepted:
			next = swap.LedgerState{Kind: swap.LedgerAccepted}
		case protocol.EventSettled:
			next = swap.LedgerState{Kind: swap.LedgerSettled, Secret: e.Secret}
		case protocol.EventCancelled:
			next = swap.LedgerState{Kind: swap.LedgerCancelled}
		case protocol.EventAborted:
			state.Phase = swap.PhaseFailed
			if e.Err != nil {
				state.Error = e.Err.Error()
			}
			return state, nil
		}

		var current swap.LedgerState
		if e.Side == protocol.SideAlpha {
			current = state.Alpha
		} else {
			current = state.Beta
		}

		updated, err := swap.ApplyLedgerState(current, next)
		if err != nil {
			state.Phase = swap.PhaseFailed
			state.Error = err.Error()
			log.Errorf("swap %s: %s leg rejected transition to %s: %v", id, e.Side, next.Kind, err)
			log.Debugf("swap %s: rejected event: %v", id, spew.Sdump(e))
			return state, nil
		}

		if updated.Kind == swap.LedgerSettled && updated.Secret != nil {
			if err := state.WitnessSecret(*updated.Secret); err != nil {
				// I4 violation: freeze the swap with the fault recorded
				// rather than discarding the update.
				state.Phase = swap.PhaseFailed
				state.Error = err.Error()
				log.Errorf("swap %s: %v", id, err)
				return state, nil
			}
		}

		if e.Side == protocol.SideAlpha {
			state.Alpha = updated
		} else {
			state.Beta = updated
		}
		return state, nil
	})
	if err != nil {
		log.Errorf("swap %s: applying %s event on %s leg: %v", id, e.Kind, e.Side, err)
	}
}

// finish derives the swap's terminal Phase from its two legs' final
// states, per spec.md §4.4 step 5.
func (c *Coordinator) finish(id swap.SwapId) {
	_, err := c.store.Update(id, func(state swap.State) (swap.State, error) {
		if state.Phase == swap.PhaseFailed {
			return state, nil
		}
		switch {
		case state.Alpha.Kind == swap.LedgerSettled && state.Beta.Kind == swap.LedgerSettled:
			state.Phase = swap.PhaseFinished
		case state.Alpha.Kind == swap.LedgerCancelled || state.Beta.Kind == swap.LedgerCancelled:
			state.Phase = swap.PhaseRefunded
		default:
			state.Phase = swap.PhaseFailed
		}
		return state, nil
	})
	if err != nil {
		log.Errorf("swap %s: finishing: %v", id, err)
	}
}

// Shutdown cancels every in-flight swap's drivers and waits for each to
// observe the cancellation and terminate, matching spec.md §5's shutdown
// sequencing: cancel, then await termination, only then may the caller
// close the database.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	swaps := make([]*Swap, 0, len(c.swaps))
	for _, s := range c.swaps {
		swaps = append(swaps, s)
	}
	c.mu.Unlock()

	for _, s := range swaps {
		s.Cancel()
	}
	for _, s := range swaps {
		s.Wait()
	}
}
