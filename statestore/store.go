// Package statestore implements the in-memory swap state view (spec.md
// §4.6): a SwapId -> SwapState map with copy-on-update semantics, guarded
// by a reader-writer lock so that HTTP readers never block each other and
// only block a writer for the duration of a single map swap.
package statestore

import (
	"errors"
	"sync"

	"github.com/comit-network/cnd/swap"
)

// ErrUnknownSwap is returned by Update when no state has been initialized
// for the given SwapId yet.
var ErrUnknownSwap = errors.New("statestore: unknown swap id")

// Store is the coordinator's published view of every in-flight swap's
// state. Drivers never read it (spec.md §9: no back-pointer from the state
// view to drivers); the coordinator reads a swap's state only inside Update,
// to fold the next event into it, and external readers (the HTTP API) get
// snapshots.
type Store struct {
	mu     sync.RWMutex
	states map[swap.SwapId]swap.State
}

// New returns an empty Store.
func New() *Store {
	return &Store{states: make(map[swap.SwapId]swap.State)}
}

// Get returns a snapshot of the current state for id.
func (s *Store) Get(id swap.SwapId) (swap.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	return st, ok
}

// All returns a snapshot of every currently tracked swap's state. The
// returned slice is a copy; mutating it does not affect the store.
func (s *Store) All() []swap.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]swap.State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

// Init publishes the initial state for a freshly accepted swap. It
// overwrites any existing entry for the same id, so callers must only call
// it once per swap (the coordinator calls it exactly once, before spawning
// drivers).
func (s *Store) Init(state swap.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SwapId] = state
}

// Update atomically applies fn to the current state for id and, if fn
// succeeds, replaces the stored entry with its result. The old state is
// passed by value and fn must return a new value rather than mutating it
// in place, preserving copy-on-update semantics for concurrent readers.
func (s *Store) Update(id swap.SwapId, fn func(swap.State) (swap.State, error)) (swap.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[id]
	if !ok {
		return swap.State{}, ErrUnknownSwap
	}
	next, err := fn(current)
	if err != nil {
		return current, err
	}
	s.states[id] = next
	return next, nil
}

// Delete removes a swap's state, called once a terminal swap's grace
// period has elapsed (spec.md §3 "Lifecycles").
func (s *Store) Delete(id swap.SwapId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

// Len reports how many swaps are currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
