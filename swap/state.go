package swap

import "fmt"

// LedgerStateKind is the projection of one leg's on-chain lifecycle, as
// witnessed by a connector (spec.md §4.1).
type LedgerStateKind uint8

const (
	LedgerUnknown LedgerStateKind = iota
	LedgerOpened
	LedgerAccepted
	LedgerSettled
	LedgerCancelled
)

func (k LedgerStateKind) String() string {
	switch k {
	case LedgerUnknown:
		return "unknown"
	case LedgerOpened:
		return "opened"
	case LedgerAccepted:
		return "accepted"
	case LedgerSettled:
		return "settled"
	case LedgerCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// LedgerState is the current projected state of one leg, including the
// secret if that leg has settled by redeem (as opposed to by refund).
type LedgerState struct {
	Kind   LedgerStateKind
	Secret *Secret // set only when Kind == LedgerSettled and settlement was a redeem
}

// monotoneRank orders LedgerStateKind so that forward progress can be
// checked cheaply: a leg may only move to a state with a rank greater than
// or equal to its current one (invariant I3; Settled and Cancelled are both
// terminal and mutually exclusive outcomes of Accepted).
var monotoneRank = map[LedgerStateKind]int{
	LedgerUnknown:   0,
	LedgerOpened:    1,
	LedgerAccepted:  2,
	LedgerSettled:   3,
	LedgerCancelled: 3,
}

// ErrNonMonotoneTransition is returned by ApplyLedgerState when a proposed
// transition would move a leg backward.
var ErrNonMonotoneTransition = fmt.Errorf("swap: ledger state transition is not monotone (I3 violated)")

// ApplyLedgerState validates and applies a new observation to the current
// state of one leg, enforcing I3. Settled and Cancelled are terminal: once
// reached, further observations of the same kind are idempotent no-ops and
// anything else is rejected.
func ApplyLedgerState(current, next LedgerState) (LedgerState, error) {
	if current.Kind == next.Kind {
		return current, nil
	}
	if monotoneRank[next.Kind] < monotoneRank[current.Kind] {
		return current, ErrNonMonotoneTransition
	}
	if current.Kind == LedgerSettled || current.Kind == LedgerCancelled {
		return current, ErrNonMonotoneTransition
	}
	return next, nil
}

// Phase is the coarse-grained lifecycle phase of a whole swap, combining
// the alpha and beta leg states plus the communication/announce handshake
// state into the single view the state store exposes to callers.
type Phase uint8

const (
	PhaseCommunicating Phase = iota
	PhaseInProgress
	PhaseFinished
	PhaseRefunded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCommunicating:
		return "communicating"
	case PhaseInProgress:
		return "in-progress"
	case PhaseFinished:
		return "finished"
	case PhaseRefunded:
		return "refunded"
	case PhaseFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// State is the coordinator's public view of one swap: both legs' ledger
// states, the overall phase, and the secret once witnessed on either leg
// (invariant I4: the same secret must be the one that settles the other
// leg).
type State struct {
	SwapId SwapId
	Role   Role
	Alpha  LedgerState
	Beta   LedgerState
	Phase  Phase
	Secret *Secret

	// Error describes why the swap froze when Phase is PhaseFailed: a
	// validation mismatch, a protocol fault, or a driver abort. It is never
	// cleared; a failed swap stays failed (no automatic recovery).
	Error string
}

// WitnessSecret records a secret observed on one leg's settlement and
// checks it is consistent with any secret already witnessed on the other
// leg (I4). It returns an error if the two legs disagree.
func (s *State) WitnessSecret(candidate Secret) error {
	if s.Secret == nil {
		s.Secret = &candidate
		return nil
	}
	if *s.Secret != candidate {
		return fmt.Errorf("swap %s: witnessed secret %s conflicts with prior secret %s (I4 violated)",
			s.SwapId, candidate, *s.Secret)
	}
	return nil
}
