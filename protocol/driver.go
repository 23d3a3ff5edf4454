// Package protocol implements the per-side protocol driver (spec.md §4.3):
// a small state machine that composes a ledger connector's four suspending
// wait_for_* calls into an ordered stream of observable HTLC lifecycle
// events for one leg of a swap.
package protocol

import (
	"context"
	"fmt"

	goerrors "github.com/go-errors/errors"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

// Side identifies which leg of a swap a Driver is watching.
type Side uint8

const (
	SideAlpha Side = iota
	SideBeta
)

func (s Side) String() string {
	if s == SideAlpha {
		return "alpha"
	}
	return "beta"
}

// EventKind identifies the kind of observation a Driver has emitted.
type EventKind uint8

const (
	// EventOpened is emitted when wait_for_opened resolves.
	EventOpened EventKind = iota
	// EventAccepted is emitted when wait_for_accepted resolves.
	EventAccepted
	// EventSettled is emitted when the HTLC was redeemed and its preimage
	// recovered and validated.
	EventSettled
	// EventCancelled is emitted when the HTLC was refunded.
	EventCancelled
	// EventAborted is emitted when the connector reports a terminal error
	// (validation mismatch or unrecoverable I/O failure) instead of
	// reaching Settled or Cancelled. It is distinct from Cancelled, which
	// means an observed on-chain refund rather than a driver fault.
	EventAborted
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAccepted:
		return "accepted"
	case EventSettled:
		return "settled"
	case EventCancelled:
		return "cancelled"
	case EventAborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// Event is one observation emitted by a Driver, in strictly increasing
// order: Opened, then Accepted, then exactly one of Settled or Cancelled.
// Aborted may end the stream at any of these points instead (see Run).
type Event struct {
	Side   Side
	Kind   EventKind
	TxID   string       // set on EventOpened
	Secret *swap.Secret // set on EventSettled
	Err    error        // set on EventAborted
}

// Driver drives one leg of a swap through its HTLC lifecycle by composing
// a connectors.Connector's wait_for_* calls, per spec.md §4.3's algorithm.
// It holds no shared state of its own; every observation is sent to its
// caller over a channel for the swap coordinator to fold into the state
// view (design note in spec.md §9: message passing, no back-pointer from
// the state view to drivers).
type Driver struct {
	side      Side
	connector connectors.Connector
	params    swap.Params
}

// NewDriver builds a Driver for one leg of a swap.
func NewDriver(side Side, connector connectors.Connector, params swap.Params) *Driver {
	return &Driver{side: side, connector: connector, params: params}
}

// Side reports which leg this Driver watches.
func (d *Driver) Side() Side { return d.side }

// Run starts the driver's state machine and returns a channel of Events.
// The channel is closed after the terminal event (Settled, Cancelled, or
// Aborted) is sent, or without a terminal event if ctx is cancelled during
// shutdown. Run does not block; the state machine runs on its own
// goroutine.
func (d *Driver) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, 4)

	go func() {
		defer close(events)

		txid, err := d.connector.WaitForOpened(ctx, d.params)
		if err != nil {
			d.abort(ctx, events, fmt.Errorf("waiting for opened: %w", err))
			return
		}
		events <- Event{Side: d.side, Kind: EventOpened, TxID: txid}

		if err := d.connector.WaitForAccepted(ctx, d.params); err != nil {
			d.abort(ctx, events, fmt.Errorf("waiting for accepted: %w", err))
			return
		}
		events <- Event{Side: d.side, Kind: EventAccepted}

		d.raceSettledCancelled(ctx, events)
	}()

	return events
}

type settledResult struct {
	secret swap.Secret
	err    error
}

// raceSettledCancelled runs wait_for_settled and wait_for_cancelled
// concurrently; the first to resolve wins and the loser's wait is cancelled
// (spec.md §4.1: "the first to resolve wins and cancels the other").
// Connectors are required to be cancellation-safe, so the losing goroutine
// terminates without side effects.
func (d *Driver) raceSettledCancelled(ctx context.Context, events chan<- Event) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	settledCh := make(chan settledResult, 1)
	cancelledCh := make(chan error, 1)

	go func() {
		secret, err := d.connector.WaitForSettled(raceCtx, d.params)
		settledCh <- settledResult{secret: secret, err: err}
	}()
	go func() {
		cancelledCh <- d.connector.WaitForCancelled(raceCtx, d.params)
	}()

	select {
	case res := <-settledCh:
		if res.err != nil {
			d.abort(ctx, events, fmt.Errorf("waiting for settled: %w", res.err))
			return
		}
		secret := res.secret
		events <- Event{Side: d.side, Kind: EventSettled, Secret: &secret}
	case err := <-cancelledCh:
		if err != nil {
			d.abort(ctx, events, fmt.Errorf("waiting for cancelled: %w", err))
			return
		}
		events <- Event{Side: d.side, Kind: EventCancelled}
	}
}

// abort emits a terminal EventAborted, unless the error only reflects the
// swap's own context being torn down (process shutdown), in which case the
// stream simply ends: shutdown is not a protocol outcome.
func (d *Driver) abort(ctx context.Context, events chan<- Event, err error) {
	if ctx.Err() != nil {
		log.Debugf("%s leg stopping: %v", d.side, ctx.Err())
		return
	}
	log.Errorf("%s leg aborted: %v", d.side, err)
	log.Debugf("%s leg abort stack:\n%s", d.side, goerrors.Wrap(err, 1).ErrorStack())
	events <- Event{Side: d.side, Kind: EventAborted, Err: err}
}
