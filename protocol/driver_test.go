package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/connectors"
	"github.com/comit-network/cnd/swap"
)

// fakeConnector scripts each wait_for_* call independently. A nil channel
// for settled/cancelled means "block until the context is cancelled",
// which is how the race's losing side behaves.
type fakeConnector struct {
	kind swap.LedgerKind

	openedTxID string
	openedErr  error

	acceptedErr error

	settledSecret swap.Secret
	settledErr    error
	settledReady  chan struct{} // nil blocks forever

	cancelledErr   error
	cancelledReady chan struct{} // nil blocks forever

	settledCtxDone   chan struct{}
	cancelledCtxDone chan struct{}
}

func (f *fakeConnector) Kind() swap.LedgerKind { return f.kind }

func (f *fakeConnector) WaitForOpened(ctx context.Context, params swap.Params) (string, error) {
	return f.openedTxID, f.openedErr
}

func (f *fakeConnector) WaitForAccepted(ctx context.Context, params swap.Params) error {
	return f.acceptedErr
}

func (f *fakeConnector) WaitForSettled(ctx context.Context, params swap.Params) (swap.Secret, error) {
	select {
	case <-f.settledReady:
		return f.settledSecret, f.settledErr
	case <-ctx.Done():
		if f.settledCtxDone != nil {
			close(f.settledCtxDone)
		}
		return swap.Secret{}, ctx.Err()
	}
}

func (f *fakeConnector) WaitForCancelled(ctx context.Context, params swap.Params) error {
	select {
	case <-f.cancelledReady:
		return f.cancelledErr
	case <-ctx.Done():
		if f.cancelledCtxDone != nil {
			close(f.cancelledCtxDone)
		}
		return ctx.Err()
	}
}

var _ connectors.Connector = (*fakeConnector)(nil)

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for driver event")
		}
	}
}

func TestDriver_HappyPathEmitsSettled(t *testing.T) {
	var secret swap.Secret
	copy(secret[:], []byte("a-consistent-32-byte-secret-val!"))
	conn := &fakeConnector{
		openedTxID:    "tx1",
		settledSecret: secret,
		settledReady:  closedChan(),
	}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Len(t, events, 3)
	require.Equal(t, EventOpened, events[0].Kind)
	require.Equal(t, "tx1", events[0].TxID)
	require.Equal(t, EventAccepted, events[1].Kind)
	require.Equal(t, EventSettled, events[2].Kind)
	require.NotNil(t, events[2].Secret)
	require.Equal(t, secret, *events[2].Secret)
}

func TestDriver_CancelledWinsRace(t *testing.T) {
	conn := &fakeConnector{
		cancelledReady: closedChan(),
		settledCtxDone: make(chan struct{}),
	}
	d := NewDriver(SideBeta, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Len(t, events, 3)
	require.Equal(t, EventCancelled, events[2].Kind)
	require.Equal(t, SideBeta, events[2].Side)

	// The losing wait_for_settled must have been cancelled, per the
	// first-to-resolve-wins contract.
	select {
	case <-conn.settledCtxDone:
	case <-time.After(time.Second):
		t.Fatal("losing wait_for_settled was never cancelled")
	}
}

func TestDriver_SettledWinsRaceCancelsLoser(t *testing.T) {
	var secret swap.Secret
	conn := &fakeConnector{
		settledSecret:    secret,
		settledReady:     closedChan(),
		cancelledCtxDone: make(chan struct{}),
	}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Equal(t, EventSettled, events[len(events)-1].Kind)

	select {
	case <-conn.cancelledCtxDone:
	case <-time.After(time.Second):
		t.Fatal("losing wait_for_cancelled was never cancelled")
	}
}

func TestDriver_AbortsOnConnectorError(t *testing.T) {
	conn := &fakeConnector{openedErr: errors.New("boom")}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Len(t, events, 1)
	require.Equal(t, EventAborted, events[0].Kind)
	require.Error(t, events[0].Err)
}

func TestDriver_AbortsOnValidationMismatch(t *testing.T) {
	conn := &fakeConnector{acceptedErr: connectors.ErrValidationMismatch}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Len(t, events, 2)
	require.Equal(t, EventOpened, events[0].Kind)
	require.Equal(t, EventAborted, events[1].Kind)
	require.ErrorIs(t, events[1].Err, connectors.ErrValidationMismatch)
}

func TestDriver_AbortsOnSettledValidationMismatch(t *testing.T) {
	conn := &fakeConnector{
		settledErr:   connectors.ErrValidationMismatch,
		settledReady: closedChan(),
	}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	events := drain(t, d.Run(context.Background()))
	require.Len(t, events, 3)
	require.Equal(t, EventAborted, events[2].Kind)
	require.ErrorIs(t, events[2].Err, connectors.ErrValidationMismatch)
}

func TestDriver_ShutdownEndsStreamWithoutTerminalEvent(t *testing.T) {
	conn := &fakeConnector{}
	d := NewDriver(SideAlpha, conn, swap.Params{})

	ctx, cancel := context.WithCancel(context.Background())
	events := d.Run(ctx)

	got := []Event{<-events, <-events} // opened, accepted
	require.Equal(t, EventOpened, got[0].Kind)
	require.Equal(t, EventAccepted, got[1].Kind)

	cancel()
	select {
	case e, ok := <-events:
		require.False(t, ok, "expected stream to close, got %v", e)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
