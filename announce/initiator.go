package announce

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/connmgr"

	"github.com/comit-network/cnd/swap"
)

// Dialer opens the substream connection to a peer, given its network
// address. In production this is backed by a plain TCP dialer resolved from
// the peer's multiaddr; in tests it can be a net.Pipe or in-memory
// transport.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// BehaviourEvent mirrors the teacher-domain BehaviourEvent::Error variant
// from spec.md §4.5: network errors surface here rather than panicking, so
// the coordinator can retry with backoff without double-committing to
// SQLite.
type BehaviourEvent struct {
	Peer  string
	Error error
}

// peerAddress adapts the string peer address to the net.Addr the connection
// manager expects, without a resolving round-trip.
type peerAddress string

func (a peerAddress) Network() string { return "tcp" }
func (a peerAddress) String() string  { return string(a) }

// Initiator implements Alice's side of the handshake: for a CreatedSwap it
// dials the peer through a connmgr.ConnManager — each announce is submitted
// as a permanent ConnReq so failed dials are retried with the manager's
// exponential backoff instead of hot-looping — sends an AnnounceMessage,
// and waits for the matching ConfirmMessage.
type Initiator struct {
	cm     *connmgr.ConnManager
	Events chan BehaviourEvent

	mu      sync.Mutex
	pending map[*connmgr.ConnReq]chan net.Conn
}

// NewInitiator builds an Initiator whose outbound connections are
// established by dial, routed through a connection manager for retry and
// backoff.
func NewInitiator(dial Dialer) (*Initiator, error) {
	init := &Initiator{
		Events:  make(chan BehaviourEvent, 16),
		pending: make(map[*connmgr.ConnReq]chan net.Conn),
	}

	cm, err := connmgr.New(&connmgr.Config{
		RetryDuration: 5 * time.Second,
		DialAddr: func(addr net.Addr) (net.Conn, error) {
			return dial(context.Background(), addr.String())
		},
		OnConnection: init.onConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("announce: building connection manager: %w", err)
	}
	init.cm = cm
	return init, nil
}

// Start begins the connection manager's request handling loop. Call once
// during daemon startup, before the first Announce.
func (i *Initiator) Start() { i.cm.Start() }

// Stop halts the connection manager, used on process shutdown.
func (i *Initiator) Stop() { i.cm.Stop() }

// onConnection hands a freshly established connection to the Announce call
// that requested it. If the caller has already given up (its context ended
// while the manager was still retrying), the request is torn down so the
// manager does not keep a permanent connection alive for no one.
func (i *Initiator) onConnection(req *connmgr.ConnReq, conn net.Conn) {
	i.mu.Lock()
	ch, ok := i.pending[req]
	if ok {
		delete(i.pending, req)
	}
	i.mu.Unlock()

	if !ok {
		i.cm.Remove(req.ID())
		conn.Close()
		return
	}
	ch <- conn
}

// Announce sends the swap digest to peerAddr and blocks for the single
// Confirm round-trip, per spec.md §6: "substream closes on first
// round-trip". The dial is submitted to the connection manager as a
// permanent request, so an unreachable peer is retried with backoff until
// ctx ends; the request is removed before the connection is closed so the
// manager does not redial a completed handshake. Errors are both returned
// to the caller and emitted on Events so a long-running retry loop can
// observe them without blocking the immediate caller.
func (i *Initiator) Announce(ctx context.Context, peerAddr string, digest swap.Digest) (swap.SwapId, error) {
	req := &connmgr.ConnReq{Addr: peerAddress(peerAddr), Permanent: true}

	connCh := make(chan net.Conn, 1)
	i.mu.Lock()
	i.pending[req] = connCh
	i.mu.Unlock()

	go i.cm.Connect(req)

	var conn net.Conn
	select {
	case conn = <-connCh:
	case <-ctx.Done():
		i.mu.Lock()
		delete(i.pending, req)
		i.mu.Unlock()
		i.cm.Remove(req.ID())
		i.emitError(peerAddr, ctx.Err())
		return swap.SwapId{}, fmt.Errorf("announce: dialing %s: %w", peerAddr, ctx.Err())
	}

	defer func() {
		i.cm.Remove(req.ID())
		conn.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, AnnounceMessage{Digest: digest.String()}); err != nil {
		i.emitError(peerAddr, err)
		return swap.SwapId{}, err
	}

	var reply ConfirmMessage
	if err := readFrame(conn, &reply); err != nil {
		i.emitError(peerAddr, err)
		return swap.SwapId{}, err
	}

	swapId, err := swap.ParseSwapIdHex(reply.SwapId)
	if err != nil {
		i.emitError(peerAddr, err)
		return swap.SwapId{}, fmt.Errorf("announce: peer %s returned invalid swap id: %w", peerAddr, err)
	}
	return swapId, nil
}

func (i *Initiator) emitError(peer string, err error) {
	select {
	case i.Events <- BehaviourEvent{Peer: peer, Error: err}:
	default:
		log.Warnf("announce: dropping BehaviourEvent::Error for %s, events channel full: %v", peer, err)
	}
}
