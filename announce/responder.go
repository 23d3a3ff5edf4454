package announce

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/comit-network/cnd/swap"
)

// PendingWindow is how long an announcement with no matching CreatedSwap
// yet is buffered before being dropped, per spec.md §4.5: "Announce is a
// hint; the canonical record is Bob's own CreatedSwap."
var PendingWindow = 30 * time.Second

// Matcher resolves an announced digest to the SwapId Bob has already
// assigned its own CreatedSwap, or reports that no match exists yet.
type Matcher interface {
	MatchDigest(digest swap.Digest) (swap.SwapId, bool)
}

// Responder implements Bob's side of the handshake: for each inbound
// substream it reads one AnnounceMessage, looks up (or waits briefly for)
// a matching CreatedSwap, and writes back the corresponding ConfirmMessage.
type Responder struct {
	matcher Matcher

	mu       sync.Mutex
	pending  map[swap.Digest]time.Time
	confirmed map[swap.Digest]swap.SwapId
}

// NewResponder builds a Responder resolving digests against matcher.
func NewResponder(matcher Matcher) *Responder {
	return &Responder{
		matcher:   matcher,
		pending:   make(map[swap.Digest]time.Time),
		confirmed: make(map[swap.Digest]swap.SwapId),
	}
}

// HandleStream implements the responder half of the substream protocol: it
// reads exactly one AnnounceMessage, polls the matcher until PendingWindow
// elapses if no CreatedSwap exists yet, and on a match writes exactly one
// ConfirmMessage before returning; if nothing matches within the window it
// returns an error without replying. Per spec.md §4.5, a duplicate announce
// for an already-confirmed digest returns the same SwapId, at-most-once.
func (r *Responder) HandleStream(stream io.ReadWriter) error {
	var msg AnnounceMessage
	if err := readFrame(stream, &msg); err != nil {
		return err
	}
	digest, err := digestFromMessage(msg)
	if err != nil {
		return err
	}

	swapId, err := r.resolve(digest)
	if err != nil {
		return err
	}

	return writeFrame(stream, ConfirmMessage{SwapId: swapId.Hex()})
}

func (r *Responder) resolve(digest swap.Digest) (swap.SwapId, error) {
	r.mu.Lock()
	if id, ok := r.confirmed[digest]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	deadline := time.Now().Add(PendingWindow)
	for {
		if id, ok := r.matcher.MatchDigest(digest); ok {
			r.mu.Lock()
			r.confirmed[digest] = id
			delete(r.pending, digest)
			r.mu.Unlock()
			return id, nil
		}
		if time.Now().After(deadline) {
			r.mu.Lock()
			delete(r.pending, digest)
			r.mu.Unlock()
			return swap.SwapId{}, fmt.Errorf("announce: no CreatedSwap matched digest %s within %s", digest, PendingWindow)
		}

		r.mu.Lock()
		if _, ok := r.pending[digest]; !ok {
			r.pending[digest] = time.Now()
		}
		r.mu.Unlock()
		time.Sleep(100 * time.Millisecond)
	}
}
