package main

import (
	"context"
	"sync"
	"time"

	"github.com/comit-network/cnd/config"
	"github.com/comit-network/cnd/coordinator"
	"github.com/comit-network/cnd/httpapi"
	"github.com/comit-network/cnd/storage"
	"github.com/comit-network/cnd/swap"
)

// daemon wires together the pieces spec.md §2 treats as fixed collaborators
// (announce, storage) with the coordinator and HTTP API, performing the
// "construct Params and start two protocol drivers" step from spec.md §2's
// data-flow description whichever side of the handshake completes it.
type daemon struct {
	cfg   *config.Config
	db    *storage.Store
	coord *coordinator.Coordinator
	http  *httpapi.Server

	mu      sync.Mutex
	digests map[swap.Digest]swap.CreatedSwap
}

func newDaemon(cfg *config.Config, db *storage.Store, coord *coordinator.Coordinator, http *httpapi.Server) *daemon {
	return &daemon{cfg: cfg, db: db, coord: coord, http: http, digests: make(map[swap.Digest]swap.CreatedSwap)}
}

// indexCreated is the onCreated hook: it remembers the digest this node
// committed to so a later inbound Announce (if this node is Bob for this
// swap) can be matched against it.
func (d *daemon) indexCreated(created swap.CreatedSwap, digest swap.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digests[digest] = created
}

// MatchDigest implements announce.Matcher for the Bob side: an inbound
// digest that matches a responder CreatedSwap this node recorded is
// assigned a fresh SwapId, persisted as an AcceptedSwap, and handed to the
// coordinator. Digests this node indexed as Alice are never matched here;
// Alice learns her SwapId from the peer's Confirm, not from her own
// announce arriving back.
func (d *daemon) MatchDigest(digest swap.Digest) (swap.SwapId, bool) {
	d.mu.Lock()
	created, ok := d.digests[digest]
	if ok && created.Role == swap.RoleBob {
		delete(d.digests, digest)
	}
	d.mu.Unlock()
	if !ok || created.Role != swap.RoleBob {
		return swap.SwapId{}, false
	}

	swapId := swap.NewSwapId()
	d.acceptAndStart(created, swapId)
	return swapId, true
}

// acceptAlice is the onAccepted hook: Alice learns the shared SwapId from
// the announce round-trip and starts the coordinator on her own side.
func (d *daemon) acceptAlice(created swap.CreatedSwap, swapId swap.SwapId) {
	d.acceptAndStart(created, swapId)
}

func (d *daemon) acceptAndStart(created swap.CreatedSwap, swapId swap.SwapId) {
	accepted := swap.AcceptedSwap{
		SwapId:      swapId,
		LocalSwapId: created.LocalSwapId,
		Role:        created.Role,
		Alpha:       created.Alpha,
		Beta:        created.Beta,
		SecretHash:  created.SecretHash(),
		PeerId:      created.PeerId,
		AcceptedAt:  time.Now(),
	}

	ctx := context.Background()
	if err := d.db.SaveAcceptedSwap(ctx, accepted); err != nil {
		log.Errorf("persisting accepted swap %s: %v", swapId, err)
		return
	}
	d.http.RegisterAccepted(accepted)

	alphaConn, err := buildConnector(d.cfg, accepted.Alpha.Ledger)
	if err != nil {
		log.Errorf("swap %s: building alpha connector: %v", swapId, err)
		return
	}
	betaConn, err := buildConnector(d.cfg, accepted.Beta.Ledger)
	if err != nil {
		log.Errorf("swap %s: building beta connector: %v", swapId, err)
		return
	}

	if _, err := d.coord.Start(ctx, accepted, alphaConn, betaConn); err != nil {
		log.Errorf("starting coordinator for swap %s: %v", swapId, err)
	}
}
