// Package httpapi implements the JSON/Siren REST API described in
// spec.md §6: swap listing and detail views backed by a
// statestore.Store, swap creation backed by a storage.Store plus the
// announce handshake, and per-swap wallet actions. Routing uses
// gorilla/mux, matching the teacher's RPC-registration-by-method style
// adapted to HTTP (SPEC_FULL.md §11).
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/comit-network/cnd/statestore"
	"github.com/comit-network/cnd/storage"
	"github.com/comit-network/cnd/swap"
)

// Announcer is the subset of announce.Initiator the HTTP layer needs: send
// a digest to a peer and learn the shared SwapId once confirmed. It is an
// interface here so tests can substitute a fake without a real network.
type Announcer interface {
	Announce(ctx context.Context, peerAddr string, digest swap.Digest) (swap.SwapId, error)
}

// Identity is the node's own peer id and listen addresses, returned by
// GET / (spec.md §6: "{id: peer_id, listen_addresses: [multiaddr...]}").
type Identity struct {
	PeerID          string
	ListenAddresses []string
}

// Server wires the statestore, persistent storage, and announce protocol
// into an http.Handler. Callers obtain routes via Server.Router.
type Server struct {
	store    *statestore.Store
	db       *storage.Store
	announce Announcer
	identity Identity

	acceptedMu sync.RWMutex
	accepted   map[swap.SwapId]swap.AcceptedSwap

	onCreated  func(created swap.CreatedSwap, digest swap.Digest)
	onAccepted func(created swap.CreatedSwap, swapId swap.SwapId)
}

// NewServer builds a Server. identity is returned verbatim from GET /.
func NewServer(store *statestore.Store, db *storage.Store, announcer Announcer, identity Identity) *Server {
	return &Server{
		store:    store,
		db:       db,
		announce: announcer,
		identity: identity,
		accepted: make(map[swap.SwapId]swap.AcceptedSwap),
	}
}

// RegisterAccepted records an AcceptedSwap's Params so the action endpoints
// can render fund/deploy/redeem/refund fields. cmd/cnd calls this right
// before coordinator.Start, once the announce handshake assigns a SwapId.
func (s *Server) RegisterAccepted(accepted swap.AcceptedSwap) {
	s.acceptedMu.Lock()
	defer s.acceptedMu.Unlock()
	s.accepted[accepted.SwapId] = accepted
}

// OnCreated installs a callback invoked synchronously after every
// successfully persisted CreatedSwap, before announce is triggered. cmd/cnd
// uses it to index the swap's digest for Bob-side matching (see
// announce.Matcher).
func (s *Server) OnCreated(fn func(created swap.CreatedSwap, digest swap.Digest)) {
	s.onCreated = fn
}

// OnAccepted installs a callback invoked once Alice's announce round-trip
// resolves with the shared SwapId, so cmd/cnd can persist the AcceptedSwap
// and start the coordinator. Mirrors OnCreated for the Bob-side matcher.
func (s *Server) OnAccepted(fn func(created swap.CreatedSwap, swapId swap.SwapId)) {
	s.onAccepted = fn
}

// Router builds the gorilla/mux router implementing every endpoint in
// spec.md §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/swaps", s.handleListSwaps).Methods(http.MethodGet)
	r.HandleFunc("/swaps/{id}", s.handleGetSwap).Methods(http.MethodGet)
	r.HandleFunc("/swaps/{id}/events", s.handleSwapEvents).Methods(http.MethodGet)
	r.HandleFunc("/swaps/{id}/watch", s.handleWatchSwap).Methods(http.MethodGet)
	r.HandleFunc("/swaps/{protocol}", s.handleCreateSwap).Methods(http.MethodPost)
	r.HandleFunc("/swaps/{id}/{action}", s.handleSwapAction).Methods(http.MethodPost)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, entity{
		Class: []string{"peer"},
		Properties: map[string]interface{}{
			"id":               s.identity.PeerID,
			"listen_addresses": s.identity.ListenAddresses,
		},
		Links: []link{selfLink("/")},
	})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	states := s.store.All()
	sub := make([]entity, 0, len(states))
	for _, st := range states {
		sub = append(sub, swapEntity(st))
	}
	writeJSON(w, http.StatusOK, entity{
		Class:    []string{"swaps"},
		Entities: sub,
		Links:    []link{selfLink("/swaps")},
	})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	id, err := swap.ParseSwapId(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	st, ok := s.store.Get(id)
	if !ok {
		notFound(w, fmt.Sprintf("no swap with id %s", id))
		return
	}
	writeJSON(w, http.StatusOK, swapEntity(st))
}

// handleSwapEvents is the supplemented diagnostic endpoint from
// SPEC_FULL.md §13: it exposes the same state as GET /swaps/{id} with the
// raw ledger-state kinds and witnessed secret, useful for support and
// integration-test tooling without reaching into the SQLite file directly.
func (s *Server) handleSwapEvents(w http.ResponseWriter, r *http.Request) {
	id, err := swap.ParseSwapId(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	st, ok := s.store.Get(id)
	if !ok {
		notFound(w, fmt.Sprintf("no swap with id %s", id))
		return
	}
	props := map[string]interface{}{
		"swap_id":    st.SwapId.String(),
		"role":       st.Role.String(),
		"phase":      st.Phase.String(),
		"alpha_kind": st.Alpha.Kind.String(),
		"beta_kind":  st.Beta.Kind.String(),
	}
	if st.Secret != nil {
		props["secret"] = st.Secret.String()
	}
	if st.Error != "" {
		props["error"] = st.Error
	}
	writeJSON(w, http.StatusOK, entity{Class: []string{"swap-events"}, Properties: props})
}

type legRequest struct {
	Ledger         string `json:"ledger"`
	Asset          string `json:"asset"`
	Quantity       string `json:"quantity"`
	RedeemIdentity string `json:"redeem_identity"`
	RefundIdentity string `json:"refund_identity"`
	ExpirySeconds  int64  `json:"expiry"`
}

type createSwapRequest struct {
	Alpha legRequest `json:"alpha"`
	Beta  legRequest `json:"beta"`
	Peer  string     `json:"peer"`
	Role  string     `json:"role"`

	// SecretHash is required when Role is Bob: the responder never knows
	// the preimage, only the hash Alice communicated out-of-band during
	// negotiation. It is ignored (and freshly derived) when Role is Alice.
	SecretHash string `json:"secret_hash,omitempty"`
}

var supportedProtocols = map[string]bool{
	"rfc003": true,
	"han-ethereum-halight-lightning-bitcoin": true,
}

// handleCreateSwap implements "POST /swaps/{protocol} ... creates a
// CreatedSwap, triggers announce, responds 201 with Location:
// /swaps/{local_id}" (spec.md §6). As Alice, a fresh secret is generated
// and its hash shared by both legs (I1), and the announce round-trip is
// started. As Bob, the request must carry the hash Alice communicated
// during negotiation, and no announce is sent: Bob's record waits for
// Alice's inbound announce to match it. Either way ValidateSwapParams
// enforces I1-I2 before anything is persisted.
func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	protocol := mux.Vars(r)["protocol"]
	if !supportedProtocols[protocol] {
		notImplemented(w, fmt.Sprintf("unknown swap protocol %q", protocol))
		return
	}

	var req createSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}

	role, err := swap.ParseRole(req.Role)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var secret *swap.Secret
	var hash swap.SecretHash
	if role == swap.RoleAlice {
		fresh, err := swap.NewSecret(rand.Reader)
		if err != nil {
			internalError(w, err.Error())
			return
		}
		secret = &fresh
		hash = fresh.Hash()
	} else {
		hash, err = swap.ParseSecretHash(req.SecretHash)
		if err != nil {
			badRequest(w, fmt.Sprintf("a responder swap requires the agreed secret_hash: %v", err))
			return
		}
	}

	alpha, err := req.Alpha.toParams(hash)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	beta, err := req.Beta.toParams(hash)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := swap.ValidateSwapParams(alpha, beta); err != nil {
		badRequest(w, err.Error())
		return
	}

	created := swap.CreatedSwap{
		LocalSwapId: swap.NewLocalSwapId(),
		Role:        role,
		Alpha:       alpha,
		Beta:        beta,
		Secret:      secret,
		PeerId:      req.Peer,
		CreatedAt:   time.Now(),
	}

	if err := s.db.SaveCreatedSwap(r.Context(), created); err != nil {
		internalError(w, err.Error())
		return
	}

	digest := swap.ComputeDigest(alpha, beta)
	if s.onCreated != nil {
		s.onCreated(created, digest)
	}

	if role == swap.RoleAlice {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			swapId, err := s.announce.Announce(ctx, req.Peer, digest)
			if err != nil {
				log.Warnf("announce for local swap %s to peer %s failed: %v", created.LocalSwapId, req.Peer, err)
				return
			}
			if s.onAccepted != nil {
				s.onAccepted(created, swapId)
			}
		}()
	}

	w.Header().Set("Location", "/swaps/"+created.LocalSwapId.String())
	writeJSON(w, http.StatusCreated, entity{
		Class: []string{"swap"},
		Properties: map[string]interface{}{
			"local_swap_id": created.LocalSwapId.String(),
		},
		Links: []link{selfLink("/swaps/" + created.LocalSwapId.String())},
	})
}

func (l legRequest) toParams(hash swap.SecretHash) (swap.Params, error) {
	var ledger swap.LedgerKind
	switch l.Ledger {
	case "bitcoin":
		ledger = swap.LedgerBitcoin
	case "ethereum":
		ledger = swap.LedgerEthereum
	case "lightning-bitcoin":
		ledger = swap.LedgerLightningBitcoin
	default:
		return swap.Params{}, fmt.Errorf("httpapi: unknown ledger %q", l.Ledger)
	}
	var asset swap.AssetKind
	switch l.Asset {
	case "bitcoin-quantity":
		asset = swap.AssetBitcoinQuantity
	case "ether-quantity":
		asset = swap.AssetEtherQuantity
	case "erc20":
		asset = swap.AssetErc20
	default:
		return swap.Params{}, fmt.Errorf("httpapi: unknown asset %q", l.Asset)
	}
	return swap.Params{
		Ledger:     ledger,
		Asset:      asset,
		Quantity:   l.Quantity,
		RedeemId:   l.RedeemIdentity,
		RefundId:   l.RefundIdentity,
		SecretHash: hash,
		Expiry:     time.Unix(l.ExpirySeconds, 0),
	}, nil
}

var actionNames = map[string]bool{"fund": true, "deploy": true, "redeem": true, "refund": true}

// handleSwapAction implements "POST /swaps/{id}/{action} ... returns the
// parameters an external wallet needs ... idempotent per swap+action"
// (spec.md §6). cnd never holds wallet keys (Non-goal); it only tells an
// external wallet what to build.
func (s *Server) handleSwapAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := swap.ParseSwapId(vars["id"])
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	act := vars["action"]
	if !actionNames[act] {
		notFound(w, fmt.Sprintf("unknown action %q", act))
		return
	}

	s.acceptedMu.RLock()
	accepted, ok := s.accepted[id]
	s.acceptedMu.RUnlock()
	if !ok {
		notFound(w, fmt.Sprintf("no accepted swap with id %s", id))
		return
	}

	// Alice funds the alpha leg and redeems the beta leg (revealing the
	// secret); Bob funds the beta leg and redeems the alpha leg once he has
	// witnessed that secret. Refund/deploy always target the leg the
	// caller's role is responsible for funding.
	leg := accepted.Alpha
	fundingLeg := accepted.Role == swap.RoleAlice
	redeeming := act == "redeem"
	if fundingLeg == redeeming {
		leg = accepted.Beta
	}

	writeJSON(w, http.StatusOK, entity{
		Class: []string{"swap-action"},
		Properties: map[string]interface{}{
			"swap_id":  id.String(),
			"action":   act,
			"ledger":   leg.Ledger.String(),
			"asset":    leg.Asset.String(),
			"quantity": leg.Quantity,
			"redeem":   leg.RedeemId,
			"refund":   leg.RefundId,
			"expiry":   leg.Expiry.Unix(),
		},
	})
}

func swapEntity(st swap.State) entity {
	props := map[string]interface{}{
		"swap_id": st.SwapId.String(),
		"role":    st.Role.String(),
		"phase":   st.Phase.String(),
		"alpha":   st.Alpha.Kind.String(),
		"beta":    st.Beta.Kind.String(),
	}
	if st.Error != "" {
		props["error"] = st.Error
	}
	var actions []action
	if st.Phase == swap.PhaseInProgress {
		href := "/swaps/" + st.SwapId.String() + "/"
		for _, name := range []string{"fund", "deploy", "redeem", "refund"} {
			actions = append(actions, action{Name: name, Method: http.MethodPost, Href: href + name, Type: "application/json"})
		}
	}
	return entity{
		Class:      []string{"swap"},
		Properties: props,
		Actions:    actions,
		Links:      []link{selfLink("/swaps/" + st.SwapId.String())},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
