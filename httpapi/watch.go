package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/comit-network/cnd/swap"
)

// watchPollInterval is how often an open watch connection re-reads the
// state view. The state view is an in-memory map read under an RLock, so a
// short interval costs next to nothing.
const watchPollInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to localhost; cross-origin browser pages are not a
	// supported client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatchSwap streams a swap's state over a websocket: one Siren
// entity per observed change, closing once the swap reaches a terminal
// phase. Clients that prefer polling can keep using GET /swaps/{id}; this
// endpoint exists so integration tooling does not have to busy-poll the
// REST surface through an entire multi-hour swap.
func (s *Server) handleWatchSwap(w http.ResponseWriter, r *http.Request) {
	id, err := swap.ParseSwapId(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, ok := s.store.Get(id); !ok {
		notFound(w, fmt.Sprintf("no swap with id %s", id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		log.Debugf("watch upgrade for swap %s failed: %v", id, err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	var last swap.State
	sent := false
	for {
		st, ok := s.store.Get(id)
		if !ok {
			// Evicted after its grace period; nothing more will happen.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "swap evicted"), time.Now().Add(time.Second))
			return
		}

		if !sent || stateChanged(last, st) {
			if err := conn.WriteJSON(swapEntity(st)); err != nil {
				return
			}
			last, sent = st, true
		}

		if st.Phase != swap.PhaseCommunicating && st.Phase != swap.PhaseInProgress {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "swap finished"), time.Now().Add(time.Second))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func stateChanged(prev, next swap.State) bool {
	return prev.Phase != next.Phase ||
		prev.Alpha.Kind != next.Alpha.Kind ||
		prev.Beta.Kind != next.Beta.Kind
}
