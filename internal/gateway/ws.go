package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/pool"
)

// statusHub fans pool snapshots out to connected dashboard sockets. Slow
// subscribers drop intermediate snapshots rather than stalling the pool.
type statusHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[chan []byte]struct{})}
}

func (h *statusHub) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *statusHub) broadcast(snapshot pool.StatusSnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

func (g *Gateway) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	ch := g.hub.subscribe()
	defer g.hub.unsubscribe(ch)

	// Current state first so the client need not wait for a change.
	initial, err := json.Marshal(g.pool.Status())
	if err == nil {
		if err := conn.Write(ctx, websocket.MessageText, initial); err != nil {
			return
		}
	}

	// Reads only serve to detect the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case data := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
