package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans committed ledger events out to websocket subscribers. A client
// that cannot keep up misses events rather than stalling the ledger.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan types.Event]struct{}
	done    chan struct{}
	closed  bool
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[chan types.Event]struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Emit implements vault.EventSink.
func (h *Hub) Emit(ev types.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client <- ev:
		default:
			h.log.Debug("dropped event for slow client", zap.String("kind", string(ev.Kind)))
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

func (h *Hub) register(client chan types.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) unregister(client chan types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// @Title: Event Stream
// @Route: GET /api/events?kind=deposit
// @Description: Websocket feed of committed ledger events, optionally filtered by kind (repeatable)
// @Response: Stream of Event objects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var kinds map[types.EventKind]bool
	if q := r.URL.Query()["kind"]; len(q) > 0 {
		kinds = make(map[types.EventKind]bool, len(q))
		for _, k := range q {
			kinds[types.EventKind(k)] = true
		}
	}

	client := make(chan types.Event, clientBuffer)
	if !h.register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer h.unregister(client)

	// Reads only to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-h.done:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case ev := <-client:
			if kinds != nil && !kinds[ev.Kind] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
