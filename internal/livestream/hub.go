// Package livestream is the gorilla/websocket fallback transport for the
// settlement core's live feeds (SPEC_FULL.md §2 DOMAIN STACK): the primary
// transport is Server-Sent Events (spec.md §6), but a caller behind a
// proxy that strips chunked/streaming responses can upgrade to a raw
// websocket connection instead and receive the identical JSON payloads.
// Grounded on the teacher's internal/websocket/dag_streamer.go
// register/unregister/broadcast hub, generalized from one hard-coded
// DAGEvent type to any JSON-marshalable payload via a type parameter.
package livestream

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans out values of type T to every connected websocket client. A new
// client is registered on Serve and receives nothing retroactively — callers
// that need a snapshot-then-diff feed (like the agent card stream) should
// push one once right after Serve hands back the connection, the same way
// the SSE handler sends an initial snapshot before polling for changes.
type Hub[T any] struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub constructs an empty hub ready to accept connections and broadcasts.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{clients: make(map[*websocket.Conn]struct{})}
}

// Serve upgrades the request to a websocket connection, registers it, and
// blocks reading (and discarding) client frames until the connection closes
// or the request context is done — the same keep-alive idiom as
// DAGStreamer.HandleWebSocket, generalized to return the live connection so
// callers can push an initial snapshot before entering the read loop.
func (h *Hub[T]) Serve(w http.ResponseWriter, r *http.Request, onConnect func(*websocket.Conn)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("livestream: websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	if onConnect != nil {
		onConnect(conn)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast writes value to every currently connected client as JSON. A
// client whose write fails is dropped from the hub, mirroring the
// teacher's write-error-evicts-client behavior.
func (h *Hub[T]) Broadcast(value T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(value); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub[T]) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
