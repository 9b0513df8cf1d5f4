package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/livestream"
	"github.com/nooterra/settld-core/internal/store"
)

// agentCardStreamInterval is how often the stream re-polls the store for
// agent card changes once the initial snapshot has been flushed.
const agentCardStreamInterval = 3 * time.Second

// handleAgentCardStream serves GET /public/agent-cards/stream as a
// text/event-stream of a tenant's redacted AgentCard projections (spec §6):
// every card on connect, then any card whose status changes thereafter.
// Grounded on the teacher's internal/handlers/catalog.go public listing
// shape, generalized from a one-shot JSON list to a live feed the way the
// teacher's internal/websocket/dag_streamer.go pushes DAG state changes.
func (s *Server) handleAgentCardStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, domainerr.ErrInternal.WithDetails(map[string]any{"reason": "responseWriterDoesNotSupportFlush"}))
		return
	}
	tenantID := tenantIDFrom(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := map[string]string{} // agentId -> status, dedupes re-sent unchanged cards
	send := func() bool {
		cards, err := s.Store.ListAgentCards(r.Context(), tenantID)
		if err != nil {
			return false
		}
		sent := false
		for _, c := range cards {
			if last[c.AgentID] == c.Status {
				continue
			}
			last[c.AgentID] = c.Status
			payload, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: agentCard\ndata: %s\n\n", payload)
			sent = true
		}
		return sent
	}

	send()
	flusher.Flush()

	ticker := time.NewTicker(agentCardStreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if send() {
				flusher.Flush()
			}
		}
	}
}

// handleAgentCardWebSocket serves GET /public/agent-cards/ws, the
// gorilla/websocket fallback transport for callers behind a proxy that
// can't carry a chunked text/event-stream response. Same snapshot-then-poll
// semantics as handleAgentCardStream, pushed as WriteJSON frames instead of
// SSE lines.
func (s *Server) handleAgentCardWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	ctx := r.Context()

	s.agentCardHub().Serve(w, r, func(conn *gorillawebsocket.Conn) {
		last := map[string]string{}
		send := func() {
			cards, err := s.Store.ListAgentCards(ctx, tenantID)
			if err != nil {
				return
			}
			for _, c := range cards {
				if last[c.AgentID] == c.Status {
					continue
				}
				last[c.AgentID] = c.Status
				_ = conn.WriteJSON(c)
			}
		}

		send()
		ticker := time.NewTicker(agentCardStreamInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	})
}

// agentCardHub returns the server's agent-card websocket hub, constructing
// a standalone one if the caller never wired one in (e.g. tests that only
// exercise the SSE path). Each connection runs its own poll loop in
// handleAgentCardWebSocket rather than relying on a shared broadcast
// goroutine, since the per-tenant snapshot differs per caller; the hub's
// job here is purely connection registration/eviction.
func (s *Server) agentCardHub() *livestream.Hub[*store.AgentCard] {
	if s.AgentCardHub == nil {
		return livestream.NewHub[*store.AgentCard]()
	}
	return s.AgentCardHub
}
