package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/settld-core/internal/domainerr"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SessionID == "" || req.AgentID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "sessionIdAndAgentIdRequired"}))
		return
	}
	sess, err := s.Session.Create(r.Context(), tenantID, req.SessionID, req.AgentID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	sess, err := s.Store.GetSession(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type appendSessionEventRequest struct {
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleAppendSessionEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	var req appendSessionEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	expectedPrev := r.Header.Get(ExpectedPrevChainHashHeader)

	sess, event, err := s.Session.AppendEvent(r.Context(), tenantID, id, req.Type, req.Actor, req.Payload, expectedPrev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess, "event": event})
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	events, err := s.Store.ListSessionEvents(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSessionReplayPack(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	pack, err := s.Session.ReplayPack(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	transcript, err := s.Session.Transcript(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}
