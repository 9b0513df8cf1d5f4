package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/runengine"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/wallet"
)

type registerAgentRequest struct {
	AgentID      string           `json:"agentId"`
	DisplayName  string           `json:"displayName"`
	Owner        store.AgentOwner `json:"owner"`
	Capabilities []string         `json:"capabilities"`
	Keys         []store.AgentKey `json:"keys"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.AgentID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "agentIdRequired"}))
		return
	}

	now := s.now()
	agent := &store.AgentIdentity{
		SchemaVersion: "1",
		TenantID:      tenantID,
		AgentID:       req.AgentID,
		DisplayName:   req.DisplayName,
		Owner:         req.Owner,
		Capabilities:  req.Capabilities,
		Keys:          req.Keys,
		Status:        store.LifecycleActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	w0 := &store.AgentWallet{
		SchemaVersion: "1",
		TenantID:      tenantID,
		AgentID:       req.AgentID,
		Currency:      "usd",
		UpdatedAt:     now,
	}

	if err := s.Store.PutAgent(r.Context(), agent); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Store.PutWallet(r.Context(), w0); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Store.PutAgentCard(r.Context(), &store.AgentCard{
		TenantID:     tenantID,
		AgentID:      req.AgentID,
		DisplayName:  req.DisplayName,
		Capabilities: req.Capabilities,
		Status:       string(store.LifecycleActive),
	}); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	agentID := mux.Vars(r)["id"]
	agent, err := s.Store.GetAgent(r.Context(), tenantID, agentID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	agentID := mux.Vars(r)["id"]
	wal, err := s.Store.GetWallet(r.Context(), tenantID, agentID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

type creditWalletRequest struct {
	AmountCents int64 `json:"amountCents"`
}

func (s *Server) handleCreditWallet(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	agentID := mux.Vars(r)["id"]
	var req creditWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var result *store.AgentWallet
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		wal, err := tx.GetWallet(ctx, tenantID, agentID)
		if err != nil {
			return err
		}
		credited, err := wallet.Credit(wal, req.AmountCents, s.now())
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, credited); err != nil {
			return err
		}
		result = credited
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type settlementParamsInput struct {
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

type createRunRequest struct {
	RunID      string                 `json:"runId"`
	Settlement *settlementParamsInput `json:"settlement,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.RunID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "runIdRequired"}))
		return
	}

	var params *runengine.SettlementParams
	if req.Settlement != nil {
		params = &runengine.SettlementParams{
			PayerAgentID: req.Settlement.PayerAgentID,
			PayeeAgentID: req.Settlement.PayeeAgentID,
			AmountCents:  req.Settlement.AmountCents,
			Currency:     req.Settlement.Currency,
		}
	}

	run, settlement, err := s.RunEngine.CreateRun(r.Context(), tenantIDFrom(r.Context()), req.RunID, agentID, params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": run, "settlement": settlement})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	agentID := mux.Vars(r)["id"]
	runs, err := s.Store.ListRuns(r.Context(), tenantID, agentID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["runId"]
	run, err := s.Store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["runId"]
	events, err := s.Store.ListRunEvents(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type appendRunEventRequest struct {
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleAppendRunEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["runId"]
	var req appendRunEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	expectedPrev := r.Header.Get(ExpectedPrevChainHashHeader)

	run, settlement, err := s.RunEngine.AppendEvent(r.Context(), tenantID, runID, req.Type, req.Actor, req.Payload, expectedPrev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": run, "settlement": settlement})
}
