package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/nooterra/settld-core/internal/disputes"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	settlement, err := s.Store.GetSettlementByRun(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	settlement, err := s.Store.GetSettlementByRun(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":          runID,
		"settlementId":   settlement.SettlementID,
		"decisionStatus": settlement.DecisionStatus,
		"decisionReason": settlement.DecisionReason,
		"status":         settlement.VerificationStatus,
	})
}

// handleGetAgreement treats {id} as the agreement's own content-addressed
// hash — the tool-call kernel's agreements are looked up by hash, not by a
// run id, so a caller that minted an agreement for a run already knows its
// hash from the CreateAgreement response.
func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	agreementHash := mux.Vars(r)["id"]
	a, err := s.Store.GetAgreement(r.Context(), tenantID, agreementHash)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveSettlementRequest struct {
	ReleaseRatePct int    `json:"releaseRatePct"`
	ReasonCode     string `json:"reasonCode"`
}

func (s *Server) handleResolveSettlement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	var req resolveSettlementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	settlement, err := s.Store.GetSettlementByRun(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	resolved, err := s.RunEngine.ResolveRunSettlement(r.Context(), tenantID, settlement.SettlementID, req.ReleaseRatePct, req.ReasonCode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	now := s.now()

	var result *store.Settlement
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		settlement, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		updated, err := disputes.Open(settlement, "dsp_"+uuid.NewString(), now)
		if err != nil {
			return err
		}
		if err := tx.PutSettlement(ctx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type disputeEvidenceRequest struct {
	DisputeID string `json:"disputeId"`
}

func (s *Server) handleDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	var req disputeEvidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var result *store.Settlement
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		settlement, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		updated, err := disputes.AddEvidence(settlement, req.DisputeID, s.now())
		if err != nil {
			return err
		}
		if err := tx.PutSettlement(ctx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type disputeEscalateRequest struct {
	DisputeID string `json:"disputeId"`
	Level     string `json:"level"`
}

func (s *Server) handleDisputeEscalate(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	var req disputeEscalateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var result *store.Settlement
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		settlement, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		updated, err := disputes.Escalate(settlement, req.DisputeID, disputes.EscalationLevel(req.Level), s.now())
		if err != nil {
			return err
		}
		if err := tx.PutSettlement(ctx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type disputeCloseRequest struct {
	DisputeID      string `json:"disputeId"`
	Outcome        string `json:"outcome"`
	ReleaseRatePct int    `json:"releaseRatePct"`
	VerdictHash    string `json:"verdictHash"`
}

func (s *Server) handleDisputeClose(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := mux.Vars(r)["id"]
	var req disputeCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.VerdictHash == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "verdictHashRequired"}))
		return
	}

	now := s.now()
	var result *store.Settlement
	var adjustment *store.SettlementAdjustment
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		settlement, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		payer, err := tx.GetWallet(ctx, tenantID, settlement.PayerAgentID)
		if err != nil {
			return err
		}
		payee, err := tx.GetWallet(ctx, tenantID, settlement.PayeeAgentID)
		if err != nil {
			return err
		}

		updated, newPayer, newPayee, adj, err := disputes.Close(settlement, req.DisputeID, disputes.Outcome(req.Outcome), req.ReleaseRatePct, req.VerdictHash, payer, payee, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayer); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayee); err != nil {
			return err
		}
		if err := tx.PutSettlement(ctx, updated); err != nil {
			return err
		}
		result, adjustment = updated, adj
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlement": result, "adjustment": adjustment})
}
