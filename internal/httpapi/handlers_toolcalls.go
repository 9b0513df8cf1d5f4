package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/runengine"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/toolcalls"
	"github.com/nooterra/settld-core/internal/wallet"
)

type createHoldRequest struct {
	AgreementHash     string `json:"agreementHash"`
	ReceiptHash       string `json:"receiptHash"`
	PayerAgentID      string `json:"payerAgentId"`
	PayeeAgentID      string `json:"payeeAgentId"`
	AmountCents       int64  `json:"amountCents"`
	HoldbackBps       int    `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
}

func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req createHoldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	now := s.now()
	var hold *store.FundingHold
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		payerWallet, err := tx.GetWallet(ctx, tenantID, req.PayerAgentID)
		if err != nil {
			return err
		}
		lockedWallet, err := wallet.Lock(payerWallet, req.AmountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, lockedWallet); err != nil {
			return err
		}

		h, err := toolcalls.CreateHold(tenantID, toolcalls.CreateHoldParams{
			AgreementHash:     req.AgreementHash,
			ReceiptHash:       req.ReceiptHash,
			PayerAgentID:      req.PayerAgentID,
			PayeeAgentID:      req.PayeeAgentID,
			AmountCents:       req.AmountCents,
			HoldbackBps:       req.HoldbackBps,
			ChallengeWindowMs: req.ChallengeWindowMs,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.PutHold(ctx, h); err != nil {
			return err
		}
		hold = h
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	state := store.FundingHoldState(r.URL.Query().Get("state"))
	holds, err := s.Store.ListHolds(r.Context(), tenantID, state)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holds)
}

func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	holdHash := mux.Vars(r)["holdHash"]
	h, err := s.Store.GetHold(r.Context(), tenantID, holdHash)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleReplayEvaluate replays the bound policy against a run's terminal
// event and its settlement WITHOUT persisting a decision — a diagnostic
// surface for "what would the policy decide right now". It is not
// ops-token gated: any caller authenticated for the tenant can reach it.
func (s *Server) handleReplayEvaluate(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "runIdQueryParamRequired"}))
		return
	}

	run, err := s.Store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run.SettlementID == "" {
		writeErr(w, runengine.ErrSettlementNotFound)
		return
	}
	settlement, err := s.Store.GetSettlement(r.Context(), tenantID, run.SettlementID)
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.Store.ListRunEvents(r.Context(), tenantID, runID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(events) == 0 {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "runHasNoEvents"}))
		return
	}
	terminal := events[len(events)-1]

	policy := s.RunEngine.Policy
	if policy == nil {
		policy = runengine.AutoAcceptPolicy{}
	}
	decision, err := policy.Replay(r.Context(), run, terminal, settlement)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type openArbitrationRequest struct {
	HoldHash        string         `json:"holdHash"`
	DisputeEnvelope map[string]any `json:"disputeEnvelope"`
}

func (s *Server) handleOpenArbitration(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req openArbitrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var newHold *store.FundingHold
	var newCase *store.ArbitrationCase
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		h, err := tx.GetHold(ctx, tenantID, req.HoldHash)
		if err != nil {
			return err
		}
		h2, c, err := toolcalls.OpenDispute(h, "case_"+uuid.NewString(), req.DisputeEnvelope, s.now())
		if err != nil {
			return err
		}
		if err := tx.PutHold(ctx, h2); err != nil {
			return err
		}
		if err := tx.PutArbitrationCase(ctx, c); err != nil {
			return err
		}
		newHold, newCase = h2, c
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"hold": newHold, "case": newCase})
}

type arbitrationVerdictRequest struct {
	CaseID         string `json:"caseId"`
	Outcome        string `json:"outcome"`
	ReleaseRatePct int    `json:"releaseRatePct"`
	VerdictHash    string `json:"verdictHash"`
}

func (s *Server) handleArbitrationVerdict(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req arbitrationVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	now := s.now()
	var newHold *store.FundingHold
	var newCase *store.ArbitrationCase
	err := s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		c, err := tx.GetArbitrationCase(ctx, tenantID, req.CaseID)
		if err != nil {
			return err
		}
		h, err := tx.GetHold(ctx, tenantID, c.HoldHash)
		if err != nil {
			return err
		}

		h2, c2, err := toolcalls.ApplyVerdict(h, c, req.Outcome, req.ReleaseRatePct, req.VerdictHash, now)
		if err != nil {
			return err
		}

		payer, err := tx.GetWallet(ctx, tenantID, h.PayerAgentID)
		if err != nil {
			return err
		}
		payee, err := tx.GetWallet(ctx, tenantID, h.PayeeAgentID)
		if err != nil {
			return err
		}
		released := h.HeldAmountCents * int64(req.ReleaseRatePct) / 100
		refunded := h.HeldAmountCents - released
		newPayer, newPayee, err := wallet.Split(payer, payee, released, refunded, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayer); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayee); err != nil {
			return err
		}

		if err := tx.PutHold(ctx, h2); err != nil {
			return err
		}
		if err := tx.PutArbitrationCase(ctx, c2); err != nil {
			return err
		}
		newHold, newCase = h2, c2
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hold": newHold, "case": newCase})
}
