package httpapi

import (
	"context"
	"net/http"

	"github.com/nooterra/settld-core/internal/authority"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/keyset"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/toolcalls"
	"github.com/nooterra/settld-core/internal/wallet"
)

// handleWellKnownKeys serves the published signer-key ring unauthenticated —
// a caller verifying a settlement artifact's signature fetches this before
// it has any other credential.
func (s *Server) handleWellKnownKeys(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "tenantHeaderRequired"}))
		return
	}
	ks, err := s.Store.GetKeyset(r.Context(), tenantID)
	if err != nil {
		de, ok := domainerr.As(err)
		if !ok || de.Code != domainerr.ErrNotFound.Code || s.Keyset == nil {
			writeErr(w, err)
			return
		}
		if _, bootstrapErr := s.Keyset.Bootstrap(r.Context(), tenantID); bootstrapErr != nil {
			writeErr(w, bootstrapErr)
			return
		}
		ks, err = s.Store.GetKeyset(r.Context(), tenantID)
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, keyset.Published(ks))
}

// handleRotateKeyset rotates a tenant's signer-key ring (spec.md §4.M key
// rotation: the current active key demotes to previous and keeps verifying
// until evicted; a fresh key becomes active). Ops-token gated since it is an
// operational action on a tenant's trust material, not a tenant self-serve
// call.
func (s *Server) handleRotateKeyset(w http.ResponseWriter, r *http.Request) {
	if !isOpsCall(r.Context()) {
		writeErr(w, domainerr.ErrForbidden.WithDetails(map[string]any{"reason": "keysetRotateRequiresOpsToken"}))
		return
	}
	tenantID := tenantIDFrom(r.Context())
	if tenantID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "tenantHeaderRequired"}))
		return
	}
	if s.Keyset == nil {
		writeErr(w, domainerr.ErrInternal.WithDetails(map[string]any{"reason": "keysetRingNotConfigured"}))
		return
	}
	_, ks, err := s.Keyset.Rotate(r.Context(), tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyset.Published(ks))
}

type exportsAckRequest struct {
	DeliveryID string `json:"deliveryId"`
}

func (s *Server) handleExportsAck(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req exportsAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := outbox.Ack(r.Context(), s.Store, tenantID, req.DeliveryID, s.now()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": true})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	state := store.DeliveryState(r.URL.Query().Get("state"))
	deliveries, err := s.Store.ListDeliveries(r.Context(), tenantID, state)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// x402GateCreateRequest bundles an authority check and a funding-hold lock
// into one call: the x402 payment-gate pattern verifies the caller's grant
// is authorized for the operation, then locks funds in the same request
// rather than requiring two round trips.
type x402GateCreateRequest struct {
	GrantHash  string             `json:"grantHash"`
	Operation  x402OperationInput `json:"operation"`
	Hold       createHoldRequest  `json:"hold"`
}

type x402OperationInput struct {
	Role             string `json:"role"`
	Name             string `json:"name"`
	ToolID           string `json:"toolId"`
	ProviderID       string `json:"providerId"`
	RiskClass        string `json:"riskClass"`
	AmountCents      int64  `json:"amountCents"`
	SideEffecting    bool   `json:"sideEffecting"`
	RequireSignerKey bool   `json:"requireSignerKey"`
}

func (s *Server) handleX402GateCreate(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req x402GateCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	leaf, err := s.Store.GetGrantByHash(r.Context(), tenantID, req.GrantHash)
	if err != nil {
		writeErr(w, err)
		return
	}

	op := authority.Operation{
		Role:             authority.Role(req.Operation.Role),
		Name:             req.Operation.Name,
		ToolID:           req.Operation.ToolID,
		ProviderID:       req.Operation.ProviderID,
		RiskClass:        req.Operation.RiskClass,
		AmountCents:      req.Operation.AmountCents,
		SideEffecting:    req.Operation.SideEffecting,
		RequireSignerKey: req.Operation.RequireSignerKey,
	}
	if err := s.Authority.Verify(r.Context(), leaf, op); err != nil {
		writeErr(w, err)
		return
	}

	now := s.now()
	var hold *store.FundingHold
	err = s.Store.Transaction(r.Context(), func(ctx context.Context, tx store.Store) error {
		payerWallet, err := tx.GetWallet(ctx, tenantID, req.Hold.PayerAgentID)
		if err != nil {
			return err
		}
		lockedWallet, err := wallet.Lock(payerWallet, req.Hold.AmountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, lockedWallet); err != nil {
			return err
		}

		h, err := toolcalls.CreateHold(tenantID, toolcalls.CreateHoldParams{
			AgreementHash:     req.Hold.AgreementHash,
			ReceiptHash:       req.Hold.ReceiptHash,
			PayerAgentID:      req.Hold.PayerAgentID,
			PayeeAgentID:      req.Hold.PayeeAgentID,
			AmountCents:       req.Hold.AmountCents,
			HoldbackBps:       req.Hold.HoldbackBps,
			ChallengeWindowMs: req.Hold.ChallengeWindowMs,
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
