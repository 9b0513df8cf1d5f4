package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

type createGrantRequest struct {
	GrantID       string               `json:"grantId"`
	GrantorID     string               `json:"grantorId"`
	GranteeID     string               `json:"granteeId"`
	Scope         store.GrantScope     `json:"scope"`
	SpendEnvelope store.SpendEnvelope  `json:"spendEnvelope"`
	ChainBinding  store.ChainBinding   `json:"chainBinding"`
	Validity      store.GrantValidity `json:"validity"`
	Revocable     bool                 `json:"revocable"`
}

// handleCreateGrant returns a handler bound to a fixed GrantKind so the same
// logic backs both POST /authority-grants and POST /delegation-grants.
func (s *Server) handleCreateGrant(kind store.GrantKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantIDFrom(r.Context())
		var req createGrantRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		if req.GrantID == "" || req.GranteeID == "" {
			writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "grantIdAndGranteeIdRequired"}))
			return
		}

		now := s.now()
		g := &store.Grant{
			SchemaVersion: "1",
			TenantID:      tenantID,
			GrantID:       req.GrantID,
			Kind:          kind,
			GrantorID:     req.GrantorID,
			GranteeID:     req.GranteeID,
			Scope:         req.Scope,
			SpendEnvelope: req.SpendEnvelope,
			ChainBinding:  req.ChainBinding,
			Validity:      req.Validity,
			Revocation:    store.GrantRevocation{Revocable: req.Revocable},
			CreatedAt:     now,
		}
		hash, err := canonical.HashOf(grantHashInput(g))
		if err != nil {
			writeErr(w, domainerr.ErrValidation.Wrap(err))
			return
		}
		g.GrantHash = hash

		if g.ChainBinding.ParentGrantHash == "" {
			g.ChainBinding.RootGrantHash = g.GrantHash
		}

		if err := s.Store.PutGrant(r.Context(), g); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	}
}

func grantHashInput(g *store.Grant) map[string]any {
	return map[string]any{
		"tenantId":      g.TenantID,
		"grantId":       g.GrantID,
		"kind":          string(g.Kind),
		"grantorId":     g.GrantorID,
		"granteeId":     g.GranteeID,
		"scope":         g.Scope,
		"spendEnvelope": g.SpendEnvelope,
		"chainBinding":  g.ChainBinding,
		"validity":      g.Validity,
	}
}

func (s *Server) handleListGrants(kind store.GrantKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantIDFrom(r.Context())
		filter := store.GrantFilter{
			Kind:      kind,
			GranteeID: r.URL.Query().Get("granteeId"),
			GrantorID: r.URL.Query().Get("grantorId"),
		}
		grants, err := s.Store.ListGrants(r.Context(), tenantID, filter)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grants)
	}
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	grantID := mux.Vars(r)["id"]
	g, err := s.Store.GetGrant(r.Context(), tenantID, grantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type revokeGrantRequest struct {
	ReasonCode string `json:"reasonCode"`
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	grantID := mux.Vars(r)["id"]
	var req revokeGrantRequest
	_ = decodeJSON(r, &req)

	g, err := s.Store.GetGrant(r.Context(), tenantID, grantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !g.Revocation.Revocable {
		writeErr(w, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "grantIsNotRevocable"}))
		return
	}
	if g.Revocation.RevokedAt != nil {
		writeJSON(w, http.StatusOK, g)
		return
	}

	now := s.now()
	cp := *g
	cp.Revocation.RevokedAt = &now
	cp.Revocation.RevocationReasonCode = req.ReasonCode
	if err := s.Store.PutGrant(r.Context(), &cp); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &cp)
}
