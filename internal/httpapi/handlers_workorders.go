package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/settld-core/internal/domainerr"
)

type createWorkOrderRequest struct {
	WorkOrderID       string `json:"workOrderId"`
	BuyerAgentID      string `json:"buyerAgentId"`
	SellerAgentID     string `json:"sellerAgentId"`
	TaskSpecHash      string `json:"taskSpecHash"`
	QuotedAmountCents int64  `json:"quotedAmountCents"`
}

func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	var req createWorkOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.WorkOrderID == "" || req.BuyerAgentID == "" || req.SellerAgentID == "" {
		writeErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "workOrderIdAndBothAgentIdsRequired"}))
		return
	}
	wo, err := s.WorkOrder.Create(r.Context(), tenantID, req.WorkOrderID, req.BuyerAgentID, req.SellerAgentID, req.TaskSpecHash, req.QuotedAmountCents)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wo)
}

func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	orders, err := s.Store.ListWorkOrders(r.Context(), tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.Store.GetWorkOrder(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleOfferWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.WorkOrder.Offer(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleAcceptWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.WorkOrder.Accept(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleStartWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.WorkOrder.Start(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

type topUpWorkOrderRequest struct {
	AdditionalCents int64 `json:"additionalCents"`
}

func (s *Server) handleTopUpWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	var req topUpWorkOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	wo, err := s.WorkOrder.TopUp(r.Context(), tenantID, id, req.AdditionalCents)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

type completeWorkOrderRequest struct {
	MeteredCents int64 `json:"meteredCents"`
}

func (s *Server) handleCompleteWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	var req completeWorkOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	wo, receipt, err := s.WorkOrder.Complete(r.Context(), tenantID, id, req.MeteredCents)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workOrder": wo, "receipt": receipt})
}

func (s *Server) handleSettleWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.WorkOrder.Settle(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleCancelWorkOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	wo, err := s.WorkOrder.Cancel(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantIDFrom(r.Context())
	id := mux.Vars(r)["id"]
	receipt, err := s.Store.GetReceipt(r.Context(), tenantID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
