// Package workorder drives a WorkOrder's buyer/seller negotiation lifecycle
// (spec.md §3, SPEC_FULL.md §4): draft -> offered -> accepted -> in_progress
// -> topped_up -> completed -> settled, with cancellation permitted from any
// non-terminal state. Adapted from internal/runengine's Engine-over-Store
// shape, generalized from a single settlement-at-creation run to a
// multi-step negotiation that locks, tops up, and finally splits escrow
// across a metered completion instead of a policy-replayed one.
package workorder

import (
	"context"
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/wallet"
)

var (
	ErrInvalidTransition  = domainerr.New("WORKORDER_INVALID_TRANSITION", 409, "work order is not in a state that allows this transition")
	ErrMeteredExceedsHold = domainerr.New("WORKORDER_METERED_EXCEEDS_HOLD", 409, "meteredCents exceeds the quoted amount currently on hold")
)

// Engine wires a Store and clock for WorkOrder transitions.
type Engine struct {
	Store store.Store
	Now   func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func requireStatus(w *store.WorkOrder, want store.WorkOrderStatus) error {
	if w.Status != want {
		return ErrInvalidTransition.WithDetails(map[string]any{"status": w.Status, "required": want})
	}
	return nil
}

// Create starts a work order in "draft". No funds move until Accept.
func (e *Engine) Create(ctx context.Context, tenantID, workOrderID, buyerAgentID, sellerAgentID, taskSpecHash string, quotedAmountCents int64) (*store.WorkOrder, error) {
	if quotedAmountCents <= 0 {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "quotedAmountCentsMustBePositive"})
	}
	now := e.now()
	w := &store.WorkOrder{
		SchemaVersion:     "1",
		TenantID:          tenantID,
		WorkOrderID:       workOrderID,
		BuyerAgentID:      buyerAgentID,
		SellerAgentID:     sellerAgentID,
		TaskSpecHash:      taskSpecHash,
		QuotedAmountCents: quotedAmountCents,
		Status:            store.WorkOrderDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Store.PutWorkOrder(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Offer marks a draft work order as offered to the seller.
func (e *Engine) Offer(ctx context.Context, tenantID, workOrderID string) (*store.WorkOrder, error) {
	return e.transition(ctx, tenantID, workOrderID, store.WorkOrderDraft, store.WorkOrderOffered, nil)
}

// Accept locks quotedAmountCents on the buyer's wallet and moves the work
// order to "accepted" in the same transaction.
func (e *Engine) Accept(ctx context.Context, tenantID, workOrderID string) (*store.WorkOrder, error) {
	now := e.now()
	var result *store.WorkOrder
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		w, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if err := requireStatus(w, store.WorkOrderOffered); err != nil {
			return err
		}
		buyerWallet, err := tx.GetWallet(ctx, tenantID, w.BuyerAgentID)
		if err != nil {
			return err
		}
		locked, err := wallet.Lock(buyerWallet, w.QuotedAmountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, locked); err != nil {
			return err
		}
		cp := *w
		cp.Status = store.WorkOrderAccepted
		cp.UpdatedAt = now
		if err := tx.PutWorkOrder(ctx, &cp); err != nil {
			return err
		}
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Start marks an accepted work order as in progress.
func (e *Engine) Start(ctx context.Context, tenantID, workOrderID string) (*store.WorkOrder, error) {
	return e.transition(ctx, tenantID, workOrderID, store.WorkOrderAccepted, store.WorkOrderInProgress, nil)
}

// TopUp increases the quoted amount and locks the additional hold on the
// buyer's wallet. Valid from "in_progress" or an earlier top-up.
func (e *Engine) TopUp(ctx context.Context, tenantID, workOrderID string, additionalCents int64) (*store.WorkOrder, error) {
	if additionalCents <= 0 {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "additionalCentsMustBePositive"})
	}
	now := e.now()
	var result *store.WorkOrder
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		w, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if w.Status != store.WorkOrderInProgress && w.Status != store.WorkOrderToppedUp {
			return ErrInvalidTransition.WithDetails(map[string]any{"status": w.Status})
		}
		buyerWallet, err := tx.GetWallet(ctx, tenantID, w.BuyerAgentID)
		if err != nil {
			return err
		}
		locked, err := wallet.Lock(buyerWallet, additionalCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, locked); err != nil {
			return err
		}
		cp := *w
		cp.QuotedAmountCents += additionalCents
		cp.Status = store.WorkOrderToppedUp
		cp.UpdatedAt = now
		if err := tx.PutWorkOrder(ctx, &cp); err != nil {
			return err
		}
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete records the metered usage and issues a hash-bound
// CompletionReceipt. Funds do not move until Settle.
func (e *Engine) Complete(ctx context.Context, tenantID, workOrderID string, meteredCents int64) (*store.WorkOrder, *store.CompletionReceipt, error) {
	if meteredCents < 0 {
		return nil, nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "meteredCentsMustBeNonNegative"})
	}
	now := e.now()
	var resultW *store.WorkOrder
	var resultR *store.CompletionReceipt
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		w, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if w.Status != store.WorkOrderInProgress && w.Status != store.WorkOrderToppedUp {
			return ErrInvalidTransition.WithDetails(map[string]any{"status": w.Status})
		}
		if meteredCents > w.QuotedAmountCents {
			return ErrMeteredExceedsHold
		}
		receiptHash, err := canonical.HashOf(map[string]any{
			"workOrderId":  w.WorkOrderID,
			"meteredCents": meteredCents,
		})
		if err != nil {
			return domainerr.ErrInternal.Wrap(err)
		}
		receipt := &store.CompletionReceipt{
			SchemaVersion: "1",
			TenantID:      tenantID,
			WorkOrderID:   workOrderID,
			ReceiptHash:   receiptHash,
			MeteredCents:  meteredCents,
			CreatedAt:     now,
		}
		if err := tx.PutReceipt(ctx, receipt); err != nil {
			return err
		}
		cp := *w
		cp.MeteredCents = meteredCents
		cp.Status = store.WorkOrderCompleted
		cp.UpdatedAt = now
		if err := tx.PutWorkOrder(ctx, &cp); err != nil {
			return err
		}
		resultW = &cp
		resultR = receipt
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resultW, resultR, nil
}

// Settle splits the escrowed quoted amount: meteredCents releases to the
// seller, the remainder refunds to the buyer. Single-shot: a work order not
// in "completed" can never be settled again.
func (e *Engine) Settle(ctx context.Context, tenantID, workOrderID string) (*store.WorkOrder, error) {
	now := e.now()
	var result *store.WorkOrder
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		w, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		if err := requireStatus(w, store.WorkOrderCompleted); err != nil {
			return err
		}
		buyerWallet, err := tx.GetWallet(ctx, tenantID, w.BuyerAgentID)
		if err != nil {
			return err
		}
		sellerWallet, err := tx.GetWallet(ctx, tenantID, w.SellerAgentID)
		if err != nil {
			return err
		}
		refundedCents := w.QuotedAmountCents - w.MeteredCents
		newBuyer, newSeller, err := wallet.Split(buyerWallet, sellerWallet, w.MeteredCents, refundedCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newBuyer); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newSeller); err != nil {
			return err
		}
		cp := *w
		cp.Status = store.WorkOrderSettled
		cp.UpdatedAt = now
		if err := tx.PutWorkOrder(ctx, &cp); err != nil {
			return err
		}
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel refunds any escrow currently locked for the work order and moves
// it to "cancelled". Permitted from any non-terminal state; a draft or
// merely-offered work order has no escrow to refund.
func (e *Engine) Cancel(ctx context.Context, tenantID, workOrderID string) (*store.WorkOrder, error) {
	now := e.now()
	var result *store.WorkOrder
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		w, err := tx.GetWorkOrder(ctx, tenantID, workOrderID)
		if err != nil {
			return err
		}
		switch w.Status {
		case store.WorkOrderSettled, store.WorkOrderCancelled:
			return ErrInvalidTransition.WithDetails(map[string]any{"status": w.Status})
		}
		if w.Status == store.WorkOrderAccepted || w.Status == store.WorkOrderInProgress || w.Status == store.WorkOrderToppedUp || w.Status == store.WorkOrderCompleted {
			buyerWallet, err := tx.GetWallet(ctx, tenantID, w.BuyerAgentID)
			if err != nil {
				return err
			}
			refunded, err := wallet.Refund(buyerWallet, w.QuotedAmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, refunded); err != nil {
				return err
			}
		}
		cp := *w
		cp.Status = store.WorkOrderCancelled
		cp.UpdatedAt = now
		if err := tx.PutWorkOrder(ctx, &cp); err != nil {
			return err
		}
		result = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transition is the shared single-wallet-untouched state move used by Offer
// and Start, both of which only advance status without touching escrow.
func (e *Engine) transition(ctx context.Context, tenantID, workOrderID string, from, to store.WorkOrderStatus, mutate func(*store.WorkOrder)) (*store.WorkOrder, error) {
	now := e.now()
	w, err := e.Store.GetWorkOrder(ctx, tenantID, workOrderID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(w, from); err != nil {
		return nil, err
	}
	cp := *w
	cp.Status = to
	cp.UpdatedAt = now
	if mutate != nil {
		mutate(&cp)
	}
	if err := e.Store.PutWorkOrder(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
