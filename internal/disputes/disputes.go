// Package disputes implements the settlement dispute/arbitration state
// machine: (none) -> open -> (+evidence)* -> escalated(level) -> closed
// (outcome). Pure functions over store.Settlement, in the style of
// internal/wallet and internal/authority — persistence is the caller's
// job.
package disputes

import (
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/wallet"
)

type EscalationLevel string

const (
	LevelCounterparty EscalationLevel = "l1_counterparty"
	LevelArbiter      EscalationLevel = "l2_arbiter"
	LevelPlatform     EscalationLevel = "l3_platform"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomePartial  Outcome = "partial"
)

var (
	ErrDisputeAlreadyOpen    = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "disputeAlreadyOpen"})
	ErrDisputeNotOpen        = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "disputeNotOpenOrEscalated"})
	ErrDisputeIDMismatch     = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "disputeIdDoesNotMatchSettlement"})
	ErrInvalidEscalationStep = domainerr.ErrValidation.WithDetails(map[string]any{"reason": "escalationLevelMustAdvance"})
	ErrInvalidOutcome        = domainerr.ErrValidation.WithDetails(map[string]any{"reason": "outcomeNotRecognized"})
	ErrInvalidReleaseRate    = domainerr.ErrValidation.WithDetails(map[string]any{"reason": "releaseRatePctMustBeInRange0to100"})
	ErrDisputeWindowClosed   = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "disputeWindowAlreadyClosed"})
)

var escalationOrder = map[EscalationLevel]int{
	LevelCounterparty: 1,
	LevelArbiter:      2,
	LevelPlatform:     3,
}

// Open transitions a settlement's disputeStatus from none to open, binding
// it to disputeID. Rejected once disputeWindowEndsAt has passed, when set.
func Open(s *store.Settlement, disputeID string, at time.Time) (*store.Settlement, error) {
	if s.DisputeStatus != "" && s.DisputeStatus != store.DisputeNone {
		return nil, ErrDisputeAlreadyOpen
	}
	if s.DisputeWindowEndsAt != nil && at.After(*s.DisputeWindowEndsAt) {
		return nil, ErrDisputeWindowClosed
	}
	cp := *s
	cp.DisputeStatus = store.DisputeOpen
	cp.DisputeID = disputeID
	cp.Status = store.SettlementDisputed
	cp.UpdatedAt = at
	return &cp, nil
}

// AddEvidence is idempotent on disputeID and leaves disputeStatus at open —
// it only validates that a dispute is actually open under that id. Evidence
// artifacts themselves are stored by the caller (attestations/outbox); this
// function exists so the state machine can assert the precondition.
func AddEvidence(s *store.Settlement, disputeID string, at time.Time) (*store.Settlement, error) {
	if s.DisputeStatus != store.DisputeOpen {
		return nil, ErrDisputeNotOpen
	}
	if s.DisputeID != disputeID {
		return nil, ErrDisputeIDMismatch
	}
	cp := *s
	cp.UpdatedAt = at
	return &cp, nil
}

// Escalate moves an open or already-escalated dispute to a higher
// escalation level. Levels must strictly advance.
func Escalate(s *store.Settlement, disputeID string, level EscalationLevel, at time.Time) (*store.Settlement, error) {
	if s.DisputeStatus != store.DisputeOpen && s.DisputeStatus != store.DisputeEscalated {
		return nil, ErrDisputeNotOpen
	}
	if s.DisputeID != disputeID {
		return nil, ErrDisputeIDMismatch
	}
	newRank, ok := escalationOrder[level]
	if !ok {
		return nil, ErrInvalidEscalationStep
	}
	if s.EscalationLevel != "" && escalationOrder[EscalationLevel(s.EscalationLevel)] >= newRank {
		return nil, ErrInvalidEscalationStep
	}
	cp := *s
	cp.DisputeStatus = store.DisputeEscalated
	cp.EscalationLevel = string(level)
	cp.UpdatedAt = at
	return &cp, nil
}

// Close resolves an open or escalated dispute with a verdict. For a
// "partial" outcome, releaseRatePct drives a wallet split of the full
// settlement amount; "accepted" releases the full amount to the payee;
// "rejected" refunds the full amount to the payer, reversing any prior
// release. Close produces a SettlementAdjustment recording the delta the
// verdict applied.
func Close(s *store.Settlement, disputeID string, outcome Outcome, releaseRatePct int, verdictHash string, payerWallet, payeeWallet *store.AgentWallet, at time.Time) (*store.Settlement, *store.AgentWallet, *store.AgentWallet, *store.SettlementAdjustment, error) {
	if s.DisputeStatus != store.DisputeOpen && s.DisputeStatus != store.DisputeEscalated {
		return nil, nil, nil, nil, ErrDisputeNotOpen
	}
	if s.DisputeID != disputeID {
		return nil, nil, nil, nil, ErrDisputeIDMismatch
	}

	var targetReleaseRatePct int
	switch outcome {
	case OutcomeAccepted:
		targetReleaseRatePct = 100
	case OutcomeRejected:
		targetReleaseRatePct = 0
	case OutcomePartial:
		if releaseRatePct < 0 || releaseRatePct > 100 {
			return nil, nil, nil, nil, ErrInvalidReleaseRate
		}
		targetReleaseRatePct = releaseRatePct
	default:
		return nil, nil, nil, nil, ErrInvalidOutcome
	}

	targetReleased := s.AmountCents * int64(targetReleaseRatePct) / 100
	targetRefunded := s.AmountCents - targetReleased
	deltaReleased := targetReleased - s.ReleasedAmountCents
	deltaRefunded := targetRefunded - s.RefundedAmountCents

	newPayer, newPayee, err := applyDelta(s, payerWallet, payeeWallet, deltaReleased, deltaRefunded, at)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cp := *s
	cp.ReleasedAmountCents = targetReleased
	cp.RefundedAmountCents = targetRefunded
	cp.DisputeStatus = store.DisputeClosed
	cp.VerdictHash = verdictHash
	cp.UpdatedAt = at
	switch {
	case targetReleased == s.AmountCents:
		cp.Status = store.SettlementReleased
	case targetRefunded == s.AmountCents:
		cp.Status = store.SettlementRefunded
	default:
		cp.Status = store.SettlementSplit
	}

	adjustment := &store.SettlementAdjustment{
		SchemaVersion:      "1",
		TenantID:           s.TenantID,
		SettlementID:       s.SettlementID,
		DisputeID:          disputeID,
		Outcome:            string(outcome),
		ReleaseRatePct:     targetReleaseRatePct,
		DeltaReleasedCents: deltaReleased,
		DeltaRefundedCents: deltaRefunded,
		VerdictHash:        verdictHash,
		CreatedAt:          at,
	}
	hash, err := canonical.HashOf(map[string]any{
		"settlementId":       adjustment.SettlementID,
		"disputeId":          adjustment.DisputeID,
		"outcome":            adjustment.Outcome,
		"releaseRatePct":     adjustment.ReleaseRatePct,
		"deltaReleasedCents": adjustment.DeltaReleasedCents,
		"deltaRefundedCents": adjustment.DeltaRefundedCents,
		"verdictHash":        adjustment.VerdictHash,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	adjustment.AdjustmentHash = hash

	return &cp, newPayer, newPayee, adjustment, nil
}

// applyDelta moves the additional amount a verdict releases/refunds beyond
// what the settlement already disbursed. Before any decision has touched
// the settlement, its escrow lock is still fully intact (s.ReleasedAmountCents
// and s.RefundedAmountCents are both zero) and the delta is drawn straight
// out of escrow, same as a normal release/refund. Once a decision has
// resolved the settlement, escrow has already been drained to zero — the
// full amount sits in the payer's or payee's available balance — so a
// verdict overturning that decision has to move money directly between the
// two wallets' available balances instead.
func applyDelta(s *store.Settlement, payer, payee *store.AgentWallet, deltaReleased, deltaRefunded int64, at time.Time) (*store.AgentWallet, *store.AgentWallet, error) {
	newPayer := payer
	newPayee := payee
	var err error

	escrowIntact := s.ReleasedAmountCents == 0 && s.RefundedAmountCents == 0

	if escrowIntact {
		if deltaReleased > 0 {
			newPayer, newPayee, err = wallet.Release(newPayer, newPayee, deltaReleased, at)
			if err != nil {
				return nil, nil, err
			}
		}
		if deltaRefunded > 0 {
			newPayer, err = wallet.Refund(newPayer, deltaRefunded, at)
			if err != nil {
				return nil, nil, err
			}
		} else if deltaRefunded < 0 {
			newPayer, err = wallet.Lock(newPayer, -deltaRefunded, at)
			if err != nil {
				return nil, nil, err
			}
		}
		return newPayer, newPayee, nil
	}

	if deltaReleased > 0 {
		newPayer, newPayee, err = wallet.ReleaseFromAvailable(newPayer, newPayee, deltaReleased, at)
		if err != nil {
			return nil, nil, err
		}
	} else if deltaReleased < 0 {
		newPayer, newPayee, err = wallet.ClawBack(newPayer, newPayee, -deltaReleased, at)
		if err != nil {
			return nil, nil, err
		}
	}

	return newPayer, newPayee, nil
}
