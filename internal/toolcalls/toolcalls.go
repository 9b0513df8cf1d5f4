// Package toolcalls implements the tool-call kernel: agreement creation,
// signed evidence, and funding holds with a challenge-window auto-release —
// the parallel settlement path alongside internal/runengine's run lifecycle.
// Grounded on the teacher's internal/escrow/gate.go Hold/AwaitRelease/
// ProcessSignal shape, replacing the tri-factor signal barrier with a
// timer-or-dispute barrier.
package toolcalls

import (
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

var (
	ErrHoldbackBpsRange    = domainerr.ErrValidation.WithDetails(map[string]any{"reason": "holdbackBpsMustBeInRange0to10000"})
	ErrHoldNotLocked       = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "holdNotInLockedState"})
	ErrHoldAlreadyDisputed = domainerr.ErrConflict.WithDetails(map[string]any{"reason": "holdAlreadyDisputed"})
)

// CreateAgreement builds a ToolCallAgreement and its deterministic hash.
// inputHash = sha256(canonical(input)) per the kernel's stated contract.
func CreateAgreement(tenantID, toolID, manifestHash, callID string, input map[string]any, terms map[string]any, at time.Time) (*store.ToolCallAgreement, error) {
	inputHash, err := canonical.HashOf(input)
	if err != nil {
		return nil, err
	}
	a := &store.ToolCallAgreement{
		SchemaVersion: "1",
		TenantID:      tenantID,
		CallID:        callID,
		ToolID:        toolID,
		ManifestHash:  manifestHash,
		InputHash:     inputHash,
		Terms:         terms,
		CreatedAt:     at,
	}
	hash, err := canonical.HashOf(agreementHashInput(a))
	if err != nil {
		return nil, err
	}
	a.AgreementHash = hash
	return a, nil
}

func agreementHashInput(a *store.ToolCallAgreement) map[string]any {
	return map[string]any{
		"callId":       a.CallID,
		"toolId":       a.ToolID,
		"manifestHash": a.ManifestHash,
		"inputHash":    a.InputHash,
		"terms":        a.Terms,
	}
}

// SignEvidence builds a ToolCallEvidence artifact. outputHash is
// sha256(canonical(output)); the evidence itself is signed by signerKeyID
// out-of-band (the caller attaches Signature after calling internal/chain
// or internal/canonical's Sign helper — this function only shapes the
// artifact and its hash).
func SignEvidence(tenantID string, agreement *store.ToolCallAgreement, output map[string]any, metrics map[string]any, signerKeyID string, at time.Time) (*store.ToolCallEvidence, error) {
	outputHash, err := canonical.HashOf(output)
	if err != nil {
		return nil, err
	}
	e := &store.ToolCallEvidence{
		SchemaVersion: "1",
		TenantID:      tenantID,
		CallID:        agreement.CallID,
		AgreementHash: agreement.AgreementHash,
		OutputHash:    outputHash,
		Metrics:       metrics,
		SignerKeyID:   signerKeyID,
		CreatedAt:     at,
	}
	hash, err := canonical.HashOf(map[string]any{
		"callId":        e.CallID,
		"agreementHash": e.AgreementHash,
		"outputHash":    e.OutputHash,
		"metrics":       e.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.EvidenceHash = hash
	return e, nil
}

// CreateHoldParams mirrors spec.md's createHold input shape.
type CreateHoldParams struct {
	AgreementHash     string
	ReceiptHash       string
	PayerAgentID      string
	PayeeAgentID      string
	AmountCents       int64
	HoldbackBps       int
	ChallengeWindowMs int64
}

// CreateHold locks AmountCents on the payer wallet (via the caller's
// wallet.Lock, applied before this is invoked — this function only shapes
// the hold artifact) and returns a FundingHold whose heldAmountCents is the
// holdback slice subject to the challenge window.
func CreateHold(tenantID string, p CreateHoldParams, at time.Time) (*store.FundingHold, error) {
	if p.HoldbackBps < 0 || p.HoldbackBps > 10000 {
		return nil, ErrHoldbackBpsRange
	}
	held := p.AmountCents * int64(p.HoldbackBps) / 10000
	h := &store.FundingHold{
		SchemaVersion:     "1",
		TenantID:          tenantID,
		AgreementHash:     p.AgreementHash,
		ReceiptHash:       p.ReceiptHash,
		PayerAgentID:      p.PayerAgentID,
		PayeeAgentID:      p.PayeeAgentID,
		AmountCents:       p.AmountCents,
		HoldbackBps:       p.HoldbackBps,
		HeldAmountCents:   held,
		ChallengeWindowMs: p.ChallengeWindowMs,
		State:             store.HoldLocked,
		ExpiresAt:         at.Add(time.Duration(p.ChallengeWindowMs) * time.Millisecond),
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	hash, err := canonical.HashOf(map[string]any{
		"agreementHash": h.AgreementHash,
		"receiptHash":   h.ReceiptHash,
		"payerAgentId":  h.PayerAgentID,
		"payeeAgentId":  h.PayeeAgentID,
		"amountCents":   h.AmountCents,
		"holdbackBps":   h.HoldbackBps,
	})
	if err != nil {
		return nil, err
	}
	h.HoldHash = hash
	return h, nil
}

// IsExpired reports whether a locked hold's challenge window has elapsed
// with no dispute — the scheduler calls this to drive auto-release.
func IsExpired(h *store.FundingHold, now time.Time) bool {
	return h.State == store.HoldLocked && !now.Before(h.ExpiresAt)
}

// OpenDispute freezes a locked hold, moving it to disputed and binding it
// to a fresh ArbitrationCase. Only a hold still inside its challenge window
// and not already disputed can be opened.
func OpenDispute(h *store.FundingHold, caseID string, disputeEnvelope map[string]any, at time.Time) (*store.FundingHold, *store.ArbitrationCase, error) {
	if h.State != store.HoldLocked {
		return nil, nil, ErrHoldNotLocked
	}
	if at.After(h.ExpiresAt) {
		return nil, nil, ErrHoldNotLocked.WithDetails(map[string]any{"reason": "challengeWindowAlreadyClosed"})
	}
	newHold := *h
	newHold.State = store.HoldDisputed
	newHold.ArbitrationCaseID = caseID
	newHold.UpdatedAt = at

	c := &store.ArbitrationCase{
		SchemaVersion:   "1",
		TenantID:        h.TenantID,
		CaseID:          caseID,
		HoldHash:        h.HoldHash,
		DisputeEnvelope: disputeEnvelope,
		Status:          store.ArbitrationOpen,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	return &newHold, c, nil
}

// ApplyVerdict translates an arbiter's verdict into the hold's terminal
// state. releaseRatePct in [0,100] drives the release/refund split of
// heldAmountCents; the non-holdback remainder was already released at
// evidence time and is not touched here.
func ApplyVerdict(h *store.FundingHold, c *store.ArbitrationCase, outcome string, releaseRatePct int, verdictHash string, at time.Time) (*store.FundingHold, *store.ArbitrationCase, error) {
	if h.State != store.HoldDisputed {
		return nil, nil, ErrHoldNotLocked.WithDetails(map[string]any{"reason": "holdNotDisputed"})
	}
	newHold := *h
	if releaseRatePct >= 100 {
		newHold.State = store.HoldReleased
	} else if releaseRatePct <= 0 {
		newHold.State = store.HoldRefunded
	} else {
		newHold.State = store.HoldReleased // partial: engine records split amounts on the settlement adjustment, hold itself just leaves "locked funds resolved"
	}
	newHold.UpdatedAt = at

	newCase := *c
	newCase.Status = store.ArbitrationResolved
	newCase.VerdictOutcome = outcome
	newCase.ReleaseRatePct = releaseRatePct
	newCase.VerdictHash = verdictHash
	newCase.UpdatedAt = at

	return &newHold, &newCase, nil
}
