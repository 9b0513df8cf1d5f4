// Package runengine drives a Run's hash-chained lifecycle and the
// settlement it carries: locking funds at creation, replaying policy on the
// terminal event to decide auto-resolve vs manual review, and enforcing
// single-shot settlement finality. Adapted from the teacher's
// internal/escrow/gate.go hold/await-release shape, generalized from a
// tri-factor signal barrier to "policy replay decides, or an operator
// decides manually".
package runengine

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/wallet"
)

const (
	EventRunStarted   = "RUN_STARTED"
	EventEvidenceAdded = "EVIDENCE_ADDED"
	EventRunCompleted = "RUN_COMPLETED"
	EventRunFailed    = "RUN_FAILED"
	EventRunCancelled = "RUN_CANCELLED"
)

var (
	ErrSettlementAlreadyResolved = domainerr.New("SETTLEMENT_ALREADY_RESOLVED", 409, "settlement has already left the locked state")
	ErrSettlementNotFound        = domainerr.New("SETTLEMENT_NOT_FOUND", 404, "settlement not found")
	ErrInvalidReleaseRate        = domainerr.New("VALIDATION_RELEASE_RATE_INVALID", 400, "releaseRatePct must be in [0,100]")
	ErrUnknownRunEvent           = domainerr.New("VALIDATION_UNKNOWN_RUN_EVENT", 400, "run event type is not a recognized lifecycle transition")
)

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

func nextStatus(eventType string) store.RunStatus {
	switch eventType {
	case EventRunStarted:
		return store.RunStarted
	case EventRunCompleted:
		return store.RunCompleted
	case EventRunFailed:
		return store.RunFailed
	case EventRunCancelled:
		return store.RunCancelled
	default:
		return ""
	}
}

// VerificationStatus is the traffic-light outcome of policy replay.
type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

// Decision is the output of a policy replay against a run's terminal event
// and its settlement.
type Decision struct {
	ShouldAutoResolve    bool
	ReleaseRatePct       int
	VerificationStatus   VerificationStatus
	ReasonCode           string
	MatchesStoredDecision bool
}

// Policy replays a bound policy version against a terminal run event and
// its settlement to produce a release/refund decision. Callers inject their
// own policy implementation; this package only enforces the resulting state
// machine.
type Policy interface {
	Replay(ctx context.Context, run *store.Run, terminalEvent *chain.Event, settlement *store.Settlement) (Decision, error)
}

// AutoAcceptPolicy is the simplest possible policy: completed runs release
// in full, anything else requires manual review. Used as the engine's
// default when no domain-specific policy is wired in.
type AutoAcceptPolicy struct{}

func (AutoAcceptPolicy) Replay(ctx context.Context, run *store.Run, terminalEvent *chain.Event, settlement *store.Settlement) (Decision, error) {
	if terminalEvent.Type == EventRunCompleted {
		return Decision{ShouldAutoResolve: true, ReleaseRatePct: 100, VerificationStatus: VerificationGreen, ReasonCode: "RUN_COMPLETED_AUTO_ACCEPT"}, nil
	}
	return Decision{ShouldAutoResolve: false, VerificationStatus: VerificationRed, ReasonCode: "RUN_NOT_COMPLETED"}, nil
}

// Engine wires a Store, a Policy, and a signer key for chained events.
type Engine struct {
	Store  store.Store
	Policy Policy
	Signer ed25519.PrivateKey
	Now    func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) policy() Policy {
	if e.Policy != nil {
		return e.Policy
	}
	return AutoAcceptPolicy{}
}

// SettlementParams is the optional settlement block attached at run creation.
type SettlementParams struct {
	PayerAgentID string
	PayeeAgentID string
	AmountCents  int64
	Currency     string
}

// CreateRun creates a run in state "created" and, if params is non-nil,
// locks amountCents on the payer wallet and creates a locked settlement in
// the same store transaction.
func (e *Engine) CreateRun(ctx context.Context, tenantID, runID, agentID string, params *SettlementParams) (*store.Run, *store.Settlement, error) {
	now := e.now()
	run := &store.Run{
		SchemaVersion: "1",
		TenantID:      tenantID,
		RunID:         runID,
		AgentID:       agentID,
		Status:        store.RunCreated,
		LastChainHash: chain.GenesisPrevHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var settlement *store.Settlement
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		if params != nil {
			payerWallet, err := tx.GetWallet(ctx, tenantID, params.PayerAgentID)
			if err != nil {
				return err
			}
			lockedWallet, err := wallet.Lock(payerWallet, params.AmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, lockedWallet); err != nil {
				return err
			}

			settlementID := "stl_" + runID
			settlement = &store.Settlement{
				SchemaVersion:  "1",
				TenantID:       tenantID,
				SettlementID:   settlementID,
				RunID:          runID,
				PayerAgentID:   params.PayerAgentID,
				PayeeAgentID:   params.PayeeAgentID,
				AmountCents:    params.AmountCents,
				Currency:       params.Currency,
				Status:         store.SettlementLocked,
				DecisionStatus: store.DecisionPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.PutSettlement(ctx, settlement); err != nil {
				return err
			}
			run.SettlementID = settlementID
		}
		return tx.PutRun(ctx, run)
	})
	if err != nil {
		return nil, nil, err
	}
	return run, settlement, nil
}

// AppendEvent appends a typed lifecycle event to the run's chain, advances
// run.status, and — if the event is terminal and the run carries a
// settlement — replays policy to decide auto-resolution.
func (e *Engine) AppendEvent(ctx context.Context, tenantID, runID, eventType, actor string, payload map[string]any, expectedPrevChainHash string) (*store.Run, *store.Settlement, error) {
	status := nextStatus(eventType)
	if status == "" && eventType != EventEvidenceAdded {
		return nil, nil, ErrUnknownRunEvent
	}

	now := e.now()
	draft, err := chain.CreateDraft(runID, eventType, actor, payload, now)
	if err != nil {
		return nil, nil, err
	}
	event, err := chain.Finalize(draft, expectedPrevChainHash, e.Signer)
	if err != nil {
		return nil, nil, err
	}

	var run *store.Run
	var settlement *store.Settlement
	err = e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		updatedRun, err := tx.AppendRunEvent(ctx, tenantID, runID, event, expectedPrevChainHash)
		if err != nil {
			return err
		}
		if status != "" {
			updatedRun.Status = status
			updatedRun.UpdatedAt = now
			if err := tx.PutRun(ctx, updatedRun); err != nil {
				return err
			}
		}
		run = updatedRun

		if !isTerminalEvent(eventType) || run.SettlementID == "" {
			return nil
		}
		s, err := tx.GetSettlement(ctx, tenantID, run.SettlementID)
		if err != nil {
			return err
		}
		if s.Status != store.SettlementLocked {
			settlement = s
			return nil
		}

		decision, err := e.policy().Replay(ctx, run, event, s)
		if err != nil {
			return err
		}

		resolved, err := e.applyDecision(ctx, tx, s, decision, now)
		if err != nil {
			return err
		}
		settlement = resolved
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, settlement, nil
}

// applyDecision moves a locked settlement to its auto-resolved terminal
// state, or to manual_review_required, and persists the wallet moves.
func (e *Engine) applyDecision(ctx context.Context, tx store.Store, s *store.Settlement, decision Decision, now time.Time) (*store.Settlement, error) {
	if !decision.ShouldAutoResolve {
		cp := *s
		cp.DecisionStatus = store.DecisionManualReviewRequired
		cp.DecisionReason = decision.ReasonCode
		cp.VerificationStatus = string(decision.VerificationStatus)
		cp.UpdatedAt = now
		if err := tx.PutSettlement(ctx, &cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}

	payerWallet, err := tx.GetWallet(ctx, s.TenantID, s.PayerAgentID)
	if err != nil {
		return nil, err
	}
	payeeWallet, err := tx.GetWallet(ctx, s.TenantID, s.PayeeAgentID)
	if err != nil {
		return nil, err
	}

	releasedCents := s.AmountCents * int64(decision.ReleaseRatePct) / 100
	refundedCents := s.AmountCents - releasedCents

	newPayer, newPayee, err := wallet.Split(payerWallet, payeeWallet, releasedCents, refundedCents, now)
	if err != nil {
		return nil, err
	}
	if err := tx.PutWallet(ctx, newPayer); err != nil {
		return nil, err
	}
	if err := tx.PutWallet(ctx, newPayee); err != nil {
		return nil, err
	}

	cp := *s
	cp.ReleasedAmountCents = releasedCents
	cp.RefundedAmountCents = refundedCents
	cp.DecisionStatus = store.DecisionAutoResolved
	cp.DecisionReason = decision.ReasonCode
	cp.VerificationStatus = string(decision.VerificationStatus)
	cp.UpdatedAt = now
	switch {
	case releasedCents == s.AmountCents:
		cp.Status = store.SettlementReleased
	case refundedCents == s.AmountCents:
		cp.Status = store.SettlementRefunded
	default:
		cp.Status = store.SettlementSplit
	}
	if err := tx.PutSettlement(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ResolveRunSettlement is the manual-review resolution path: an operator
// supplies releaseRatePct directly. Single-shot: a settlement not in
// "locked" can never be resolved again.
func (e *Engine) ResolveRunSettlement(ctx context.Context, tenantID, settlementID string, releaseRatePct int, reasonCode string) (*store.Settlement, error) {
	if releaseRatePct < 0 || releaseRatePct > 100 {
		return nil, ErrInvalidReleaseRate
	}
	now := e.now()

	var result *store.Settlement
	err := e.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		s, err := tx.GetSettlement(ctx, tenantID, settlementID)
		if err != nil {
			return err
		}
		if s.Status != store.SettlementLocked {
			return ErrSettlementAlreadyResolved
		}

		payerWallet, err := tx.GetWallet(ctx, tenantID, s.PayerAgentID)
		if err != nil {
			return err
		}
		payeeWallet, err := tx.GetWallet(ctx, tenantID, s.PayeeAgentID)
		if err != nil {
			return err
		}

		releasedCents := s.AmountCents * int64(releaseRatePct) / 100
		refundedCents := s.AmountCents - releasedCents

		newPayer, newPayee, err := wallet.Split(payerWallet, payeeWallet, releasedCents, refundedCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayer); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, newPayee); err != nil {
			return err
		}

		cp := *s
		cp.ReleasedAmountCents = releasedCents
		cp.RefundedAmountCents = refundedCents
		cp.DecisionStatus = store.DecisionManualResolved
		cp.DecisionReason = reasonCode
		cp.UpdatedAt = now
		switch {
		case releasedCents == s.AmountCents:
			cp.Status = store.SettlementReleased
		case refundedCents == s.AmountCents:
			cp.Status = store.SettlementRefunded
		default:
			cp.Status = store.SettlementSplit
		}
		if err := tx.PutSettlement(ctx, &cp); err != nil {
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

// VerdictHashOf is a convenience wrapper so callers outside this package can
// compute a verdict artifact hash the same way settlement resolution does.
func VerdictHashOf(v map[string]any) (string, error) {
	return canonical.HashOf(v)
}
