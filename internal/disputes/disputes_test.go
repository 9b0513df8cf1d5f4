package disputes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
)

func lockedSettlement() *store.Settlement {
	return &store.Settlement{
		TenantID:     "t1",
		SettlementID: "stl_1",
		PayerAgentID: "payer",
		PayeeAgentID: "payee",
		AmountCents:  10000,
		Status:       store.SettlementReleased,
		ReleasedAmountCents: 10000,
		DecisionStatus: store.DecisionAutoResolved,
	}
}

func TestOpenThenEscalateThenCloseAccepted(t *testing.T) {
	now := time.Now()
	s := lockedSettlement()

	s, err := Open(s, "dispute_1", now)
	require.NoError(t, err)
	require.Equal(t, store.DisputeOpen, s.DisputeStatus)

	s, err = AddEvidence(s, "dispute_1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.DisputeOpen, s.DisputeStatus)

	s, err = Escalate(s, "dispute_1", LevelCounterparty, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.DisputeEscalated, s.DisputeStatus)

	payer := &store.AgentWallet{TenantID: "t1", AgentID: "payer"}
	payee := &store.AgentWallet{TenantID: "t1", AgentID: "payee", AvailableCents: 10000, TotalCreditedCents: 10000}

	closed, newPayer, newPayee, adj, err := Close(s, "dispute_1", OutcomeAccepted, 0, "verdict_hash_1", payer, payee, now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.DisputeClosed, closed.DisputeStatus)
	require.Equal(t, store.SettlementReleased, closed.Status)
	require.Equal(t, int64(0), adj.DeltaReleasedCents)
	require.Equal(t, int64(0), adj.DeltaRefundedCents)
	require.Equal(t, newPayer.AvailableCents, payer.AvailableCents)
	require.Equal(t, newPayee.AvailableCents, payee.AvailableCents)
}

func TestClosePartialSplitsRemainingEscrow(t *testing.T) {
	now := time.Now()
	s := &store.Settlement{
		TenantID: "t1", SettlementID: "stl_2",
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 10000, Status: store.SettlementLocked,
		DecisionStatus: store.DecisionManualReviewRequired,
	}
	s, err := Open(s, "dispute_2", now)
	require.NoError(t, err)

	payer := &store.AgentWallet{TenantID: "t1", AgentID: "payer", EscrowLockedCents: 10000, TotalCreditedCents: 10000}
	payee := &store.AgentWallet{TenantID: "t1", AgentID: "payee"}

	closed, newPayer, newPayee, adj, err := Close(s, "dispute_2", OutcomePartial, 30, "verdict_hash_2", payer, payee, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.SettlementSplit, closed.Status)
	require.Equal(t, int64(3000), closed.ReleasedAmountCents)
	require.Equal(t, int64(7000), closed.RefundedAmountCents)
	require.Equal(t, int64(3000), adj.DeltaReleasedCents)
	require.Equal(t, int64(7000), adj.DeltaRefundedCents)
	require.Equal(t, int64(7000), newPayer.AvailableCents)
	require.Equal(t, int64(0), newPayer.EscrowLockedCents)
	require.Equal(t, int64(3000), newPayee.AvailableCents)
}

func TestEscalateRejectsNonAdvancingLevel(t *testing.T) {
	now := time.Now()
	s := lockedSettlement()
	s, err := Open(s, "dispute_3", now)
	require.NoError(t, err)
	s, err = Escalate(s, "dispute_3", LevelArbiter, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = Escalate(s, "dispute_3", LevelCounterparty, now.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalidEscalationStep)
}

func TestOpenRejectsAfterWindowCloses(t *testing.T) {
	now := time.Now()
	windowEnd := now.Add(-time.Hour)
	s := lockedSettlement()
	s.DisputeWindowEndsAt = &windowEnd

	_, err := Open(s, "dispute_4", now)
	require.ErrorIs(t, err, ErrDisputeWindowClosed)
}

func TestCloseRejectsMismatchedDisputeID(t *testing.T) {
	now := time.Now()
	s := lockedSettlement()
	s, err := Open(s, "dispute_5", now)
	require.NoError(t, err)

	payer := &store.AgentWallet{TenantID: "t1", AgentID: "payer"}
	payee := &store.AgentWallet{TenantID: "t1", AgentID: "payee"}
	_, _, _, _, err = Close(s, "wrong_id", OutcomeAccepted, 0, "v1", payer, payee, now)
	require.ErrorIs(t, err, ErrDisputeIDMismatch)
}
