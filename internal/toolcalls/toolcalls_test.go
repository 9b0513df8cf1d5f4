package toolcalls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
)

func TestCreateAgreementIsDeterministic(t *testing.T) {
	now := time.Now()
	input := map[string]any{"query": "weather in sf"}
	terms := map[string]any{"priceCents": float64(100)}

	a1, err := CreateAgreement("t1", "tool.search", "manifest_1", "call_1", input, terms, now)
	require.NoError(t, err)
	a2, err := CreateAgreement("t1", "tool.search", "manifest_1", "call_1", input, terms, now)
	require.NoError(t, err)

	require.Equal(t, a1.InputHash, a2.InputHash)
	require.Equal(t, a1.AgreementHash, a2.AgreementHash)
	require.NotEmpty(t, a1.AgreementHash)
}

func TestSignEvidenceHashesOutput(t *testing.T) {
	now := time.Now()
	a, err := CreateAgreement("t1", "tool.search", "manifest_1", "call_1", map[string]any{"q": "x"}, nil, now)
	require.NoError(t, err)

	e, err := SignEvidence("t1", a, map[string]any{"result": "42F"}, map[string]any{"latencyMs": float64(120)}, "key_1", now)
	require.NoError(t, err)
	require.Equal(t, a.AgreementHash, e.AgreementHash)
	require.NotEmpty(t, e.OutputHash)
	require.NotEmpty(t, e.EvidenceHash)
}

func TestCreateHoldComputesHoldbackSlice(t *testing.T) {
	now := time.Now()
	h, err := CreateHold("t1", CreateHoldParams{
		AgreementHash:     "agr_1",
		ReceiptHash:       "rcpt_1",
		PayerAgentID:      "agent_payer",
		PayeeAgentID:      "agent_payee",
		AmountCents:       10000,
		HoldbackBps:       1000, // 10%
		ChallengeWindowMs: 60000,
	}, now)
	require.NoError(t, err)
	require.Equal(t, int64(1000), h.HeldAmountCents)
	require.Equal(t, now.Add(60*time.Second), h.ExpiresAt)
	require.NotEmpty(t, h.HoldHash)
}

func TestCreateHoldRejectsOutOfRangeBps(t *testing.T) {
	_, err := CreateHold("t1", CreateHoldParams{AmountCents: 1000, HoldbackBps: 10001}, time.Now())
	require.ErrorIs(t, err, ErrHoldbackBpsRange)
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	h, err := CreateHold("t1", CreateHoldParams{AmountCents: 1000, HoldbackBps: 1000, ChallengeWindowMs: 1000}, now)
	require.NoError(t, err)

	require.False(t, IsExpired(h, now.Add(500*time.Millisecond)))
	require.True(t, IsExpired(h, now.Add(1500*time.Millisecond)))
}

func TestOpenDisputeFreezesHoldWithinWindow(t *testing.T) {
	now := time.Now()
	h, err := CreateHold("t1", CreateHoldParams{AmountCents: 1000, HoldbackBps: 1000, ChallengeWindowMs: 60000}, now)
	require.NoError(t, err)

	newHold, c, err := OpenDispute(h, "case_1", map[string]any{"reason": "bad output"}, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, store.HoldDisputed, newHold.State)
	require.Equal(t, "case_1", newHold.ArbitrationCaseID)
	require.Equal(t, "case_1", c.CaseID)
}

func TestOpenDisputeRejectsAfterWindowCloses(t *testing.T) {
	now := time.Now()
	h, err := CreateHold("t1", CreateHoldParams{AmountCents: 1000, HoldbackBps: 1000, ChallengeWindowMs: 1000}, now)
	require.NoError(t, err)

	_, _, err = OpenDispute(h, "case_1", nil, now.Add(2*time.Second))
	require.ErrorIs(t, err, ErrHoldNotLocked)
}

func TestApplyVerdictPartialRelease(t *testing.T) {
	now := time.Now()
	h, err := CreateHold("t1", CreateHoldParams{AmountCents: 1000, HoldbackBps: 1000, ChallengeWindowMs: 60000}, now)
	require.NoError(t, err)
	h, c, err := OpenDispute(h, "case_1", nil, now.Add(time.Second))
	require.NoError(t, err)

	newHold, newCase, err := ApplyVerdict(h, c, "partial", 50, "verdict_hash_1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "resolved", string(newCase.Status))
	require.Equal(t, 50, newCase.ReleaseRatePct)
	require.NotNil(t, newHold)
}
