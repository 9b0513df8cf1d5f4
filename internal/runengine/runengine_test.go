package runengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
)

func seedWallets(t *testing.T, ctx context.Context, s store.Store, payer, payee string, payerAvailable int64) {
	t.Helper()
	require.NoError(t, s.PutWallet(ctx, &store.AgentWallet{
		TenantID: "t1", AgentID: payer,
		AvailableCents: payerAvailable, TotalCreditedCents: payerAvailable,
	}))
	require.NoError(t, s.PutWallet(ctx, &store.AgentWallet{
		TenantID: "t1", AgentID: payee,
	}))
}

func TestCreateRunLocksPayerFunds(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "payer", "payee", 10000)

	e := &Engine{Store: s}
	run, settlement, err := e.CreateRun(ctx, "t1", "run_1", "payee", &SettlementParams{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 5000, Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, store.RunCreated, run.Status)
	require.Equal(t, store.SettlementLocked, settlement.Status)

	payerWallet, err := s.GetWallet(ctx, "t1", "payer")
	require.NoError(t, err)
	require.Equal(t, int64(5000), payerWallet.AvailableCents)
	require.Equal(t, int64(5000), payerWallet.EscrowLockedCents)
}

func TestRunCompletedAutoReleasesInFull(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "payer", "payee", 10000)

	e := &Engine{Store: s}
	run, _, err := e.CreateRun(ctx, "t1", "run_1", "payee", &SettlementParams{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 5000, Currency: "USD",
	})
	require.NoError(t, err)

	run, settlement, err := e.AppendEvent(ctx, "t1", "run_1", EventRunStarted, "payee", nil, chain.GenesisPrevHash)
	require.NoError(t, err)
	require.Equal(t, store.RunStarted, run.Status)
	require.Nil(t, settlement)

	run, settlement, err = e.AppendEvent(ctx, "t1", "run_1", EventRunCompleted, "payee", map[string]any{"ok": true}, run.LastChainHash)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, store.SettlementReleased, settlement.Status)
	require.Equal(t, store.DecisionAutoResolved, settlement.DecisionStatus)
	require.Equal(t, int64(5000), settlement.ReleasedAmountCents)

	payerWallet, err := s.GetWallet(ctx, "t1", "payer")
	require.NoError(t, err)
	require.Equal(t, int64(5000), payerWallet.AvailableCents)
	require.Equal(t, int64(0), payerWallet.EscrowLockedCents)

	payeeWallet, err := s.GetWallet(ctx, "t1", "payee")
	require.NoError(t, err)
	require.Equal(t, int64(5000), payeeWallet.AvailableCents)
}

func TestRunFailedGoesToManualReview(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "payer", "payee", 10000)

	e := &Engine{Store: s}
	_, _, err := e.CreateRun(ctx, "t1", "run_1", "payee", &SettlementParams{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 5000, Currency: "USD",
	})
	require.NoError(t, err)

	_, settlement, err := e.AppendEvent(ctx, "t1", "run_1", EventRunFailed, "payee", map[string]any{"reason": "timeout"}, chain.GenesisPrevHash)
	require.NoError(t, err)
	require.Equal(t, store.SettlementLocked, settlement.Status)
	require.Equal(t, store.DecisionManualReviewRequired, settlement.DecisionStatus)
}

func TestResolveRunSettlementIsSingleShot(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "payer", "payee", 10000)

	e := &Engine{Store: s}
	_, _, err := e.CreateRun(ctx, "t1", "run_1", "payee", &SettlementParams{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 5000, Currency: "USD",
	})
	require.NoError(t, err)
	_, _, err = e.AppendEvent(ctx, "t1", "run_1", EventRunFailed, "payee", nil, chain.GenesisPrevHash)
	require.NoError(t, err)

	resolved, err := e.ResolveRunSettlement(ctx, "t1", "stl_run_1", 40, "manual_partial_credit")
	require.NoError(t, err)
	require.Equal(t, store.SettlementSplit, resolved.Status)
	require.Equal(t, int64(2000), resolved.ReleasedAmountCents)
	require.Equal(t, int64(3000), resolved.RefundedAmountCents)

	_, err = e.ResolveRunSettlement(ctx, "t1", "stl_run_1", 100, "retry")
	require.ErrorIs(t, err, ErrSettlementAlreadyResolved)
}

func TestAppendEventWithWrongExpectedPrevChainHashConflicts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "payer", "payee", 10000)

	e := &Engine{Store: s}
	_, _, err := e.CreateRun(ctx, "t1", "run_1", "payee", nil)
	require.NoError(t, err)

	_, _, err = e.AppendEvent(ctx, "t1", "run_1", EventRunStarted, "payee", nil, "not-the-real-head")
	require.ErrorIs(t, err, chain.ErrChainHashMismatch)
}
