package workorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
)

func seedWallets(t *testing.T, ctx context.Context, s store.Store, buyer, seller string, buyerAvailable int64) {
	t.Helper()
	require.NoError(t, s.PutWallet(ctx, &store.AgentWallet{
		TenantID: "t1", AgentID: buyer,
		AvailableCents: buyerAvailable, TotalCreditedCents: buyerAvailable,
	}))
	require.NoError(t, s.PutWallet(ctx, &store.AgentWallet{
		TenantID: "t1", AgentID: seller,
	}))
}

func TestFullLifecycleMeteredBelowQuoteRefundsRemainder(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "buyer", "seller", 10000)

	e := &Engine{Store: s}
	wo, err := e.Create(ctx, "t1", "wo_1", "buyer", "seller", "hash_abc", 5000)
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderDraft, wo.Status)

	wo, err = e.Offer(ctx, "t1", "wo_1")
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderOffered, wo.Status)

	wo, err = e.Accept(ctx, "t1", "wo_1")
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderAccepted, wo.Status)

	buyerWallet, err := s.GetWallet(ctx, "t1", "buyer")
	require.NoError(t, err)
	require.Equal(t, int64(5000), buyerWallet.AvailableCents)
	require.Equal(t, int64(5000), buyerWallet.EscrowLockedCents)

	wo, err = e.Start(ctx, "t1", "wo_1")
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderInProgress, wo.Status)

	wo, receipt, err := e.Complete(ctx, "t1", "wo_1", 3000)
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderCompleted, wo.Status)
	require.Equal(t, int64(3000), receipt.MeteredCents)
	require.NotEmpty(t, receipt.ReceiptHash)

	wo, err = e.Settle(ctx, "t1", "wo_1")
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderSettled, wo.Status)

	buyerWallet, err = s.GetWallet(ctx, "t1", "buyer")
	require.NoError(t, err)
	require.Equal(t, int64(7000), buyerWallet.AvailableCents)
	require.Equal(t, int64(0), buyerWallet.EscrowLockedCents)

	sellerWallet, err := s.GetWallet(ctx, "t1", "seller")
	require.NoError(t, err)
	require.Equal(t, int64(3000), sellerWallet.AvailableCents)
}

func TestTopUpIncreasesQuoteAndLocksAdditionalFunds(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "buyer", "seller", 10000)

	e := &Engine{Store: s}
	_, err := e.Create(ctx, "t1", "wo_1", "buyer", "seller", "hash_abc", 2000)
	require.NoError(t, err)
	_, err = e.Offer(ctx, "t1", "wo_1")
	require.NoError(t, err)
	_, err = e.Accept(ctx, "t1", "wo_1")
	require.NoError(t, err)
	_, err = e.Start(ctx, "t1", "wo_1")
	require.NoError(t, err)

	wo, err := e.TopUp(ctx, "t1", "wo_1", 1500)
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderToppedUp, wo.Status)
	require.Equal(t, int64(3500), wo.QuotedAmountCents)

	buyerWallet, err := s.GetWallet(ctx, "t1", "buyer")
	require.NoError(t, err)
	require.Equal(t, int64(3500), buyerWallet.EscrowLockedCents)

	_, _, err = e.Complete(ctx, "t1", "wo_1", 5000)
	require.ErrorIs(t, err, ErrMeteredExceedsHold)
}

func TestCancelAfterAcceptRefundsLockedFunds(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "buyer", "seller", 10000)

	e := &Engine{Store: s}
	_, err := e.Create(ctx, "t1", "wo_1", "buyer", "seller", "hash_abc", 4000)
	require.NoError(t, err)
	_, err = e.Offer(ctx, "t1", "wo_1")
	require.NoError(t, err)
	_, err = e.Accept(ctx, "t1", "wo_1")
	require.NoError(t, err)

	wo, err := e.Cancel(ctx, "t1", "wo_1")
	require.NoError(t, err)
	require.Equal(t, store.WorkOrderCancelled, wo.Status)

	buyerWallet, err := s.GetWallet(ctx, "t1", "buyer")
	require.NoError(t, err)
	require.Equal(t, int64(10000), buyerWallet.AvailableCents)
	require.Equal(t, int64(0), buyerWallet.EscrowLockedCents)

	_, err = e.Cancel(ctx, "t1", "wo_1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSettleBeforeCompleteRejected(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedWallets(t, ctx, s, "buyer", "seller", 10000)

	e := &Engine{Store: s}
	_, err := e.Create(ctx, "t1", "wo_1", "buyer", "seller", "hash_abc", 4000)
	require.NoError(t, err)
	_, err = e.Offer(ctx, "t1", "wo_1")
	require.NoError(t, err)
	_, err = e.Accept(ctx, "t1", "wo_1")
	require.NoError(t, err)

	_, err = e.Settle(ctx, "t1", "wo_1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
