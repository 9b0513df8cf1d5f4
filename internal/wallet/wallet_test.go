package wallet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
)

func freshWallet(agentID string, availableCents int64) *store.AgentWallet {
	return &store.AgentWallet{
		TenantID:           "t1",
		AgentID:            agentID,
		AvailableCents:     availableCents,
		TotalCreditedCents: availableCents,
		Currency:           "USD",
		UpdatedAt:          time.Now(),
	}
}

func TestCreditThenLockThenRelease(t *testing.T) {
	payer := freshWallet("payer", 0)
	payee := freshWallet("payee", 0)

	payer, err := Credit(payer, 500000, time.Now())
	require.NoError(t, err)
	require.True(t, Invariant(payer))

	payer, err = Lock(payer, 125000, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(375000), payer.AvailableCents)
	require.Equal(t, int64(125000), payer.EscrowLockedCents)
	require.True(t, Invariant(payer))

	newPayer, newPayee, err := Release(payer, payee, 125000, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), newPayer.EscrowLockedCents)
	require.Equal(t, int64(125000), newPayer.TotalDebitedCents)
	require.Equal(t, int64(125000), newPayee.AvailableCents)
	require.True(t, Invariant(newPayer))
	require.True(t, Invariant(newPayee))
}

func TestLockFailureLeavesWalletUntouched(t *testing.T) {
	payer := freshWallet("payer", 100)
	before := *payer

	_, err := Lock(payer, 101, time.Now())
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, before, *payer)
}

func TestSplitConservesLockedAmount(t *testing.T) {
	payer := freshWallet("payer", 0)
	payee := freshWallet("payee", 0)
	payer, err := Credit(payer, 10000, time.Now())
	require.NoError(t, err)
	payer, err = Lock(payer, 10000, time.Now())
	require.NoError(t, err)

	newPayer, newPayee, err := Split(payer, payee, 4000, 6000, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), newPayer.EscrowLockedCents)
	require.Equal(t, int64(6000), newPayer.AvailableCents)
	require.Equal(t, int64(4000), newPayer.TotalDebitedCents)
	require.Equal(t, int64(4000), newPayee.AvailableCents)
	require.True(t, Invariant(newPayer))
	require.True(t, Invariant(newPayee))
}

func TestRefundMovesBackToAvailable(t *testing.T) {
	w := freshWallet("a", 0)
	w, err := Credit(w, 1000, time.Now())
	require.NoError(t, err)
	w, err = Lock(w, 1000, time.Now())
	require.NoError(t, err)

	w, err = Refund(w, 1000, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1000), w.AvailableCents)
	require.Equal(t, int64(0), w.EscrowLockedCents)
	require.True(t, Invariant(w))
}
