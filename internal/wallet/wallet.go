// Package wallet implements the double-entry wallet/escrow state machine as
// pure value transitions, generalized from the teacher's
// internal/economics/wallet.go mutex-guarded balance bookkeeping (there:
// float64 balance/trust score on a shared map; here: integer cents on an
// immutable value, with every transition returning a new wallet instead of
// mutating one in place).
package wallet

import (
	"time"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// ErrInsufficientBalance is returned by Lock when amount exceeds available.
var ErrInsufficientBalance = domainerr.New("INSUFFICIENT_WALLET_BALANCE", 409, "escrow lock exceeds available balance")

// Invariant checks the four-field balance identity every transition must
// preserve: available + escrowLocked == totalCredited - totalDebited.
func Invariant(w *store.AgentWallet) bool {
	if w.AvailableCents < 0 || w.EscrowLockedCents < 0 {
		return false
	}
	return w.AvailableCents+w.EscrowLockedCents == w.TotalCreditedCents-w.TotalDebitedCents
}

func clone(w *store.AgentWallet) *store.AgentWallet {
	cp := *w
	return &cp
}

// Credit adds amountCents to available and totalCredited, returning a new
// wallet. amountCents must be positive; callers validate before calling.
func Credit(w *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "creditAmountMustBePositive"})
	}
	out := clone(w)
	out.AvailableCents += amountCents
	out.TotalCreditedCents += amountCents
	out.UpdatedAt = at
	return out, nil
}

// Lock moves amountCents from available to escrowLocked. On failure Lock
// returns an error and leaves the input wallet untouched — callers must not
// persist anything.
func Lock(w *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "lockAmountMustBePositive"})
	}
	if amountCents > w.AvailableCents {
		return nil, ErrInsufficientBalance
	}
	out := clone(w)
	out.AvailableCents -= amountCents
	out.EscrowLockedCents += amountCents
	out.UpdatedAt = at
	return out, nil
}

// Refund moves amountCents from escrowLocked back to available.
func Refund(w *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "refundAmountMustBePositive"})
	}
	if amountCents > w.EscrowLockedCents {
		return nil, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "refundExceedsEscrowLocked"})
	}
	out := clone(w)
	out.EscrowLockedCents -= amountCents
	out.AvailableCents += amountCents
	out.UpdatedAt = at
	return out, nil
}

// Release debits the payer's escrowLocked (recording it as debited) and
// credits the payee's available balance. It is the only transition that
// touches two wallets at once; callers persist both inside one store
// transaction.
func Release(payer, payee *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, *store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "releaseAmountMustBePositive"})
	}
	if amountCents > payer.EscrowLockedCents {
		return nil, nil, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "releaseExceedsEscrowLocked"})
	}
	newPayer := clone(payer)
	newPayer.EscrowLockedCents -= amountCents
	newPayer.TotalDebitedCents += amountCents
	newPayer.UpdatedAt = at

	newPayee := clone(payee)
	newPayee.AvailableCents += amountCents
	newPayee.TotalCreditedCents += amountCents
	newPayee.UpdatedAt = at

	return newPayer, newPayee, nil
}

// ReleaseFromAvailable moves amountCents from the payer's available balance
// straight to the payee's available balance, the way Release does except
// that the payer's side of the amount already left escrow (a dispute
// verdict raising a release above what an earlier decision already
// disbursed in full has nothing left in escrowLocked to draw from).
func ReleaseFromAvailable(payer, payee *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, *store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "releaseAmountMustBePositive"})
	}
	if amountCents > payer.AvailableCents {
		return nil, nil, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "releaseFromAvailableExceedsPayerBalance"})
	}
	newPayer := clone(payer)
	newPayer.AvailableCents -= amountCents
	newPayer.TotalDebitedCents += amountCents
	newPayer.UpdatedAt = at

	newPayee := clone(payee)
	newPayee.AvailableCents += amountCents
	newPayee.TotalCreditedCents += amountCents
	newPayee.UpdatedAt = at

	return newPayer, newPayee, nil
}

// ClawBack reverses a prior Release/ReleaseFromAvailable: amountCents moves
// from the payee's available balance back to the payer's, undoing both
// sides' credit/debit bookkeeping. Used when a dispute verdict overturns
// funds an earlier decision already paid out of escrow in full.
func ClawBack(payer, payee *store.AgentWallet, amountCents int64, at time.Time) (*store.AgentWallet, *store.AgentWallet, error) {
	if amountCents <= 0 {
		return nil, nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "clawBackAmountMustBePositive"})
	}
	if amountCents > payee.AvailableCents {
		return nil, nil, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "clawBackExceedsPayeeAvailableBalance"})
	}
	newPayee := clone(payee)
	newPayee.AvailableCents -= amountCents
	newPayee.TotalCreditedCents -= amountCents
	newPayee.UpdatedAt = at

	newPayer := clone(payer)
	newPayer.AvailableCents += amountCents
	newPayer.TotalDebitedCents -= amountCents
	newPayer.UpdatedAt = at

	return newPayer, newPayee, nil
}

// Split performs a Release of releasedCents to payee and a Refund of
// refundedCents back to the payer, in the same escrow lock. Callers must
// ensure releasedCents+refundedCents equals the locked amount being closed
// out; Split itself only enforces that both legs succeed against the
// payer's current escrowLocked balance.
func Split(payer, payee *store.AgentWallet, releasedCents, refundedCents int64, at time.Time) (*store.AgentWallet, *store.AgentWallet, error) {
	if releasedCents < 0 || refundedCents < 0 {
		return nil, nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "splitAmountsMustBeNonNegative"})
	}
	total := releasedCents + refundedCents
	if total > payer.EscrowLockedCents {
		return nil, nil, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "splitExceedsEscrowLocked"})
	}

	newPayer := clone(payer)
	newPayer.EscrowLockedCents -= total
	newPayer.AvailableCents += refundedCents
	newPayer.TotalDebitedCents += releasedCents
	newPayer.UpdatedAt = at

	newPayee := clone(payee)
	if releasedCents > 0 {
		newPayee.AvailableCents += releasedCents
		newPayee.TotalCreditedCents += releasedCents
	}
	newPayee.UpdatedAt = at

	return newPayer, newPayee, nil
}
