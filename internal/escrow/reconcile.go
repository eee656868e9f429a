package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/tradesafe/tradesafe/internal/logging"
)

// Wallet funding debits the buyer before the transaction commit, so a
// crash between the two can strand a debit with the transaction still
// pending. ReconcileWalletFunds finds those debits and returns them.

// reconcileMinAge keeps the reconciler away from debits whose funding
// request may still be in flight.
const reconcileMinAge = 5 * time.Minute

// ReconcileWalletFunds refunds escrow debits whose transaction never
// reached the funded state. It is idempotent: a refunded debit gains a
// matching refund entry and is not a candidate again. Returns the number
// of debits refunded.
func (s *Service) ReconcileWalletFunds(ctx context.Context, minAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-minAge)
	entries, err := s.wallets.UnmatchedEscrowFunds(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, e := range entries {
		t, err := s.store.Get(ctx, e.Reference)
		switch {
		case errors.Is(err, ErrNotFound):
			// Debit references a transaction that was never persisted.
		case err != nil:
			logging.L(ctx).Error("reconcile: load transaction",
				"transaction_id", e.Reference, "error", err)
			continue
		case t.EscrowFunded || t.Status != StatusPending:
			// Funds are legitimately held in escrow.
			continue
		}

		if err := s.wallets.RefundEscrow(ctx, e.UserID, e.Amount, e.Reference); err != nil {
			logging.L(ctx).Error("reconcile: refund orphaned debit",
				"entry_id", e.ID, "user_id", e.UserID, "error", err)
			continue
		}
		logging.L(ctx).Warn("reconcile: refunded orphaned escrow debit",
			"entry_id", e.ID, "user_id", e.UserID,
			"transaction_id", e.Reference, "amount", e.Amount.String())
		refunded++
	}
	return refunded, nil
}

// RunReconciler runs ReconcileWalletFunds at the given interval until the
// context is cancelled. Wired at server startup.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.ReconcileWalletFunds(ctx, reconcileMinAge); err != nil {
			logging.L(ctx).Error("escrow reconciler pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
