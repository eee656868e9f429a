// Package wallet tracks user balances on the platform.
//
// Flow:
//  1. User deposits by card; the gateway confirms the charge and the
//     wallet is credited
//  2. Wallet funds pay into escrow when a transaction is funded
//  3. Escrow releases credit the seller's wallet
//  4. Withdrawals move funds out through the payout processor
//
// The available balance can never go negative: debits are atomic and
// fail with ErrInsufficientFunds instead of overdrawing.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/metrics"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateDeposit  = errors.New("deposit already processed")
)

// Entry types
const (
	EntryDeposit       = "deposit"
	EntryWithdrawal    = "withdrawal"
	EntryEscrowFund    = "escrow_fund"
	EntryEscrowRelease = "escrow_release"
	EntryEscrowRefund  = "escrow_refund"
	EntrySignupBonus   = "signup_bonus"
)

// Entry statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry represents a wallet ledger entry
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference,omitempty"` // transaction ID, charge ID
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance represents a user's wallet balance
type Balance struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"available"` // Can be spent
	Pending   decimal.Decimal `json:"pending"`   // Withdrawals awaiting payout
	TotalIn   decimal.Decimal `json:"totalIn"`   // Lifetime credits
	TotalOut  decimal.Decimal `json:"totalOut"`  // Lifetime debits
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists wallet data. Credit and Debit are atomic; Debit returns
// ErrInsufficientFunds when the available balance would go negative.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error
	Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error
	Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	ConfirmHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	ReleaseHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
	UnmatchedEscrowFunds(ctx context.Context, olderThan time.Time) ([]*Entry, error)
}

// Service manages wallet balances
type Service struct {
	store Store
}

// NewService creates a wallet service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Balance returns a user's current balance
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// Deposit credits a user's wallet after a confirmed card charge.
// Idempotent on chargeID: a charge credits at most once.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, chargeID string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	exists, err := s.store.HasReference(ctx, chargeID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}

	if err := s.store.Credit(ctx, userID, amount, EntryDeposit, chargeID, "card_deposit"); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntryDeposit).Inc()
	return nil
}

// SignupBonus credits the welcome amount to a newly registered user.
func (s *Service) SignupBonus(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := s.store.Credit(ctx, userID, amount, EntrySignupBonus, "", "welcome_bonus"); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntrySignupBonus).Inc()
	return nil
}

// FundEscrow debits the buyer's wallet to fund a transaction. Atomic:
// concurrent funds cannot overdraw the wallet.
func (s *Service) FundEscrow(ctx context.Context, userID string, amount decimal.Decimal, txnID string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Debit(ctx, userID, amount, EntryEscrowFund, txnID, "escrow_funding"); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntryEscrowFund).Inc()
	return nil
}

// ReleaseEscrow credits the seller's wallet when escrowed funds release.
func (s *Service) ReleaseEscrow(ctx context.Context, sellerID string, amount decimal.Decimal, txnID string) error {
	if err := s.store.Credit(ctx, sellerID, amount, EntryEscrowRelease, txnID, "escrow_release"); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntryEscrowRelease).Inc()
	return nil
}

// RefundEscrow credits escrowed funds back to the buyer's wallet.
func (s *Service) RefundEscrow(ctx context.Context, buyerID string, amount decimal.Decimal, txnID string) error {
	if err := s.store.Credit(ctx, buyerID, amount, EntryEscrowRefund, txnID, "escrow_refund"); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntryEscrowRefund).Inc()
	return nil
}

// Withdraw places a hold for a payout. The amount moves from available
// to pending until the payout settles.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Hold(ctx, userID, amount, reference); err != nil {
		return err
	}
	metrics.WalletEntriesTotal.WithLabelValues(EntryWithdrawal).Inc()
	return nil
}

// FinalizeWithdrawal settles a pending withdrawal. On success the held
// amount leaves the wallet; on failure it returns to available.
func (s *Service) FinalizeWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, reference string, success bool) error {
	if success {
		return s.store.ConfirmHold(ctx, userID, amount, reference)
	}
	return s.store.ReleaseHold(ctx, userID, amount, reference)
}

// CanSpend checks if a user has sufficient available balance.
func (s *Service) CanSpend(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.Available.GreaterThanOrEqual(amount), nil
}

// History returns ledger entries for a user
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetHistory(ctx, userID, limit)
}

// UnmatchedEscrowFunds returns escrow debits older than the cutoff with
// no matching release or refund entry. Most are funds legitimately held
// in escrow; the caller decides which are orphans from transaction state.
func (s *Service) UnmatchedEscrowFunds(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	return s.store.UnmatchedEscrowFunds(ctx, olderThan)
}
