// Package gateway abstracts the card payment processor used to fund
// transactions and wallets. The production implementation is Stripe;
// tests use the in-memory mock.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrGateway            = errors.New("payment gateway error")
	ErrChargeNotFound     = errors.New("charge not found")
	ErrChargeNotSucceeded = errors.New("charge has not succeeded")
)

// Charge statuses (normalized across processors)
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusRefunded  = "refunded"
	StatusFailed    = "failed"
)

// Charge purposes, recorded as processor metadata at creation time.
// Confirm paths verify the purpose and owner, so a deposit charge
// cannot fund an escrow and a charge cannot be spent by another user.
const (
	PurposeDeposit = "wallet_deposit"
	PurposeEscrow  = "escrow_fund"
)

// Charge is a card payment held by the processor. UserID and Purpose
// round-trip through processor metadata and never reach API responses.
type Charge struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	UserID       string          `json:"-"`
	Purpose      string          `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// PaymentGateway is the processor-facing interface. Amounts are decimal
// major units; implementations convert to minor units on the wire.
type PaymentGateway interface {
	// CreateCharge initiates a card payment and returns the charge with
	// a client secret for the payer to complete.
	CreateCharge(ctx context.Context, userID string, amount decimal.Decimal, currency, purpose string) (*Charge, error)

	// ConfirmCharge verifies the charge completed on the processor side.
	// Returns ErrChargeNotSucceeded if the payer has not completed it.
	ConfirmCharge(ctx context.Context, chargeID string) (*Charge, error)

	// Refund returns the full charge amount to the payer.
	Refund(ctx context.Context, chargeID string) error

	// Release pays the held charge amount out to the payee. The charge
	// must have succeeded first.
	Release(ctx context.Context, chargeID string) error
}

// MinorUnits converts a decimal major-unit amount to integer minor units
// (cents). Amounts are already rounded to two places by the money package.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// FromMinorUnits converts integer minor units back to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
