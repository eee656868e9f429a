package gateway

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"50.00", 5000},
		{"0.01", 1},
		{"1234.56", 123456},
		{"100", 10000},
	}
	for _, tt := range tests {
		d, _ := decimal.NewFromString(tt.amount)
		if got := MinorUnits(d); got != tt.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestFromMinorUnits(t *testing.T) {
	if got := FromMinorUnits(5000); got.StringFixed(2) != "50.00" {
		t.Errorf("FromMinorUnits(5000) = %s, want 50.00", got.StringFixed(2))
	}
	if got := FromMinorUnits(1); got.StringFixed(2) != "0.01" {
		t.Errorf("FromMinorUnits(1) = %s, want 0.01", got.StringFixed(2))
	}
}

func TestMock_ChargeLifecycle(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	amount := decimal.RequireFromString("25.00")
	ch, err := m.CreateCharge(ctx, "usr_1", amount, "USD", "transaction_funding")
	if err != nil {
		t.Fatalf("CreateCharge failed: %v", err)
	}
	if ch.Status != StatusPending {
		t.Errorf("new charge should be pending, got %s", ch.Status)
	}
	if ch.ClientSecret == "" {
		t.Error("charge should carry a client secret")
	}

	// Confirm before payer completes: not succeeded
	if _, err := m.ConfirmCharge(ctx, ch.ID); err != ErrChargeNotSucceeded {
		t.Errorf("expected ErrChargeNotSucceeded, got %v", err)
	}

	m.Complete(ch.ID)

	got, err := m.ConfirmCharge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("ConfirmCharge after completion failed: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}

	if err := m.Release(ctx, ch.ID); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if len(m.Releases) != 1 {
		t.Errorf("expected 1 release, got %d", len(m.Releases))
	}
}

func TestMock_RefundAndNotFound(t *testing.T) {
	m := NewMock()
	m.AutoSucceed = true
	ctx := context.Background()

	ch, _ := m.CreateCharge(ctx, "usr_1", decimal.RequireFromString("10.00"), "USD", "wallet_deposit")

	if err := m.Refund(ctx, ch.ID); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if len(m.Refunds) != 1 {
		t.Errorf("expected 1 refund recorded, got %d", len(m.Refunds))
	}

	if _, err := m.ConfirmCharge(ctx, "pi_missing"); err != ErrChargeNotFound {
		t.Errorf("expected ErrChargeNotFound, got %v", err)
	}
	if err := m.Refund(ctx, "pi_missing"); err != ErrChargeNotFound {
		t.Errorf("expected ErrChargeNotFound, got %v", err)
	}
}

func TestMock_FailNext(t *testing.T) {
	m := NewMock()
	m.FailNext = true

	_, err := m.CreateCharge(context.Background(), "usr_1", decimal.RequireFromString("5.00"), "USD", "x")
	if err != ErrGateway {
		t.Errorf("expected ErrGateway, got %v", err)
	}

	// Next call succeeds
	if _, err := m.CreateCharge(context.Background(), "usr_1", decimal.RequireFromString("5.00"), "USD", "x"); err != nil {
		t.Errorf("expected success after FailNext consumed, got %v", err)
	}
}
