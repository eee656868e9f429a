//go:build integration

package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_CreditAndGetBalance(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.Credit(ctx, "usr_pg1", decimal.RequireFromString("10.50"), EntryDeposit, "pi_1", "test deposit")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "usr_pg1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !bal.Available.Equal(decimal.RequireFromString("10.50")) {
		t.Errorf("expected 10.50, got %s", bal.Available)
	}
}

func TestPostgres_DebitInsufficientFunds(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.Credit(ctx, "usr_pg2", decimal.RequireFromString("5.00"), EntryDeposit, "pi_2", "seed")

	err := store.Debit(ctx, "usr_pg2", decimal.RequireFromString("10.00"), EntryEscrowFund, "txn_1", "overdraw")
	if err != ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := store.GetBalance(ctx, "usr_pg2")
	if !bal.Available.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("failed debit must not change balance, got %s", bal.Available)
	}
}

func TestPostgres_ConcurrentDebits(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.Credit(ctx, "usr_pg3", decimal.RequireFromString("50.00"), EntryDeposit, "pi_3", "seed")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Debit(ctx, "usr_pg3", decimal.RequireFromString("50.00"), EntryEscrowFund, "txn_race", "race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winning debit, got %d", wins)
	}
	bal, _ := store.GetBalance(ctx, "usr_pg3")
	if bal.Available.Sign() < 0 {
		t.Errorf("balance went negative: %s", bal.Available)
	}
}

func TestPostgres_HoldLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.Credit(ctx, "usr_pg4", decimal.RequireFromString("40.00"), EntryDeposit, "pi_4", "seed")

	if err := store.Hold(ctx, "usr_pg4", decimal.RequireFromString("15.00"), "wdr_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, "usr_pg4")
	if !bal.Available.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("expected available 25.00, got %s", bal.Available)
	}
	if !bal.Pending.Equal(decimal.RequireFromString("15.00")) {
		t.Errorf("expected pending 15.00, got %s", bal.Pending)
	}

	if err := store.ReleaseHold(ctx, "usr_pg4", decimal.RequireFromString("15.00"), "wdr_1"); err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}
	bal, _ = store.GetBalance(ctx, "usr_pg4")
	if !bal.Available.Equal(decimal.RequireFromString("40.00")) {
		t.Errorf("expected available restored to 40.00, got %s", bal.Available)
	}
}

func TestPostgres_MissingWalletSentinels(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	amt := decimal.RequireFromString("5.00")

	if err := store.Debit(ctx, "usr_absent", amt, EntryEscrowFund, "txn_x", "no wallet"); err != ErrInsufficientFunds {
		t.Errorf("Debit: expected ErrInsufficientFunds, got %v", err)
	}
	if err := store.ConfirmHold(ctx, "usr_absent", amt, "wdr_x"); err != ErrWalletNotFound {
		t.Errorf("ConfirmHold: expected ErrWalletNotFound, got %v", err)
	}
	if err := store.ReleaseHold(ctx, "usr_absent", amt, "wdr_x"); err != ErrWalletNotFound {
		t.Errorf("ReleaseHold: expected ErrWalletNotFound, got %v", err)
	}
}

func TestPostgres_HasReference(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.Credit(ctx, "usr_pg5", decimal.RequireFromString("1.00"), EntryDeposit, "pi_dup", "seed")

	exists, err := store.HasReference(ctx, "pi_dup")
	if err != nil {
		t.Fatalf("HasReference failed: %v", err)
	}
	if !exists {
		t.Error("expected reference to exist")
	}

	exists, _ = store.HasReference(ctx, "pi_other")
	if exists {
		t.Error("unexpected reference")
	}
}
