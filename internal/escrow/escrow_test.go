package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/gateway"
	"github.com/tradesafe/tradesafe/internal/money"
	"github.com/tradesafe/tradesafe/internal/user"
	"github.com/tradesafe/tradesafe/internal/wallet"
)

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	wallets *wallet.Service
	gw      *gateway.Mock
	buyer   *user.User
	seller  *user.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	wallets := wallet.NewService(wallet.NewMemoryStore())
	users := user.NewService(user.NewMemoryStore(), auth.NewManager(auth.NewMemoryStore()), wallets, decimal.Zero)

	buyer, err := users.Register(ctx, "buyer@example.com", "Buyer", "user")
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	seller, err := users.Register(ctx, "seller@example.com", "Seller", "user")
	if err != nil {
		t.Fatalf("register seller: %v", err)
	}

	store := NewMemoryStore()
	gw := gateway.NewMock()
	return &fixture{
		svc:     NewService(store, users, wallets, gw),
		store:   store,
		wallets: wallets,
		gw:      gw,
		buyer:   buyer.User,
		seller:  seller.User,
	}
}

func (f *fixture) create(t *testing.T, amount string) *Transaction {
	t.Helper()
	txn, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
		Title:             "Vintage camera",
		Amount:            amount,
		Currency:          "USD",
		Role:              "buyer",
		CounterpartyEmail: f.seller.Email,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func (f *fixture) deposit(t *testing.T, userID, amount string) {
	t.Helper()
	if err := f.wallets.Deposit(context.Background(), userID, amt(amount), "pi_test_"+userID+amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := f.wallets.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Available
}

func (f *fixture) fundWallet(t *testing.T, amount string) *Transaction {
	t.Helper()
	f.deposit(t, f.buyer.ID, amount)
	txn := f.create(t, amount)
	funded, err := f.svc.FundWallet(context.Background(), txn.ID, f.buyer.ID)
	if err != nil {
		t.Fatalf("fund from wallet: %v", err)
	}
	return funded
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	if !strings.HasPrefix(txn.ID, "txn_") {
		t.Errorf("id = %s, want txn_ prefix", txn.ID)
	}
	if txn.Status != StatusPending {
		t.Errorf("status = %s, want pending", txn.Status)
	}
	if txn.EscrowFunded {
		t.Error("new transaction should not be funded")
	}
	if txn.Buyer.UserID != f.buyer.ID || txn.Seller.UserID != f.seller.ID {
		t.Errorf("parties wrong: buyer=%s seller=%s", txn.Buyer.UserID, txn.Seller.UserID)
	}
	if len(txn.Timeline) != 1 || txn.Timeline[0].Event != "created" {
		t.Errorf("timeline = %+v, want single created event", txn.Timeline)
	}
}

func TestCreate_CreatorAsSeller(t *testing.T) {
	f := newFixture(t)
	txn, err := f.svc.Create(context.Background(), f.seller.ID, CreateRequest{
		Title:             "Consulting",
		Amount:            "250.00",
		Role:              "seller",
		CounterpartyEmail: f.buyer.Email,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if txn.Buyer.UserID != f.buyer.ID {
		t.Errorf("buyer = %s, want counterparty %s", txn.Buyer.UserID, f.buyer.ID)
	}
	if txn.Seller.UserID != f.seller.ID {
		t.Errorf("seller = %s, want creator %s", txn.Seller.UserID, f.seller.ID)
	}
}

func TestCreate_CurrencyDefaults(t *testing.T) {
	f := newFixture(t)
	txn, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
		Title:             "No currency given",
		Amount:            "20.00",
		Role:              "buyer",
		CounterpartyEmail: f.seller.Email,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if txn.Currency != money.DefaultCurrency {
		t.Errorf("currency = %s, want %s", txn.Currency, money.DefaultCurrency)
	}
}

func TestCreate_UnsupportedCurrency(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
		Title:             "Crypto deal",
		Amount:            "20.00",
		Currency:          "BTC",
		Role:              "buyer",
		CounterpartyEmail: f.seller.Email,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestCreate_SameParty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
		Title:             "Self deal",
		Amount:            "10.00",
		Role:              "buyer",
		CounterpartyEmail: f.buyer.Email,
	})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("err = %v, want ErrSameParty", err)
	}
}

func TestCreate_UnknownCounterparty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
		Title:             "Ghost",
		Amount:            "10.00",
		Role:              "buyer",
		CounterpartyEmail: "nobody@example.com",
	})
	if !errors.Is(err, ErrCounterpartyMissing) {
		t.Errorf("err = %v, want ErrCounterpartyMissing", err)
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	for _, bad := range []string{"", "0", "-5", "abc"} {
		_, err := f.svc.Create(context.Background(), f.buyer.ID, CreateRequest{
			Title:             "Bad amount",
			Amount:            bad,
			Role:              "buyer",
			CounterpartyEmail: f.seller.Email,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: err = %v, want ErrInvalidAmount", bad, err)
		}
	}
}

func TestFundWallet(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.buyer.ID, "50.00")
	txn := f.create(t, "50.00")

	funded, err := f.svc.FundWallet(context.Background(), txn.ID, f.buyer.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != StatusActive {
		t.Errorf("status = %s, want active", funded.Status)
	}
	if !funded.EscrowFunded || funded.PaymentMethod != MethodWallet {
		t.Errorf("funded=%v method=%s", funded.EscrowFunded, funded.PaymentMethod)
	}
	if got := f.balance(t, f.buyer.ID); !got.IsZero() {
		t.Errorf("buyer balance = %s, want 0", got)
	}
}

func TestFundWallet_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.buyer.ID, "49.00")
	txn := f.create(t, "50.00")

	_, err := f.svc.FundWallet(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	fresh, _ := f.svc.Get(context.Background(), txn.ID)
	if fresh.Status != StatusPending || fresh.EscrowFunded {
		t.Errorf("transaction mutated on failed fund: status=%s funded=%v", fresh.Status, fresh.EscrowFunded)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("49.00")) {
		t.Errorf("buyer balance = %s, want 49.00", got)
	}
}

func TestFundWallet_OnlyBuyer(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.seller.ID, "100.00")
	txn := f.create(t, "100.00")

	_, err := f.svc.FundWallet(context.Background(), txn.ID, f.seller.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestFund_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.buyer.ID, "100.00")
	txn := f.create(t, "50.00")

	if _, err := f.svc.FundWallet(context.Background(), txn.ID, f.buyer.ID); err != nil {
		t.Fatalf("first fund: %v", err)
	}
	_, err := f.svc.FundWallet(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("second fund err = %v, want ErrAlreadyFunded", err)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("50.00")) {
		t.Errorf("buyer balance = %s, want 50.00 (single debit)", got)
	}

	hist, _ := f.wallets.History(context.Background(), f.buyer.ID, 50)
	var funds int
	for _, e := range hist {
		if e.Type == wallet.EntryEscrowFund {
			funds++
		}
	}
	if funds != 1 {
		t.Errorf("escrow_fund entries = %d, want 1", funds)
	}
}

func TestFundCard(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("75.00"), "USD", gateway.PurposeEscrow)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	f.gw.Complete(charge.ID)

	funded, err := f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != StatusActive || funded.PaymentMethod != MethodCard {
		t.Errorf("status=%s method=%s", funded.Status, funded.PaymentMethod)
	}
	if funded.ChargeID != charge.ID {
		t.Errorf("chargeID = %s, want %s", funded.ChargeID, charge.ID)
	}
}

func TestFundCard_ChargeNotSucceeded(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("75.00"), "USD", gateway.PurposeEscrow)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}

	_, err = f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID)
	if !errors.Is(err, gateway.ErrChargeNotSucceeded) {
		t.Errorf("err = %v, want ErrChargeNotSucceeded", err)
	}
	fresh, _ := f.svc.Get(context.Background(), txn.ID)
	if fresh.Status != StatusPending {
		t.Errorf("status = %s, want pending", fresh.Status)
	}
}

func TestFundCard_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("60.00"), "USD", gateway.PurposeEscrow)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	f.gw.Complete(charge.ID)

	_, err = f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID)
	if !errors.Is(err, ErrChargeMismatch) {
		t.Errorf("err = %v, want ErrChargeMismatch", err)
	}
}

func TestFundCard_ChargeSingleUse(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "75.00")
	second := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("75.00"), "USD", gateway.PurposeEscrow)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	f.gw.Complete(charge.ID)

	if _, err := f.svc.FundCard(context.Background(), first.ID, f.buyer.ID, charge.ID); err != nil {
		t.Fatalf("first fund: %v", err)
	}
	_, err = f.svc.FundCard(context.Background(), second.ID, f.buyer.ID, charge.ID)
	if !errors.Is(err, ErrChargeUsed) {
		t.Errorf("err = %v, want ErrChargeUsed", err)
	}
	fresh, _ := f.svc.Get(context.Background(), second.ID)
	if fresh.Status != StatusPending || fresh.EscrowFunded {
		t.Errorf("second transaction mutated: status=%s funded=%v", fresh.Status, fresh.EscrowFunded)
	}
}

func TestFundCard_WrongOwner(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.seller.ID, amt("75.00"), "USD", gateway.PurposeEscrow)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	f.gw.Complete(charge.ID)

	_, err = f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID)
	if !errors.Is(err, ErrChargeMismatch) {
		t.Errorf("err = %v, want ErrChargeMismatch", err)
	}
}

func TestFundCard_DepositChargeRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("75.00"), "USD", gateway.PurposeDeposit)
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	f.gw.Complete(charge.ID)

	_, err = f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID)
	if !errors.Is(err, ErrChargeMismatch) {
		t.Errorf("err = %v, want ErrChargeMismatch", err)
	}
}

func TestCreateCardCharge(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "75.00")

	charge, err := f.svc.CreateCardCharge(context.Background(), txn.ID, f.buyer.ID)
	if err != nil {
		t.Fatalf("create card charge: %v", err)
	}
	if charge.UserID != f.buyer.ID || charge.Purpose != gateway.PurposeEscrow {
		t.Errorf("charge bound to user=%s purpose=%s", charge.UserID, charge.Purpose)
	}
	if !charge.Amount.Equal(txn.Amount) {
		t.Errorf("charge amount = %s, want %s", charge.Amount, txn.Amount)
	}

	if _, err := f.svc.CreateCardCharge(context.Background(), txn.ID, f.seller.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("seller charge err = %v, want ErrForbidden", err)
	}
}

func TestReconcileWalletFunds_RefundsOrphanedDebit(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.buyer.ID, "50.00")
	txn := f.create(t, "20.00")

	// A crash between the wallet debit and the transaction commit leaves
	// the debit recorded with the transaction still pending.
	if err := f.wallets.FundEscrow(context.Background(), f.buyer.ID, amt("20.00"), txn.ID); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("30.00")) {
		t.Fatalf("balance after debit = %s, want 30.00", got)
	}

	n, err := f.svc.ReconcileWalletFunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("refunded = %d, want 1", n)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("50.00")) {
		t.Errorf("balance after reconcile = %s, want 50.00", got)
	}

	// A second pass finds nothing: the refund entry matches the debit.
	n, err = f.svc.ReconcileWalletFunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass refunded = %d, want 0", n)
	}
}

func TestReconcileWalletFunds_LeavesHeldEscrowAlone(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "40.00")

	n, err := f.svc.ReconcileWalletFunds(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 0 {
		t.Errorf("refunded = %d, want 0", n)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("0.00")) {
		t.Errorf("buyer balance = %s, want 0.00", got)
	}
	fresh, _ := f.svc.Get(context.Background(), txn.ID)
	if fresh.Status != StatusActive || !fresh.EscrowFunded {
		t.Errorf("transaction mutated: status=%s funded=%v", fresh.Status, fresh.EscrowFunded)
	}
}

func TestRelease_WalletFunded(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")

	done, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("status=%s completedAt=%v", done.Status, done.CompletedAt)
	}
	if got := f.balance(t, f.seller.ID); !got.Equal(amt("100.00")) {
		t.Errorf("seller balance = %s, want 100.00", got)
	}
}

func TestRelease_CardFunded(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "80.00")
	charge, _ := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("80.00"), "USD", gateway.PurposeEscrow)
	f.gw.Complete(charge.ID)
	if _, err := f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(f.gw.Releases) != 1 || f.gw.Releases[0] != charge.ID {
		t.Errorf("gateway releases = %v, want [%s]", f.gw.Releases, charge.ID)
	}
}

func TestRelease_SellerForbidden(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")

	_, err := f.svc.Release(context.Background(), txn.ID, f.seller.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestRelease_Unfunded(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	_, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRelease_AfterCompleted(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")
	if _, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second release err = %v, want ErrInvalidTransition", err)
	}
	if got := f.balance(t, f.seller.ID); !got.Equal(amt("100.00")) {
		t.Errorf("seller balance = %s, want single credit of 100.00", got)
	}
}

func TestRelease_Concurrent(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful releases = %d, want exactly 1", ok)
	}
	if got := f.balance(t, f.seller.ID); !got.Equal(amt("100.00")) {
		t.Errorf("seller balance = %s, want single credit of 100.00", got)
	}
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	cancelled, err := f.svc.Cancel(context.Background(), txn.ID, f.seller.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestCancel_FundedRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")

	_, err := f.svc.Cancel(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancel_Stranger(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	_, err := f.svc.Cancel(context.Background(), txn.ID, "usr_stranger")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestMarkDisputed(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")

	disputed, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.seller.ID, "dsp_1")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputeID != "dsp_1" {
		t.Errorf("status=%s disputeID=%s", disputed.Status, disputed.DisputeID)
	}

	// Release is blocked while the dispute is open.
	_, err = f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release during dispute err = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkDisputed_PendingRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")

	_, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.buyer.ID, "dsp_1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")
	if _, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.seller.ID, "dsp_1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	done, err := f.svc.ResolveRelease(context.Background(), txn.ID, "usr_admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if done.Status != StatusCompleted || done.DisputeID != "" {
		t.Errorf("status=%s disputeID=%q", done.Status, done.DisputeID)
	}
	if got := f.balance(t, f.seller.ID); !got.Equal(amt("100.00")) {
		t.Errorf("seller balance = %s, want 100.00", got)
	}
}

func TestResolveRefund(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")
	if _, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.buyer.ID, "dsp_1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	done, err := f.svc.ResolveRefund(context.Background(), txn.ID, "usr_admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if done.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", done.Status)
	}
	if got := f.balance(t, f.buyer.ID); !got.Equal(amt("100.00")) {
		t.Errorf("buyer balance = %s, want refund of 100.00", got)
	}
	if got := f.balance(t, f.seller.ID); !got.IsZero() {
		t.Errorf("seller balance = %s, want 0", got)
	}
}

func TestResolveRefund_CardFunded(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "80.00")
	charge, _ := f.gw.CreateCharge(context.Background(), f.buyer.ID, amt("80.00"), "USD", gateway.PurposeEscrow)
	f.gw.Complete(charge.ID)
	if _, err := f.svc.FundCard(context.Background(), txn.ID, f.buyer.ID, charge.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.buyer.ID, "dsp_1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	if _, err := f.svc.ResolveRefund(context.Background(), txn.ID, "usr_admin"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(f.gw.Refunds) != 1 || f.gw.Refunds[0] != charge.ID {
		t.Errorf("gateway refunds = %v, want [%s]", f.gw.Refunds, charge.ID)
	}
}

func TestResolveResume(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")
	if _, err := f.svc.MarkDisputed(context.Background(), txn.ID, f.seller.ID, "dsp_1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	resumed, err := f.svc.ResolveResume(context.Background(), txn.ID, "usr_admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resumed.Status != StatusActive || !resumed.EscrowFunded || resumed.DisputeID != "" {
		t.Errorf("status=%s funded=%v disputeID=%q", resumed.Status, resumed.EscrowFunded, resumed.DisputeID)
	}

	// No fund movement occurred during the dispute detour.
	hist, _ := f.wallets.History(context.Background(), f.buyer.ID, 50)
	for _, e := range hist {
		if e.Type == wallet.EntryEscrowRefund || e.Type == wallet.EntryEscrowRelease {
			t.Errorf("unexpected wallet entry %s after resume", e.Type)
		}
	}

	// Normal release still works afterwards.
	if _, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID); err != nil {
		t.Fatalf("release after resume: %v", err)
	}
}

func TestVersionConflict_StaleWrite(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t, "100.00")
	ctx := context.Background()

	stale, _ := f.store.Get(ctx, txn.ID)
	fresh, _ := f.store.Get(ctx, txn.ID)

	fresh.Status = StatusCancelled
	if err := f.store.Update(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale.Status = StatusActive
	err := f.store.Update(ctx, stale, stale.Version)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict", err)
	}
}

func TestListByUser(t *testing.T) {
	f := newFixture(t)
	f.create(t, "10.00")
	f.create(t, "20.00")

	for _, id := range []string{f.buyer.ID, f.seller.ID} {
		txns, _, _, err := f.svc.ListByUser(context.Background(), id, 0, "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(txns) != 2 {
			t.Errorf("user %s: got %d transactions, want 2", id, len(txns))
		}
	}

	txns, _, _, _ := f.svc.ListByUser(context.Background(), "usr_stranger", 0, "")
	if len(txns) != 0 {
		t.Errorf("stranger sees %d transactions, want 0", len(txns))
	}
}

func TestHasActiveTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, _ := f.svc.HasActiveTransactions(ctx, f.buyer.ID)
	if active {
		t.Error("no transactions yet, want false")
	}

	txn := f.create(t, "100.00")
	active, _ = f.svc.HasActiveTransactions(ctx, f.buyer.ID)
	if !active {
		t.Error("pending transaction, want true")
	}

	if _, err := f.svc.Cancel(ctx, txn.ID, f.buyer.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	active, _ = f.svc.HasActiveTransactions(ctx, f.buyer.ID)
	if active {
		t.Error("all transactions terminal, want false")
	}
}

func TestTimeline_AppendOnly(t *testing.T) {
	f := newFixture(t)
	txn := f.fundWallet(t, "100.00")
	done, err := f.svc.Release(context.Background(), txn.ID, f.buyer.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	want := []string{"created", "funded", "released"}
	if len(done.Timeline) != len(want) {
		t.Fatalf("timeline length = %d, want %d", len(done.Timeline), len(want))
	}
	for i, ev := range want {
		if done.Timeline[i].Event != ev {
			t.Errorf("timeline[%d] = %s, want %s", i, done.Timeline[i].Event, ev)
		}
	}
}

func TestListByUser_Pagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, "10.00")
	}

	ctx := context.Background()
	page1, cursor, more, err := f.svc.ListByUser(ctx, f.buyer.ID, 2, "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page1) != 2 || !more || cursor == "" {
		t.Fatalf("first page: got %d txns, more=%v, cursor=%q", len(page1), more, cursor)
	}

	page2, cursor2, more2, err := f.svc.ListByUser(ctx, f.buyer.ID, 2, cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page2) != 2 || !more2 {
		t.Fatalf("second page: got %d txns, more=%v", len(page2), more2)
	}

	page3, _, more3, err := f.svc.ListByUser(ctx, f.buyer.ID, 2, cursor2)
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(page3) != 1 || more3 {
		t.Fatalf("third page: got %d txns, more=%v", len(page3), more3)
	}

	// No overlap between pages
	seen := map[string]bool{}
	for _, p := range [][]*Transaction{page1, page2, page3} {
		for _, txn := range p {
			if seen[txn.ID] {
				t.Errorf("transaction %s returned twice", txn.ID)
			}
			seen[txn.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct transactions across pages, got %d", len(seen))
	}

	if _, _, _, err := f.svc.ListByUser(ctx, f.buyer.ID, 2, "not-base64!"); err != ErrInvalidCursor {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}
