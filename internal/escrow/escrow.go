// Package escrow implements the transaction state machine at the heart of
// the platform: a buyer and a seller agree on an amount, the buyer funds
// an escrow from a card charge or wallet balance, and the funds are
// released, refunded, or held for dispute resolution.
//
// Every transition is validated against the persisted record and committed
// with an optimistic version check, so two conflicting actions on the same
// transaction can never both apply.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/gateway"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/money"
	"github.com/tradesafe/tradesafe/internal/notify"
	"github.com/tradesafe/tradesafe/internal/pagination"
	"github.com/tradesafe/tradesafe/internal/realtime"
	"github.com/tradesafe/tradesafe/internal/traces"
	"github.com/tradesafe/tradesafe/internal/user"
	"github.com/tradesafe/tradesafe/internal/wallet"
)

var (
	ErrNotFound            = errors.New("transaction not found")
	ErrForbidden           = errors.New("not a party to this transaction")
	ErrInvalidTransition   = errors.New("action not allowed in current transaction state")
	ErrAlreadyFunded       = errors.New("escrow already funded")
	ErrVersionConflict     = errors.New("transaction was modified concurrently")
	ErrSameParty           = errors.New("buyer and seller must be different users")
	ErrCounterpartyMissing = errors.New("counterparty not found")
	ErrChargeMismatch      = errors.New("charge does not match this transaction")
	ErrChargeUsed          = errors.New("charge already used to fund a transaction")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRole         = errors.New("role must be buyer or seller")
	ErrInvalidCursor       = errors.New("invalid pagination cursor")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"   // created, escrow not funded
	StatusActive    Status = "active"    // escrow funded, awaiting release
	StatusCompleted Status = "completed" // funds released to seller
	StatusDisputed  Status = "disputed"  // open dispute, release blocked
	StatusCancelled Status = "cancelled" // cancelled or refunded
)

// Payment methods for funding the escrow.
const (
	MethodCard   = "card"
	MethodWallet = "wallet"
)

// Party identifies one side of a transaction.
type Party struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// TimelineEvent is one append-only entry in a transaction's history.
type TimelineEvent struct {
	Event       string    `json:"event"`
	Actor       string    `json:"actor"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Transaction is an escrow record between a buyer and a seller.
type Transaction struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	Buyer         Party           `json:"buyer"`
	Seller        Party           `json:"seller"`
	EscrowFunded  bool            `json:"escrowFunded"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	ChargeID      string          `json:"-"`
	DisputeID     string          `json:"disputeId,omitempty"`
	Timeline      []TimelineEvent `json:"timeline"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal returns true once no further transitions are possible.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// IsParty returns true if the user is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID == t.Buyer.UserID || userID == t.Seller.UserID
}

// Store persists transactions. Update applies the record only if the
// stored version still equals expectedVersion, incrementing it on success;
// a lost race returns ErrVersionConflict and the caller must re-read.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction, expectedVersion int64) error
	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	HasActive(ctx context.Context, userID string) (bool, error)
	ChargeInUse(ctx context.Context, chargeID string) (bool, error)
}

// CreateRequest contains the parameters for opening a transaction.
// The creator names their own role and the counterparty by email.
type CreateRequest struct {
	Title             string `json:"title" binding:"required"`
	Description       string `json:"description"`
	Amount            string `json:"amount" binding:"required"`
	Currency          string `json:"currency"`
	Role              string `json:"role" binding:"required"`
	CounterpartyEmail string `json:"counterpartyEmail" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store   Store
	users   *user.Service
	wallets *wallet.Service
	gw      gateway.PaymentGateway
	emitter *notify.Emitter
	hub     *realtime.Hub
}

// NewService creates the escrow service.
func NewService(store Store, users *user.Service, wallets *wallet.Service, gw gateway.PaymentGateway) *Service {
	return &Service{store: store, users: users, wallets: wallets, gw: gw}
}

// WithEmitter adds a notification emitter for transition events.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithHub adds a realtime hub for streaming transaction updates.
func (s *Service) WithHub(h *realtime.Hub) *Service {
	s.hub = h
	return s
}

// Create opens a new pending transaction between the creator and the
// counterparty resolved by email.
func (s *Service) Create(ctx context.Context, creatorID string, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.UserIDAttr(creatorID), traces.Amount(req.Amount))
	defer span.End()

	amount, ok := money.Parse(req.Amount)
	if !ok || amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	currency := money.NormalizeCurrency(req.Currency)
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidAmount, req.Currency)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role != "buyer" && role != "seller" {
		return nil, ErrInvalidRole
	}

	creator, err := s.users.Get(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	counterparty, err := s.users.GetByEmail(ctx, req.CounterpartyEmail)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrCounterpartyMissing
		}
		return nil, err
	}
	if creator.ID == counterparty.ID {
		return nil, ErrSameParty
	}

	buyer, seller := creator, counterparty
	if role == "seller" {
		buyer, seller = counterparty, creator
	}

	now := time.Now().UTC()
	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Amount:      amount,
		Currency:    currency,
		Status:      StatusPending,
		Buyer:       Party{UserID: buyer.ID, Name: buyer.Name, Email: buyer.Email},
		Seller:      Party{UserID: seller.ID, Name: seller.Name, Email: seller.Email},
		Timeline: []TimelineEvent{{
			Event:       "created",
			Actor:       creator.ID,
			Description: fmt.Sprintf("Transaction created by %s", creator.Name),
			At:          now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	if s.emitter != nil {
		s.emitter.TransactionCreated(counterparty.ID, t.ID, creator.Name, money.Format(amount))
	}
	s.broadcast(t)
	return t, nil
}

// CreateCardCharge starts a card payment for the transaction amount,
// bound to the buyer and to escrow funding via processor metadata. The
// returned charge carries the client secret the buyer completes the
// payment with before calling FundCard.
func (s *Service) CreateCardCharge(ctx context.Context, id, actorID string) (*gateway.Charge, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != t.Buyer.UserID {
		return nil, ErrForbidden
	}
	if t.EscrowFunded {
		return nil, ErrAlreadyFunded
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fund a %s transaction", ErrInvalidTransition, t.Status)
	}
	return s.gw.CreateCharge(ctx, t.Buyer.UserID, t.Amount, t.Currency, gateway.PurposeEscrow)
}

// FundCard moves a pending transaction to active once the payment gateway
// confirms the buyer's card charge succeeded. Idempotent: funding an
// already-funded transaction returns ErrAlreadyFunded without side effects.
func (s *Service) FundCard(ctx context.Context, id, actorID, chargeID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FundCard", traces.TransactionID(id), traces.PaymentMethod("card"))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != t.Buyer.UserID {
		return nil, ErrForbidden
	}
	if t.EscrowFunded {
		return nil, ErrAlreadyFunded
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fund a %s transaction", ErrInvalidTransition, t.Status)
	}

	charge, err := s.gw.ConfirmCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if !charge.Amount.Equal(t.Amount) || !strings.EqualFold(charge.Currency, t.Currency) {
		return nil, ErrChargeMismatch
	}
	// The charge must have been created by this buyer for escrow funding.
	// Anything else (another user's charge, a wallet-deposit charge) is
	// rejected even when the amount happens to match.
	if charge.UserID != t.Buyer.UserID || charge.Purpose != gateway.PurposeEscrow {
		return nil, ErrChargeMismatch
	}
	used, err := s.store.ChargeInUse(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrChargeUsed
	}

	t.Status = StatusActive
	t.EscrowFunded = true
	t.PaymentMethod = MethodCard
	t.ChargeID = chargeID
	if err := s.commit(ctx, t, "funded", actorID, "Escrow funded by card payment"); err != nil {
		return nil, err
	}

	metrics.TransactionsFundedTotal.WithLabelValues(MethodCard).Inc()
	if s.emitter != nil {
		s.emitter.TransactionFunded(t.Seller.UserID, t.ID, money.Format(t.Amount))
	}
	s.broadcast(t)
	return t, nil
}

// FundWallet funds the escrow from the buyer's wallet balance. The debit
// is atomic against the balance check, so two transactions funding from
// the same wallet cannot overdraw it.
func (s *Service) FundWallet(ctx context.Context, id, actorID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FundWallet", traces.TransactionID(id), traces.PaymentMethod("wallet"))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != t.Buyer.UserID {
		return nil, ErrForbidden
	}
	if t.EscrowFunded {
		return nil, ErrAlreadyFunded
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fund a %s transaction", ErrInvalidTransition, t.Status)
	}

	if err := s.wallets.FundEscrow(ctx, t.Buyer.UserID, t.Amount, t.ID); err != nil {
		return nil, err
	}

	t.Status = StatusActive
	t.EscrowFunded = true
	t.PaymentMethod = MethodWallet
	if err := s.commit(ctx, t, "funded", actorID, "Escrow funded from wallet balance"); err != nil {
		// The debit landed but the transition lost a race. Return the
		// funds so the caller can safely retry from fresh state.
		if refundErr := s.wallets.RefundEscrow(ctx, t.Buyer.UserID, t.Amount, t.ID); refundErr != nil {
			logging.L(ctx).Error("wallet refund after failed fund commit",
				"transaction_id", t.ID, "user_id", t.Buyer.UserID, "error", refundErr)
		}
		return nil, err
	}

	metrics.TransactionsFundedTotal.WithLabelValues(MethodWallet).Inc()
	if s.emitter != nil {
		s.emitter.TransactionFunded(t.Seller.UserID, t.ID, money.Format(t.Amount))
	}
	s.broadcast(t)
	return t, nil
}

// Release completes an active transaction, paying the escrowed funds out
// to the seller. Only the buyer may release.
func (s *Service) Release(ctx context.Context, id, actorID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(id))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != t.Buyer.UserID {
		return nil, ErrForbidden
	}
	if t.Status != StatusActive || !t.EscrowFunded {
		return nil, fmt.Errorf("%w: cannot release a %s transaction", ErrInvalidTransition, t.Status)
	}

	if err := s.complete(ctx, t, actorID, "Funds released by buyer"); err != nil {
		return nil, err
	}
	if s.emitter != nil {
		s.emitter.TransactionCompleted(t.Seller.UserID, t.ID, money.Format(t.Amount))
	}
	s.broadcast(t)
	return t, nil
}

// Cancel cancels a pending, unfunded transaction. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.TransactionID(id))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrForbidden
	}
	if t.Status != StatusPending || t.EscrowFunded {
		return nil, fmt.Errorf("%w: cannot cancel a %s transaction", ErrInvalidTransition, t.Status)
	}

	t.Status = StatusCancelled
	if err := s.commit(ctx, t, "cancelled", actorID, "Transaction cancelled"); err != nil {
		return nil, err
	}
	s.observeTerminal(t)

	if s.emitter != nil {
		other := t.Buyer.UserID
		if actorID == other {
			other = t.Seller.UserID
		}
		s.emitter.TransactionCancelled(other, t.ID)
	}
	s.broadcast(t)
	return t, nil
}

// MarkDisputed moves an active transaction to disputed, blocking release
// until the dispute resolves. Called by the dispute manager after it has
// created the dispute record.
func (s *Service) MarkDisputed(ctx context.Context, id, actorID, disputeID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrForbidden
	}
	if t.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot dispute a %s transaction", ErrInvalidTransition, t.Status)
	}

	t.Status = StatusDisputed
	t.DisputeID = disputeID
	if err := s.commit(ctx, t, "disputed", actorID, "Dispute opened"); err != nil {
		return nil, err
	}
	s.broadcast(t)
	return t, nil
}

// ResolveRelease settles a disputed transaction in the seller's favor,
// releasing the escrowed funds.
func (s *Service) ResolveRelease(ctx context.Context, id, actorID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: transaction is %s, not disputed", ErrInvalidTransition, t.Status)
	}

	t.DisputeID = ""
	if err := s.complete(ctx, t, actorID, "Dispute resolved: funds released to seller"); err != nil {
		return nil, err
	}
	s.broadcast(t)
	return t, nil
}

// ResolveRefund settles a disputed transaction in the buyer's favor,
// returning the escrowed funds and cancelling the transaction.
func (s *Service) ResolveRefund(ctx context.Context, id, actorID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: transaction is %s, not disputed", ErrInvalidTransition, t.Status)
	}

	disputeID := t.DisputeID
	t.Status = StatusCancelled
	t.DisputeID = ""
	if err := s.commit(ctx, t, "refunded", actorID, "Dispute resolved: escrow refunded to buyer"); err != nil {
		return nil, err
	}

	if err := s.refundEscrow(ctx, t); err != nil {
		t.Status = StatusDisputed
		t.DisputeID = disputeID
		if revertErr := s.commit(ctx, t, "refund_failed", actorID, "Refund failed, escrow still held"); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: transaction cancelled but refund failed and revert failed",
				"transaction_id", t.ID, "error", err, "revert_error", revertErr)
		}
		return nil, fmt.Errorf("refund escrow: %w", err)
	}
	s.observeTerminal(t)
	s.broadcast(t)
	return t, nil
}

// ResolveResume returns a disputed transaction to active with the escrow
// untouched, so the parties can proceed normally.
func (s *Service) ResolveResume(ctx context.Context, id, actorID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: transaction is %s, not disputed", ErrInvalidTransition, t.Status)
	}

	t.Status = StatusActive
	t.DisputeID = ""
	if err := s.commit(ctx, t, "resumed", actorID, "Dispute resolved: transaction resumed"); err != nil {
		return nil, err
	}
	s.broadcast(t)
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller,
// newest first.
// The cursor is an opaque token from a previous page; pass "" for the
// first page. Returns the page, the next cursor, and whether more
// pages exist.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]*Transaction, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}

	// Fetch one extra row to detect whether another page exists.
	txns, err := s.store.ListByUser(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, more, nil
}

// HasActiveTransactions reports whether the user is party to any
// non-terminal transaction. Used to block account deletion.
func (s *Service) HasActiveTransactions(ctx context.Context, userID string) (bool, error) {
	return s.store.HasActive(ctx, userID)
}

// complete commits the transition to completed first, so the version check
// picks exactly one winner, then moves the funds. A payout failure after a
// won commit is compensated by reverting the record to its prior state.
func (s *Service) complete(ctx context.Context, t *Transaction, actorID, desc string) error {
	prevStatus, prevDispute := t.Status, t.DisputeID
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	if err := s.commit(ctx, t, "released", actorID, desc); err != nil {
		return err
	}

	if err := s.releaseEscrow(ctx, t); err != nil {
		t.Status = prevStatus
		t.DisputeID = prevDispute
		t.CompletedAt = nil
		if revertErr := s.commit(ctx, t, "release_failed", actorID, "Payout failed, escrow still held"); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: transaction completed but payout failed and revert failed",
				"transaction_id", t.ID, "error", err, "revert_error", revertErr)
		}
		return fmt.Errorf("release escrow: %w", err)
	}
	s.observeTerminal(t)
	return nil
}

func (s *Service) releaseEscrow(ctx context.Context, t *Transaction) error {
	if t.PaymentMethod == MethodWallet {
		return s.wallets.ReleaseEscrow(ctx, t.Seller.UserID, t.Amount, t.ID)
	}
	return s.gw.Release(ctx, t.ChargeID)
}

func (s *Service) refundEscrow(ctx context.Context, t *Transaction) error {
	if t.PaymentMethod == MethodWallet {
		return s.wallets.RefundEscrow(ctx, t.Buyer.UserID, t.Amount, t.ID)
	}
	return s.gw.Refund(ctx, t.ChargeID)
}

// commit appends a timeline entry and writes the record under the version
// read at load time.
func (s *Service) commit(ctx context.Context, t *Transaction, event, actor, desc string) error {
	now := time.Now().UTC()
	t.Timeline = append(t.Timeline, TimelineEvent{
		Event:       event,
		Actor:       actor,
		Description: desc,
		At:          now,
	})
	t.UpdatedAt = now
	return s.store.Update(ctx, t, t.Version)
}

func (s *Service) observeTerminal(t *Transaction) {
	metrics.TransactionsTotal.WithLabelValues(string(t.Status)).Inc()
	metrics.TransactionDuration.Observe(time.Since(t.CreatedAt).Seconds())
}

func (s *Service) broadcast(t *Transaction) {
	if s.hub == nil {
		return
	}
	s.hub.SendToUsers(realtime.EventTransaction, t, t.Buyer.UserID, t.Seller.UserID)
}
