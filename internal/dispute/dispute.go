// Package dispute tracks disputes raised against active transactions.
// A dispute is 1:1 with its transaction while open; opening one moves the
// transaction to disputed, and resolution drives it back out.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/notify"
	"github.com/tradesafe/tradesafe/internal/traces"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrAlreadyDisputed = errors.New("transaction already has an open dispute")
	ErrResolved        = errors.New("dispute already resolved")
	ErrForbidden       = errors.New("not a participant in this dispute")
	ErrInvalidOutcome  = errors.New("outcome must be release, refund, or resume")
	ErrEmptyReason     = errors.New("reason is required")
	ErrEmptyContent    = errors.New("content is required")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Resolution outcomes.
const (
	OutcomeRelease = "release" // funds to seller, transaction completed
	OutcomeRefund  = "refund"  // funds back to buyer, transaction cancelled
	OutcomeResume  = "resume"  // no fund movement, transaction active again
)

// Message is one entry in the dispute conversation.
type Message struct {
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Dispute is a disagreement over an active transaction.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	RaisedBy      string     `json:"raisedBy"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	Participants  []string   `json:"participants"`
	Messages      []Message  `json:"messages"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// IsParticipant returns true if the user is a party to the disputed
// transaction.
func (d *Dispute) IsParticipant(userID string) bool {
	for _, p := range d.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
	OpenByTransaction(ctx context.Context, txnID string) (*Dispute, error)
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Manager implements dispute business logic on top of the escrow state
// machine.
type Manager struct {
	store   Store
	txns    *escrow.Service
	emitter *notify.Emitter
}

// NewManager creates a dispute manager.
func NewManager(store Store, txns *escrow.Service) *Manager {
	return &Manager{store: store, txns: txns}
}

// WithEmitter adds a notification emitter for dispute events.
func (m *Manager) WithEmitter(e *notify.Emitter) *Manager {
	m.emitter = e
	return m
}

// Open raises a dispute against an active transaction and moves the
// transaction to disputed. At most one open dispute may exist per
// transaction.
func (m *Manager) Open(ctx context.Context, txnID, raisedBy, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.TransactionID(txnID), traces.UserIDAttr(raisedBy))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyReason
	}

	if existing, err := m.store.OpenByTransaction(ctx, txnID); err == nil && existing != nil {
		return nil, ErrAlreadyDisputed
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	txn, err := m.txns.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.IsParty(raisedBy) {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: txnID,
		RaisedBy:      raisedBy,
		Reason:        reason,
		Status:        StatusOpen,
		Participants:  []string{txn.Buyer.UserID, txn.Seller.UserID},
		Messages:      []Message{{Sender: raisedBy, Content: reason, At: now}},
		CreatedAt:     now,
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	if _, err := m.txns.MarkDisputed(ctx, txnID, raisedBy, d.ID); err != nil {
		if delErr := m.store.Delete(ctx, d.ID); delErr != nil {
			logging.L(ctx).Error("orphaned dispute record after failed transition",
				"dispute_id", d.ID, "transaction_id", txnID, "error", delErr)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	if m.emitter != nil {
		opener := txn.Buyer.Name
		other := txn.Seller.UserID
		if raisedBy == txn.Seller.UserID {
			opener = txn.Seller.Name
			other = txn.Buyer.UserID
		}
		m.emitter.DisputeOpened(other, d.ID, opener)
	}
	return d, nil
}

// Respond appends a message to an unresolved dispute. The first response
// from the other party moves it to under_review.
func (m *Manager) Respond(ctx context.Context, disputeID, actorID, content string) (*Dispute, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParticipant(actorID) {
		return nil, ErrForbidden
	}
	if d.Status == StatusResolved {
		return nil, ErrResolved
	}

	now := time.Now().UTC()
	d.Messages = append(d.Messages, Message{Sender: actorID, Content: content, At: now})
	if d.Status == StatusOpen && actorID != d.RaisedBy {
		d.Status = StatusUnderReview
	}
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("responded").Inc()
	if m.emitter != nil {
		for _, p := range d.Participants {
			if p != actorID {
				m.emitter.DisputeResponse(p, d.ID)
			}
		}
	}
	return d, nil
}

// Resolve settles a dispute with the given outcome, driving the matching
// transaction transition. Restricted to admins at the routing layer.
func (m *Manager) Resolve(ctx context.Context, disputeID, resolverID, outcome, resolution string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrResolved
	}

	switch outcome {
	case OutcomeRelease:
		_, err = m.txns.ResolveRelease(ctx, d.TransactionID, resolverID)
	case OutcomeRefund:
		_, err = m.txns.ResolveRefund(ctx, d.TransactionID, resolverID)
	case OutcomeResume:
		_, err = m.txns.ResolveResume(ctx, d.TransactionID, resolverID)
	default:
		return nil, ErrInvalidOutcome
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Outcome = outcome
	d.Resolution = strings.TrimSpace(resolution)
	d.ResolvedAt = &now
	if err := m.store.Update(ctx, d); err != nil {
		// The transaction already transitioned; the dispute record must
		// reflect that. Surface for manual reconciliation.
		logging.L(ctx).Error("CRITICAL: transaction resolved but dispute update failed",
			"dispute_id", d.ID, "transaction_id", d.TransactionID, "outcome", outcome, "error", err)
		return nil, fmt.Errorf("update dispute after resolution: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	if m.emitter != nil {
		for _, p := range d.Participants {
			m.emitter.DisputeResolved(p, d.ID, outcome)
		}
	}
	return d, nil
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// ListByUser returns disputes on transactions the user is party to,
// newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.store.ListByParticipant(ctx, userID, limit)
}

// ListUnresolved returns open and under-review disputes for the review
// queue.
func (m *Manager) ListUnresolved(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	open, err := m.store.ListByStatus(ctx, StatusOpen, limit)
	if err != nil {
		return nil, err
	}
	review, err := m.store.ListByStatus(ctx, StatusUnderReview, limit)
	if err != nil {
		return nil, err
	}
	all := append(open, review...)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
