// Package message provides the conversation attached to each transaction.
// Messages are append-only and visible only to the two parties.
package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/notify"
	"github.com/tradesafe/tradesafe/internal/realtime"
	"github.com/tradesafe/tradesafe/internal/validation"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrForbidden    = errors.New("not a party to this transaction")
	ErrEmptyContent = errors.New("message content is required")
)

// MaxContentLength caps a single message body.
const MaxContentLength = 2000

// Message is one entry in a transaction conversation.
type Message struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName"`
	RecipientID   string    `json:"recipientId"`
	Content       string    `json:"content"`
	IsRead        bool      `json:"isRead"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists messages.
type Store interface {
	Create(ctx context.Context, msg *Message) error
	ListByTransaction(ctx context.Context, txnID string, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, txnID, recipientID string) (int64, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
}

// Service implements transaction messaging.
type Service struct {
	store   Store
	txns    *escrow.Service
	emitter *notify.Emitter
	hub     *realtime.Hub
}

// NewService creates a message service.
func NewService(store Store, txns *escrow.Service) *Service {
	return &Service{store: store, txns: txns}
}

// WithEmitter adds a notification emitter for new-message events.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithHub adds a realtime hub for streaming messages to both parties.
func (s *Service) WithHub(h *realtime.Hub) *Service {
	s.hub = h
	return s
}

// Send appends a message to the transaction conversation. Only the buyer
// or the seller may send, in any transaction state.
func (s *Service) Send(ctx context.Context, txnID, senderID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	content = validation.SanitizeString(content, MaxContentLength)

	txn, err := s.txns.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.IsParty(senderID) {
		return nil, ErrForbidden
	}

	sender, recipient := txn.Buyer, txn.Seller
	if senderID == txn.Seller.UserID {
		sender, recipient = txn.Seller, txn.Buyer
	}

	msg := &Message{
		ID:            idgen.WithPrefix("msg_"),
		TransactionID: txnID,
		SenderID:      sender.UserID,
		SenderName:    sender.Name,
		RecipientID:   recipient.UserID,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return nil, err
	}

	metrics.MessagesTotal.Inc()
	if s.emitter != nil {
		s.emitter.MessageReceived(recipient.UserID, txnID, sender.Name)
	}
	if s.hub != nil {
		s.hub.SendToUsers(realtime.EventMessage, msg, txn.Buyer.UserID, txn.Seller.UserID)
	}
	return msg, nil
}

// List returns the conversation for a transaction, oldest first. Only the
// parties may read it.
func (s *Service) List(ctx context.Context, txnID, actorID string, limit int) ([]*Message, error) {
	txn, err := s.txns.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.IsParty(actorID) {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByTransaction(ctx, txnID, limit)
}

// MarkRead marks every message addressed to the actor in the transaction
// as read, returning the number updated.
func (s *Service) MarkRead(ctx context.Context, txnID, actorID string) (int64, error) {
	txn, err := s.txns.Get(ctx, txnID)
	if err != nil {
		return 0, err
	}
	if !txn.IsParty(actorID) {
		return 0, ErrForbidden
	}
	return s.store.MarkRead(ctx, txnID, actorID)
}

// UnreadCount returns the number of unread messages addressed to the user
// across all their transactions.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}
