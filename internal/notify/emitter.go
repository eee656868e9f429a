package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/realtime"
	"github.com/tradesafe/tradesafe/internal/webhooks"
)

// Emitter writes notifications and pushes them to connected clients.
// All methods are fire-and-forget: errors are logged but never returned.
// A nil Emitter is safe to call.
type Emitter struct {
	store    Store
	hub      *realtime.Hub
	webhooks *webhooks.Emitter
	logger   *slog.Logger
}

// NewEmitter creates a notification emitter. hub may be nil.
func NewEmitter(store Store, hub *realtime.Hub, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, hub: hub, logger: logger}
}

// WithWebhooks also forwards events to the user's registered webhooks.
func (e *Emitter) WithWebhooks(w *webhooks.Emitter) *Emitter {
	e.webhooks = w
	return e
}

func (e *Emitter) emit(userID, title, message, severity, relatedTo, relatedID string) {
	if e == nil || e.store == nil {
		return
	}
	metrics.NotificationsTotal.WithLabelValues(relatedTo).Inc()

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Severity:  severity,
		RelatedTo: relatedTo,
		RelatedID: relatedID,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Create(ctx, n); err != nil {
		e.logger.Warn("notification write failed", "user_id", userID, "related", relatedTo, "error", err)
		return
	}

	if e.hub != nil {
		e.hub.SendToUsers(realtime.EventNotification, n, userID)
	}
}

func (e *Emitter) hook(userID string, eventType webhooks.EventType, data map[string]interface{}) {
	if e == nil {
		return
	}
	e.webhooks.Emit(userID, eventType, data)
}

// --- Transaction events ---

func (e *Emitter) TransactionCreated(sellerID, txnID, buyerName, amount string) {
	e.emit(sellerID, "New transaction",
		buyerName+" opened a transaction with you for "+amount,
		SeverityInfo, RelatedTransaction, txnID)
	e.hook(sellerID, webhooks.EventTransactionCreated,
		map[string]interface{}{"transactionId": txnID, "amount": amount})
}

func (e *Emitter) TransactionFunded(sellerID, txnID, amount string) {
	e.emit(sellerID, "Transaction funded",
		"Payment of "+amount+" is held in escrow. You can proceed.",
		SeveritySuccess, RelatedTransaction, txnID)
	e.hook(sellerID, webhooks.EventTransactionFunded,
		map[string]interface{}{"transactionId": txnID, "amount": amount})
}

func (e *Emitter) TransactionCompleted(sellerID, txnID, amount string) {
	e.emit(sellerID, "Payment released",
		amount+" has been released to your wallet.",
		SeveritySuccess, RelatedTransaction, txnID)
	e.hook(sellerID, webhooks.EventTransactionCompleted,
		map[string]interface{}{"transactionId": txnID, "amount": amount})
}

func (e *Emitter) TransactionCancelled(userID, txnID string) {
	e.emit(userID, "Transaction cancelled",
		"The transaction was cancelled.",
		SeverityWarning, RelatedTransaction, txnID)
	e.hook(userID, webhooks.EventTransactionCancelled,
		map[string]interface{}{"transactionId": txnID})
}

// --- Dispute events ---

func (e *Emitter) DisputeOpened(userID, disputeID, openerName string) {
	e.emit(userID, "Dispute opened",
		openerName+" opened a dispute on your transaction.",
		SeverityWarning, RelatedDispute, disputeID)
	e.hook(userID, webhooks.EventDisputeOpened,
		map[string]interface{}{"disputeId": disputeID})
}

func (e *Emitter) DisputeResponse(userID, disputeID string) {
	e.emit(userID, "Dispute response",
		"The other party responded to the dispute.",
		SeverityInfo, RelatedDispute, disputeID)
}

func (e *Emitter) DisputeResolved(userID, disputeID, outcome string) {
	e.emit(userID, "Dispute resolved",
		"The dispute was resolved: "+outcome,
		SeverityInfo, RelatedDispute, disputeID)
	e.hook(userID, webhooks.EventDisputeResolved,
		map[string]interface{}{"disputeId": disputeID, "outcome": outcome})
}

// --- Message events ---

func (e *Emitter) MessageReceived(userID, txnID, senderName string) {
	e.emit(userID, "New message",
		senderName+" sent you a message.",
		SeverityInfo, RelatedMessage, txnID)
	e.hook(userID, webhooks.EventMessageReceived,
		map[string]interface{}{"transactionId": txnID})
}

// --- Wallet events ---

func (e *Emitter) DepositCompleted(userID, amount string) {
	e.emit(userID, "Deposit completed",
		amount+" has been added to your wallet.",
		SeveritySuccess, RelatedWallet, "")
	e.hook(userID, webhooks.EventWalletDeposit,
		map[string]interface{}{"amount": amount})
}

func (e *Emitter) WithdrawalRequested(userID, amount string) {
	e.emit(userID, "Withdrawal requested",
		"Your withdrawal of "+amount+" is being processed.",
		SeverityInfo, RelatedWallet, "")
	e.hook(userID, webhooks.EventWalletWithdrawal,
		map[string]interface{}{"amount": amount})
}
