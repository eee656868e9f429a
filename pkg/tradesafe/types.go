// Package tradesafe is a Go client for the TradeSafe escrow API.
//
// Create a client with your API key, then drive the transaction
// lifecycle: create, fund, release (or dispute). Amounts are decimal
// strings with two fractional digits, e.g. "49.99".
package tradesafe

import "time"

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusDisputed  = "disputed"
	StatusCancelled = "cancelled"
)

// Payment methods accepted by Fund.
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

// TimelineEvent is one entry in a transaction's audit trail.
type TimelineEvent struct {
	Event       string    `json:"event"`
	Actor       string    `json:"actor"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Transaction is an escrow transaction between a buyer and a seller.
type Transaction struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Buyer         Party           `json:"buyer"`
	Seller        Party           `json:"seller"`
	EscrowFunded  bool            `json:"escrowFunded"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	DisputeID     string          `json:"disputeId,omitempty"`
	Timeline      []TimelineEvent `json:"timeline"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Transactions []*Transaction `json:"transactions"`
	Count        int            `json:"count"`
	HasMore      bool           `json:"hasMore"`
	NextCursor   string         `json:"nextCursor,omitempty"`
}

// CreateTransactionRequest opens a new transaction with a counterparty.
type CreateTransactionRequest struct {
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency,omitempty"`
	Role              string `json:"role"` // "buyer" or "seller"
	CounterpartyEmail string `json:"counterpartyEmail"`
}

// CardPayment is a started card payment awaiting completion by the buyer.
type CardPayment struct {
	ChargeID     string `json:"chargeId"`
	ClientSecret string `json:"clientSecret"`
}

// Balance is a wallet balance snapshot.
type Balance struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"`
	Pending   string    `json:"pending"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Dispute is a disagreement raised on an active transaction.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	RaisedBy      string     `json:"raisedBy"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Message is chat on a transaction between its parties.
type Message struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName"`
	Content       string    `json:"content"`
	IsRead        bool      `json:"isRead"`
	CreatedAt     time.Time `json:"createdAt"`
}

// APIError is a structured error response from the API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
