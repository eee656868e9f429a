package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

// Mock is an in-memory PaymentGateway for development and tests. Created
// charges start pending; Complete simulates the payer finishing the card
// flow.
type Mock struct {
	mu      sync.Mutex
	charges map[string]*Charge

	// FailNext makes the next call return ErrGateway, for error-path tests.
	FailNext bool
	// AutoSucceed makes new charges succeed immediately.
	AutoSucceed bool

	Refunds  []string
	Releases []string
}

// NewMock creates a mock gateway.
func NewMock() *Mock {
	return &Mock{charges: make(map[string]*Charge)}
}

func (m *Mock) CreateCharge(ctx context.Context, userID string, amount decimal.Decimal, currency, purpose string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext {
		m.FailNext = false
		return nil, ErrGateway
	}

	status := StatusPending
	if m.AutoSucceed {
		status = StatusSucceeded
	}

	id := idgen.WithPrefix("pi_")
	ch := &Charge{
		ID:           id,
		ClientSecret: id + "_secret",
		Amount:       amount,
		Currency:     currency,
		Status:       status,
		UserID:       userID,
		Purpose:      purpose,
		CreatedAt:    time.Now(),
	}
	m.charges[id] = ch
	return ch, nil
}

// Complete marks a pending charge as succeeded.
func (m *Mock) Complete(chargeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.charges[chargeID]; ok {
		ch.Status = StatusSucceeded
	}
}

func (m *Mock) ConfirmCharge(ctx context.Context, chargeID string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext {
		m.FailNext = false
		return nil, ErrGateway
	}

	ch, ok := m.charges[chargeID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	if ch.Status != StatusSucceeded {
		cp := *ch
		return &cp, ErrChargeNotSucceeded
	}
	cp := *ch
	return &cp, nil
}

func (m *Mock) Refund(ctx context.Context, chargeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext {
		m.FailNext = false
		return ErrGateway
	}

	ch, ok := m.charges[chargeID]
	if !ok {
		return ErrChargeNotFound
	}
	ch.Status = StatusRefunded
	m.Refunds = append(m.Refunds, chargeID)
	return nil
}

func (m *Mock) Release(ctx context.Context, chargeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext {
		m.FailNext = false
		return ErrGateway
	}

	ch, ok := m.charges[chargeID]
	if !ok {
		return ErrChargeNotFound
	}
	if ch.Status != StatusSucceeded {
		return ErrChargeNotSucceeded
	}
	m.Releases = append(m.Releases, chargeID)
	return nil
}
