package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  []*Entry
	refs     map[string]bool
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		refs:     make(map[string]bool),
	}
}

func (m *MemoryStore) getOrCreate(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{
			UserID:    userID,
			Available: decimal.Zero,
			Pending:   decimal.Zero,
			TotalIn:   decimal.Zero,
			TotalOut:  decimal.Zero,
			Currency:  "USD",
			UpdatedAt: time.Now(),
		}
		m.balances[userID] = bal
	}
	return bal
}

func (m *MemoryStore) record(userID, entryType string, amount decimal.Decimal, status, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("wle_"),
		UserID:      userID,
		Type:        entryType,
		Amount:      amount,
		Status:      status,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
	if reference != "" {
		m.refs[reference+":"+entryType] = true
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
		Currency:  "USD",
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, entryType, amount, StatusCompleted, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	if bal.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, entryType, amount, StatusCompleted, reference, description)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	if bal.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Pending = bal.Pending.Add(amount)
	bal.UpdatedAt = time.Now()

	m.record(userID, EntryWithdrawal, amount, StatusPending, reference, "withdrawal_requested")
	return nil
}

func (m *MemoryStore) ConfirmHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if bal.Pending.LessThan(amount) {
		return ErrInvalidAmount
	}
	bal.Pending = bal.Pending.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now()

	for _, e := range m.entries {
		if e.Reference == reference && e.Type == EntryWithdrawal && e.Status == StatusPending {
			e.Status = StatusCompleted
			break
		}
	}
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if bal.Pending.LessThan(amount) {
		return ErrInvalidAmount
	}
	bal.Pending = bal.Pending.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now()

	for _, e := range m.entries {
		if e.Reference == reference && e.Type == EntryWithdrawal && e.Status == StatusPending {
			e.Status = StatusFailed
			break
		}
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[reference+":"+EntryDeposit], nil
}

func (m *MemoryStore) UnmatchedEscrowFunds(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Type != EntryEscrowFund || e.Status != StatusCompleted || !e.CreatedAt.Before(olderThan) {
			continue
		}
		if m.refs[e.Reference+":"+EntryEscrowRefund] || m.refs[e.Reference+":"+EntryEscrowRelease] {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}
