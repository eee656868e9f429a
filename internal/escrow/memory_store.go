package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/tradesafe/tradesafe/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(t)
	m.txns[t.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txns[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	m.txns[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if !t.IsParty(userID) {
			continue
		}
		if before != nil && !olderThan(t, before) {
			continue
		}
		result = append(result, clone(t))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether t sorts strictly after the cursor position
// in (created_at DESC, id DESC) order.
func olderThan(t *Transaction, c *pagination.Cursor) bool {
	if t.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return t.CreatedAt.Equal(c.CreatedAt) && t.ID < c.ID
}

func (m *MemoryStore) HasActive(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.IsParty(userID) && !t.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ChargeInUse(ctx context.Context, chargeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.ChargeID == chargeID {
			return true, nil
		}
	}
	return false, nil
}

// clone deep-copies a transaction so callers never share the stored
// timeline backing array.
func clone(t *Transaction) *Transaction {
	cp := *t
	cp.Timeline = make([]TimelineEvent, len(t.Timeline))
	copy(cp.Timeline, t.Timeline)
	return &cp
}
