package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/topupledger/internal/ledger"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	orders map[string]*Order // keyed by external order id
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.OrderID]; exists {
		return fmt.Errorf("order %s: %w", o.OrderID, ledger.ErrDuplicateReference)
	}
	cp := *o
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, o *Order, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("order %s is now %s: %w", o.OrderID, cur.Status, ledger.ErrConflict)
	}
	cp := *o
	cp.RefundedAt = cur.RefundedAt
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.RefundedAt == nil {
		o.RefundedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Order, error) {
	return m.list(limit, true, func(o *Order) bool { return o.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Order, error) {
	return m.list(limit, false, func(o *Order) bool { return o.Status == status }), nil
}

func (m *MemoryStore) ListUnrefunded(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	return m.list(limit, false, func(o *Order) bool {
		return o.Status == StatusFailed && o.RefundedAt == nil && o.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) list(limit int, newestFirst bool, match func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if newestFirst {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}
