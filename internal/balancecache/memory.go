package balancecache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryCache is an in-process Cache for single-node and development mode.
type MemoryCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache creates an in-process cache. ttl <= 0 uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

func (m *MemoryCache) Get(_ context.Context, walletID string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	return e, m.now().Sub(e.StoredAt) < m.ttl, nil
}

func (m *MemoryCache) Put(_ context.Context, walletID string, balance decimal.Decimal, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Expired entries still take part in the version check.
	if cur, ok := m.entries[walletID]; ok && cur.Version > version {
		return nil
	}
	m.entries[walletID] = Entry{Balance: balance, Version: version, StoredAt: m.now()}
	return nil
}

func (m *MemoryCache) Invalidate(_ context.Context, walletID string) error {
	m.mu.Lock()
	delete(m.entries, walletID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached wallets.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
