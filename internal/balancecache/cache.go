// Package balancecache is a short-TTL read-through cache of wallet balances.
//
// The cache is never a source of truth for write decisions: the ledger
// engine always re-reads the locked wallet row before applying a debit.
// Entries carry the wallet version they were read at, and Put refuses to
// replace a newer version with an older one, so a slow read-through fill
// racing a commit cannot resurrect a stale balance.
package balancecache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTTL is how long an entry is served as fresh.
const DefaultTTL = 30 * time.Second

// Entry is a cached balance snapshot.
type Entry struct {
	Balance  decimal.Decimal
	Version  int64
	StoredAt time.Time
}

// Cache stores wallet balance snapshots keyed by wallet ID.
type Cache interface {
	// Get returns the cached entry and whether it is still fresh.
	// A miss returns a zero Entry and fresh=false.
	Get(ctx context.Context, walletID string) (Entry, bool, error)
	// Put stores balance at version unless a newer version is already cached.
	Put(ctx context.Context, walletID string, balance decimal.Decimal, version int64) error
	// Invalidate drops the entry.
	Invalidate(ctx context.Context, walletID string) error
}

// Nop is a cache that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Nop) Put(context.Context, string, decimal.Decimal, int64) error {
	return nil
}
func (Nop) Invalidate(context.Context, string) error { return nil }
