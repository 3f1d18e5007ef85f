package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/idgen"
	"github.com/mbd888/topupledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for development and tests.
// Mutations of the same wallet serialize on a keyed lock; the maps
// themselves sit behind mu.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // id -> wallet
	owners  map[string]string  // ownerID -> walletID
	txs     map[string][]*Transaction
	refs    map[string]*Transaction // wallet|type|ref -> transaction

	locks       *syncutil.KeyedMutex
	lockTimeout time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLockTimeout bounds how long Apply waits for a busy wallet
// before failing with ErrConflict.
func WithMemoryLockTimeout(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.lockTimeout = d }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		wallets:     make(map[string]*Wallet),
		owners:      make(map[string]string),
		txs:         make(map[string][]*Transaction),
		refs:        make(map[string]*Transaction),
		locks:       syncutil.NewKeyedMutex(64),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func refKey(walletID string, t TxType, ref string) string {
	return walletID + "|" + string(t) + "|" + ref
}

func (m *MemoryStore) EnsureWallet(_ context.Context, ownerID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.owners[ownerID]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}
	now := time.Now().UTC()
	w := &Wallet{
		ID:        idgen.New(),
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.wallets[w.ID] = w
	m.owners[ownerID] = w.ID
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWallet(_ context.Context, walletID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByOwner(_ context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.owners[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, d Delta) (*Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()
	unlock, err := m.locks.Lock(lockCtx, d.WalletID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("wallet %s busy: %w", d.WalletID, ErrConflict)
		}
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	w, ok := m.wallets[d.WalletID]
	var existing *Transaction
	if ok && d.ReferenceID != "" {
		existing = m.refs[refKey(d.WalletID, d.Type, d.ReferenceID)]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	if existing != nil {
		return nil, ErrDuplicateReference
	}

	amount, after, err := plan(d, w.Balance)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		cp := *w
		return &Result{Wallet: &cp}, nil
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            idgen.New(),
		WalletID:      d.WalletID,
		Type:          d.Type,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		Status:        TxStatusCompleted,
		ReferenceID:   d.ReferenceID,
		Description:   d.Description,
		CreatedAt:     now,
	}

	m.mu.Lock()
	w.Balance = after
	w.Version++
	w.UpdatedAt = now
	m.txs[d.WalletID] = append(m.txs[d.WalletID], tx)
	if d.ReferenceID != "" {
		m.refs[refKey(d.WalletID, d.Type, d.ReferenceID)] = tx
	}
	wcp := *w
	m.mu.Unlock()

	txcp := *tx
	return &Result{Transaction: &txcp, Wallet: &wcp}, nil
}

func (m *MemoryStore) GetTransactionByReference(_ context.Context, walletID, referenceID string, txType TxType) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.refs[refKey(walletID, txType, referenceID)]
	if !ok {
		return nil, fmt.Errorf("transaction %w", ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

// ListTransactions returns the newest transactions first.
func (m *MemoryStore) ListTransactions(_ context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txs[walletID]
	out := make([]*Transaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Reconcile(_ context.Context) ([]Mismatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Mismatch
	for _, id := range ids {
		if mm, bad := checkChain(m.wallets[id], m.txs[id]); bad {
			out = append(out, mm)
		}
	}
	return out, nil
}

// plan computes the signed amount and resulting balance for d against the
// locked balance.
func plan(d Delta, balance decimal.Decimal) (amount, after decimal.Decimal, err error) {
	amount = d.Amount
	if target, ok := d.Target(); ok {
		amount = target.Sub(balance)
	}
	after = balance.Add(amount)
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: balance %s, change %s", ErrInsufficientBalance, balance.StringFixed(2), amount.StringFixed(2))
	}
	return amount, after, nil
}

// checkChain verifies balance == sum(amount) and that each transaction's
// balanceBefore equals its predecessor's balanceAfter. txs must be in
// commit order.
func checkChain(w *Wallet, txs []*Transaction) (Mismatch, bool) {
	sum := decimal.Zero
	prev := decimal.Zero
	broken := ""
	for _, tx := range txs {
		if broken == "" && !tx.BalanceBefore.Equal(prev) {
			broken = tx.ID
		}
		sum = sum.Add(tx.Amount)
		prev = tx.BalanceAfter
	}
	if sum.Equal(w.Balance) && broken == "" {
		return Mismatch{}, false
	}
	return Mismatch{
		WalletID:   w.ID,
		OwnerID:    w.OwnerID,
		Balance:    w.Balance,
		LedgerSum:  sum,
		BrokenLink: broken,
	}, true
}
