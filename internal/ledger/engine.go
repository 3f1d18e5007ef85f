package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/balancecache"
	"github.com/mbd888/topupledger/internal/events"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/traces"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Engine is the only code path that changes a wallet balance.
type Engine struct {
	store     Store
	cache     balancecache.Cache
	publisher events.Publisher
	logger    *slog.Logger

	owners sync.Map // ownerID -> walletID; the mapping never changes once created
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the balance cache. Defaults to an in-process TTL cache.
func WithCache(c balancecache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithPublisher sets where committed transactions are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		cache:     balancecache.NewMemoryCache(balancecache.DefaultTTL),
		publisher: events.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyDelta applies one signed balance change. A reference that was already
// applied to the wallet with the same type returns the original transaction
// with Duplicate set and changes nothing.
func (e *Engine) ApplyDelta(ctx context.Context, d Delta) (res *Result, err error) {
	if err := validateDelta(d); err != nil {
		return nil, err
	}

	done := observeOp(d.Type)
	defer func() { done(&err) }()

	ctx, span := traces.StartSpan(ctx, "ledger.ApplyDelta",
		traces.WalletID(d.WalletID),
		traces.TxType(string(d.Type)),
		traces.Amount(d.Amount.String()),
		traces.Reference(d.ReferenceID),
	)
	defer span.End()

	res, err = e.store.Apply(ctx, d)
	if errors.Is(err, ErrDuplicateReference) {
		res, err = e.existing(ctx, d)
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
		return res, nil
	}
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	if res.Transaction != nil {
		e.afterCommit(ctx, res)
	}
	return res, nil
}

// AdminReferencePrefix namespaces the references of manual adjustments so
// they can never collide with the order references used by refunds.
const AdminReferencePrefix = "admin:"

// AdminReference returns the stored reference for an admin-supplied one.
// An empty reference stays empty.
func AdminReference(ref string) string {
	if ref == "" || strings.HasPrefix(ref, AdminReferencePrefix) {
		return ref
	}
	return AdminReferencePrefix + ref
}

// SetBalance moves a wallet to an absolute balance by applying the
// difference as an Adjustment. The difference is computed against the locked
// row, so concurrent mutations are never overwritten. A zero difference
// returns a Result with no Transaction. referenceID is stored under
// AdminReferencePrefix.
func (e *Engine) SetBalance(ctx context.Context, walletID string, target decimal.Decimal, reason, referenceID string) (*Result, error) {
	if reason == "" {
		reason = "admin balance adjustment"
	}
	return e.ApplyDelta(ctx, Delta{
		WalletID:    walletID,
		Type:        TxAdjustment,
		ReferenceID: AdminReference(referenceID),
		Description: reason,
		target:      &target,
	})
}

func (e *Engine) existing(ctx context.Context, d Delta) (*Result, error) {
	tx, err := e.store.GetTransactionByReference(ctx, d.WalletID, d.ReferenceID, d.Type)
	if err != nil {
		return nil, fmt.Errorf("load applied reference %s: %w", d.ReferenceID, err)
	}
	w, err := e.store.GetWallet(ctx, d.WalletID)
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: tx, Wallet: w, Duplicate: true}, nil
}

// afterCommit refreshes the cache and announces the transaction. Neither
// step can undo the commit; failures are logged.
func (e *Engine) afterCommit(ctx context.Context, res *Result) {
	w := res.Wallet
	if err := e.cache.Put(ctx, w.ID, w.Balance, w.Version); err != nil {
		e.logger.Warn("balance cache put failed, invalidating",
			"wallet_id", w.ID, "error", err)
		if err := e.cache.Invalidate(ctx, w.ID); err != nil {
			e.logger.Error("balance cache invalidate failed",
				"wallet_id", w.ID, "error", err)
		}
	}

	events.Emit(ctx, e.publisher, e.logger,
		events.New(events.TypeTransactionCreated, w.ID, w.OwnerID, TransactionEvent{
			Transaction: res.Transaction,
			OwnerID:     w.OwnerID,
			Balance:     w.Balance,
		}))
}

// TransactionEvent is the payload of a ledger.transaction.created event.
type TransactionEvent struct {
	Transaction *Transaction    `json:"transaction"`
	OwnerID     string          `json:"ownerId"`
	Balance     decimal.Decimal `json:"balance"`
}

func validateDelta(d Delta) error {
	if d.WalletID == "" {
		return fmt.Errorf("%w: wallet id required", ErrWalletNotFound)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, d.Type)
	}
	if target, ok := d.Target(); ok {
		if target.IsNegative() || !target.Equal(money.Round2(target)) {
			return fmt.Errorf("%w: target balance %s", ErrInvalidAmount, target)
		}
		return nil
	}
	if d.Amount.IsZero() || !d.Amount.Equal(money.Round2(d.Amount)) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, d.Amount)
	}
	return nil
}

// BalanceView is a wallet balance as served to readers. Cached views may lag
// the database by up to the cache TTL.
type BalanceView struct {
	WalletID string          `json:"walletId"`
	OwnerID  string          `json:"ownerId"`
	Balance  decimal.Decimal `json:"balance"`
	Version  int64           `json:"version"`
	Cached   bool            `json:"cached"`
}

// Balance returns the owner's balance, served from the cache when fresh.
// It is for display only; mutations always read the locked row.
func (e *Engine) Balance(ctx context.Context, ownerID string) (*BalanceView, error) {
	walletID, ok := e.walletIDFor(ownerID)
	if ok {
		entry, fresh, err := e.cache.Get(ctx, walletID)
		switch {
		case err != nil:
			BalanceCacheLookups.WithLabelValues("error").Inc()
			e.logger.Warn("balance cache get failed", "wallet_id", walletID, "error", err)
		case fresh:
			BalanceCacheLookups.WithLabelValues("hit").Inc()
			return &BalanceView{
				WalletID: walletID,
				OwnerID:  ownerID,
				Balance:  entry.Balance,
				Version:  entry.Version,
				Cached:   true,
			}, nil
		}
	}
	BalanceCacheLookups.WithLabelValues("miss").Inc()

	w, err := e.WalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, w.ID, w.Balance, w.Version); err != nil {
		e.logger.Warn("balance cache fill failed", "wallet_id", w.ID, "error", err)
	}
	return &BalanceView{
		WalletID: w.ID,
		OwnerID:  w.OwnerID,
		Balance:  w.Balance,
		Version:  w.Version,
	}, nil
}

func (e *Engine) walletIDFor(ownerID string) (string, bool) {
	v, ok := e.owners.Load(ownerID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// EnsureWallet returns the owner's wallet, creating an empty one on first use.
func (e *Engine) EnsureWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", ErrWalletNotFound)
	}
	w, err := e.store.EnsureWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	e.owners.Store(ownerID, w.ID)
	return w, nil
}

// WalletByOwner returns the owner's wallet straight from the store.
func (e *Engine) WalletByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	w, err := e.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	e.owners.Store(ownerID, w.ID)
	return w, nil
}

// Wallet returns a wallet by id.
func (e *Engine) Wallet(ctx context.Context, walletID string) (*Wallet, error) {
	return e.store.GetWallet(ctx, walletID)
}

// History returns the wallet's newest transactions first.
func (e *Engine) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return e.store.ListTransactions(ctx, walletID, limit)
}

// Reconcile reports every wallet whose balance disagrees with its
// transaction log.
func (e *Engine) Reconcile(ctx context.Context) ([]Mismatch, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Reconcile")
	defer span.End()

	mm, err := e.store.Reconcile(ctx)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return mm, nil
}
