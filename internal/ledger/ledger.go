// Package ledger owns wallet balances and the append-only transaction log.
//
// Every balance change flows through Engine.ApplyDelta: the wallet row is
// locked, the new balance is checked against the non-negative rule, and the
// balance update and its Transaction row are committed together. Nothing else
// in the service writes a balance.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
	TxAdjustment TxType = "adjustment"
	TxCommission TxType = "commission"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxAdjustment, TxCommission:
		return true
	}
	return false
}

// TxStatusCompleted is the only status a committed transaction carries.
const TxStatusCompleted = "completed"

// Wallet is the stored-value balance of one user or agent.
type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is one immutable balance movement.
type Transaction struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"walletId"`
	Type          TxType          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Status        string          `json:"status"`
	ReferenceID   string          `json:"referenceId,omitempty"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Delta is a requested balance change. Amount is signed: negative debits,
// positive credits.
type Delta struct {
	WalletID    string
	Amount      decimal.Decimal
	Type        TxType
	ReferenceID string
	Description string

	// target, when set, makes the store derive Amount from the locked
	// balance (target - balance). Used by Engine.SetBalance.
	target *decimal.Decimal
}

// Target returns the absolute balance requested by SetBalance, if any.
func (d Delta) Target() (decimal.Decimal, bool) {
	if d.target == nil {
		return decimal.Decimal{}, false
	}
	return *d.target, true
}

// Result is the outcome of an applied delta.
type Result struct {
	Transaction *Transaction `json:"transaction,omitempty"`
	Wallet      *Wallet      `json:"wallet"`
	// Duplicate is true when the reference had already been applied and
	// Transaction is the original row.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Mismatch describes a wallet whose stored balance disagrees with its
// transaction log.
type Mismatch struct {
	WalletID   string          `json:"walletId"`
	OwnerID    string          `json:"ownerId"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledgerSum"`
	BrokenLink string          `json:"brokenLink,omitempty"` // first transaction whose balanceBefore breaks the chain
}

// Store persists wallets and transactions.
//
// Apply must lock the wallet, reject a debit that would leave a negative
// balance, and commit the balance update and the transaction row atomically.
// A (walletID, referenceID, type) triple that already exists must return
// ErrDuplicateReference without changing anything.
type Store interface {
	EnsureWallet(ctx context.Context, ownerID string) (*Wallet, error)
	GetWallet(ctx context.Context, walletID string) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error)
	Apply(ctx context.Context, d Delta) (*Result, error)
	GetTransactionByReference(ctx context.Context, walletID, referenceID string, txType TxType) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	Reconcile(ctx context.Context) ([]Mismatch, error)
}
