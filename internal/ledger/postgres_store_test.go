//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/testutil"
)

func setupPostgresEngine(t *testing.T) (*Engine, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	return NewEngine(store), store, cleanup
}

func TestPostgres_ApplyAndIdempotency(t *testing.T) {
	e, store, cleanup := setupPostgresEngine(t)
	defer cleanup()
	ctx := context.Background()

	w, err := e.EnsureWallet(ctx, "user-1")
	require.NoError(t, err)

	d := Delta{WalletID: w.ID, Amount: money.MustParse("30"), Type: TxDeposit, ReferenceID: "req-1", Description: "recharge"}
	first, err := e.ApplyDelta(ctx, d)
	require.NoError(t, err)
	assert.True(t, first.Wallet.Balance.Equal(money.MustParse("30")))

	second, err := e.ApplyDelta(ctx, d)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	got, err := store.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", got.Balance.StringFixed(2))
	assert.Equal(t, int64(1), got.Version)
}

func TestPostgres_InsufficientBalance(t *testing.T) {
	e, _, cleanup := setupPostgresEngine(t)
	defer cleanup()
	ctx := context.Background()

	w, err := e.EnsureWallet(ctx, "user-1")
	require.NoError(t, err)
	_, err = e.ApplyDelta(ctx, Delta{WalletID: w.ID, Amount: money.MustParse("80"), Type: TxDeposit})
	require.NoError(t, err)

	_, err = e.ApplyDelta(ctx, Delta{WalletID: w.ID, Amount: money.MustParse("-100"), Type: TxWithdrawal, ReferenceID: "TU1"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	txs, err := e.History(ctx, w.ID, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestPostgres_NoDoubleSpend(t *testing.T) {
	e, _, cleanup := setupPostgresEngine(t)
	defer cleanup()
	ctx := context.Background()

	w, err := e.EnsureWallet(ctx, "user-1")
	require.NoError(t, err)
	_, err = e.ApplyDelta(ctx, Delta{WalletID: w.ID, Amount: money.MustParse("100"), Type: TxDeposit})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ApplyDelta(ctx, Delta{
				WalletID:    w.ID,
				Amount:      money.MustParse("-10"),
				Type:        TxWithdrawal,
				ReferenceID: fmt.Sprintf("order-%d", i),
			})
			if err == nil {
				ok.Add(1)
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := e.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.GreaterThanOrEqual(money.Zero))
	assert.True(t, got.Balance.Equal(money.MustParse("100").Sub(money.MustParse("10").Mul(decimal.NewFromInt(int64(ok.Load()))))))

	mm, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, mm)
}

func TestPostgres_SetBalanceAndReconcile(t *testing.T) {
	e, store, cleanup := setupPostgresEngine(t)
	defer cleanup()
	ctx := context.Background()

	w, err := e.EnsureWallet(ctx, "user-1")
	require.NoError(t, err)
	res, err := e.SetBalance(ctx, w.ID, money.MustParse("55.25"), "opening balance", "")
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)

	res, err = e.SetBalance(ctx, w.ID, money.MustParse("55.25"), "", "")
	require.NoError(t, err)
	assert.Nil(t, res.Transaction)

	// Drift the stored balance behind the ledger's back.
	_, err = store.db.ExecContext(ctx, `UPDATE wallets SET balance = 60 WHERE id = $1`, w.ID)
	require.NoError(t, err)

	mm, err := e.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, mm, 1)
	assert.Equal(t, "55.25", mm[0].LedgerSum.StringFixed(2))
}

func TestPostgres_GetTransactionByReference(t *testing.T) {
	e, store, cleanup := setupPostgresEngine(t)
	defer cleanup()
	ctx := context.Background()

	w, err := e.EnsureWallet(ctx, "agent-1")
	require.NoError(t, err)
	_, err = e.ApplyDelta(ctx, Delta{WalletID: w.ID, Amount: money.MustParse("20"), Type: TxCommission, ReferenceID: "TU1"})
	require.NoError(t, err)

	tx, err := store.GetTransactionByReference(ctx, w.ID, "TU1", TxCommission)
	require.NoError(t, err)
	assert.Equal(t, "20.00", tx.Amount.StringFixed(2))

	_, err = store.GetTransactionByReference(ctx, w.ID, "TU1", TxDeposit)
	assert.ErrorIs(t, err, ErrNotFound)
}
