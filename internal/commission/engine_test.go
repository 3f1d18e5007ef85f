package commission

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/orders"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Engine) {
	t.Helper()
	le := ledger.NewEngine(ledger.NewMemoryStore())
	return NewEngine(NewMemoryStore(), le, slog.Default()), le
}

func addAgent(t *testing.T, e *Engine, id, rate string) {
	t.Helper()
	_, err := e.UpsertAgent(context.Background(), id, UpsertRequest{Name: id, CommissionRate: rate})
	require.NoError(t, err)
}

func completedOrder(orderID, agentID, total string) *orders.Order {
	return &orders.Order{
		OrderID:     orderID,
		OwnerID:     "user-1",
		Amount:      money.MustParse(total),
		BatchCount:  1,
		TotalAmount: money.MustParse(total),
		Status:      orders.StatusCompleted,
		ProcessedBy: agentID,
	}
}

func commissionTxs(t *testing.T, le *ledger.Engine, agentID string) []*ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	w, err := le.WalletByOwner(ctx, agentID)
	require.NoError(t, err)
	txs, err := le.History(ctx, w.ID, 0)
	require.NoError(t, err)
	var out []*ledger.Transaction
	for _, tx := range txs {
		if tx.Type == ledger.TxCommission {
			out = append(out, tx)
		}
	}
	return out
}

func TestSettleCommission_TenPercentOfTwoHundred(t *testing.T) {
	e, le := newTestEngine(t)
	addAgent(t, e, "agent-1", "10")

	res, err := e.SettleCommission(context.Background(), completedOrder("TU1", "agent-1", "200"))
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "20.00", res.Transaction.Amount.StringFixed(2))
	assert.Equal(t, "TU1", res.Transaction.ReferenceID)
	assert.Equal(t, ledger.TxCommission, res.Transaction.Type)

	v, err := le.Balance(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "20.00", v.Balance.StringFixed(2))
}

func TestSettleCommission_Idempotent(t *testing.T) {
	e, le := newTestEngine(t)
	addAgent(t, e, "agent-1", "10")
	o := completedOrder("TU1", "agent-1", "200")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SettleCommission(context.Background(), o)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	second, err := e.SettleCommission(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, commissionTxs(t, le, "agent-1"), 1)
}

func TestSettleCommission_Rounding(t *testing.T) {
	e, _ := newTestEngine(t)
	addAgent(t, e, "agent-1", "2.5")

	// 2.5% of 33.33 = 0.83325
	res, err := e.SettleCommission(context.Background(), completedOrder("TU1", "agent-1", "33.33"))
	require.NoError(t, err)
	assert.Equal(t, "0.83", res.Transaction.Amount.StringFixed(2))
}

func TestSettleCommission_ZeroRatePaysNothing(t *testing.T) {
	e, le := newTestEngine(t)
	addAgent(t, e, "agent-1", "0")

	res, err := e.SettleCommission(context.Background(), completedOrder("TU1", "agent-1", "200"))
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = le.WalletByOwner(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestSettleCommission_Rejections(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SettleCommission(ctx, completedOrder("TU1", "ghost", "10"))
	assert.ErrorIs(t, err, ErrAgentNotFound)

	o := completedOrder("TU2", "agent-1", "10")
	o.Status = orders.StatusProcessing
	_, err = e.SettleCommission(ctx, o)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	o = completedOrder("TU3", "", "10")
	_, err = e.SettleCommission(ctx, o)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestParseRate(t *testing.T) {
	for _, ok := range []string{"0", "5", "10.25", "100"} {
		_, err := ParseRate(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"-1", "100.01", "abc", "1.234", ""} {
		_, err := ParseRate(bad)
		assert.ErrorIs(t, err, ErrInvalidRate, bad)
	}
}

func TestUpsertAgent_KeepsCreatedAt(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.UpsertAgent(ctx, "agent-1", UpsertRequest{Name: "A", CommissionRate: "5"})
	require.NoError(t, err)
	assert.True(t, first.Active)

	inactive := false
	second, err := e.UpsertAgent(ctx, "agent-1", UpsertRequest{Name: "A2", CommissionRate: "7", Active: &inactive})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.Active)
	assert.Equal(t, "7", second.CommissionRate.String())
}

// Completing an order through the workflow pays the processing agent.
func TestOrderCompletionPaysAgent(t *testing.T) {
	e, le := newTestEngine(t)
	addAgent(t, e, "agent-1", "10")
	ctx := context.Background()

	w, err := le.EnsureWallet(ctx, "user-1")
	require.NoError(t, err)
	_, err = le.ApplyDelta(ctx, ledger.Delta{WalletID: w.ID, Amount: money.MustParse("200"), Type: ledger.TxDeposit, ReferenceID: "seed"})
	require.NoError(t, err)

	svc := orders.NewService(orders.NewMemoryStore(), le, slog.Default()).WithCommission(e)
	created, err := svc.Create(ctx, orders.CreateRequest{OwnerID: "user-1", Phone: "13800138000", Amount: "200"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, created.Order.OrderID, "agent-1")
	require.NoError(t, err)
	out, err := svc.Complete(ctx, created.Order.OrderID, "agent-1", orders.CompleteRequest{Result: orders.ResultSuccess})
	require.NoError(t, err)
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, "20.00", out.Transactions[0].Amount.StringFixed(2))

	_, err = svc.SettleCommission(ctx, created.Order.OrderID)
	require.NoError(t, err)
	assert.Len(t, commissionTxs(t, le, "agent-1"), 1)
}
