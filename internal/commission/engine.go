package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/events"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/orders"
	"github.com/mbd888/topupledger/internal/traces"
	"github.com/mbd888/topupledger/internal/validation"
)

var hundred = decimal.NewFromInt(100)

// Engine computes and credits agent commission.
type Engine struct {
	store     Store
	ledger    Ledger
	publisher events.Publisher
	logger    *slog.Logger
}

// NewEngine creates a commission engine.
func NewEngine(store Store, l Ledger, logger *slog.Logger) *Engine {
	return &Engine{store: store, ledger: l, publisher: events.Nop{}, logger: logger}
}

// WithPublisher sets the event publisher.
func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	e.publisher = p
	return e
}

// Settlement is the payload of a commission event.
type Settlement struct {
	OrderID string          `json:"orderId"`
	AgentID string          `json:"agentId"`
	Rate    decimal.Decimal `json:"rate"`
	Amount  decimal.Decimal `json:"amount"`
}

// SettleCommission credits the processing agent of a completed order. It
// returns a nil result when the commission rounds to zero.
func (e *Engine) SettleCommission(ctx context.Context, o *orders.Order) (*ledger.Result, error) {
	if o.Status != orders.StatusCompleted || o.ProcessedBy == "" {
		return nil, fmt.Errorf("%w: order %s is %s with no processing agent", ledger.ErrInvalidTransition, o.OrderID, o.Status)
	}

	ctx, span := traces.StartSpan(ctx, "commission.Settle", traces.OrderID(o.OrderID), traces.AgentID(o.ProcessedBy))
	defer span.End()

	agent, err := e.store.Get(ctx, o.ProcessedBy)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	amount := money.Percent(o.TotalAmount, agent.CommissionRate)
	if !amount.IsPositive() {
		settlementsTotal.WithLabelValues("zero").Inc()
		return nil, nil
	}

	w, err := e.ledger.EnsureWallet(ctx, agent.ID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	res, err := e.ledger.ApplyDelta(ctx, ledger.Delta{
		WalletID:    w.ID,
		Amount:      amount,
		Type:        ledger.TxCommission,
		ReferenceID: o.OrderID,
		Description: fmt.Sprintf("commission %s%% on order %s", agent.CommissionRate.String(), o.OrderID),
	})
	if err != nil {
		settlementsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		return nil, err
	}
	if res.Duplicate {
		settlementsTotal.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	settlementsTotal.WithLabelValues("paid").Inc()
	paidAmount.Add(amount.InexactFloat64())
	e.logger.Info("commission settled",
		"order_id", o.OrderID, "agent", agent.ID,
		"rate", agent.CommissionRate.String(), "amount", money.Format(amount))
	events.Emit(ctx, e.publisher, e.logger,
		events.New(events.TypeCommissionSettled, o.OrderID, agent.ID, Settlement{
			OrderID: o.OrderID, AgentID: agent.ID, Rate: agent.CommissionRate, Amount: amount,
		}))
	return res, nil
}

// ParseRate validates a percentage in [0, 100].
func ParseRate(s string) (decimal.Decimal, error) {
	rate, err := money.Parse(s)
	if err != nil || rate.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	return rate, nil
}

// UpsertAgent registers an agent or updates its rate. New agents start active.
func (e *Engine) UpsertAgent(ctx context.Context, id string, req UpsertRequest) (*Agent, error) {
	rate, err := ParseRate(req.CommissionRate)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:             id,
		Name:           validation.SanitizeString(req.Name, 255),
		CommissionRate: rate,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Active != nil {
		a.Active = *req.Active
	}

	saved, err := e.store.Upsert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to save agent: %w", err)
	}
	e.logger.Info("agent saved", "agent", saved.ID, "rate", saved.CommissionRate.String(), "active", saved.Active)
	return saved, nil
}

// Agent returns one agent.
func (e *Engine) Agent(ctx context.Context, id string) (*Agent, error) {
	return e.store.Get(ctx, id)
}

// Agents lists all agents.
func (e *Engine) Agents(ctx context.Context) ([]*Agent, error) {
	return e.store.List(ctx)
}

var _ orders.CommissionSettler = (*Engine)(nil)
