package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/events"
	"github.com/mbd888/topupledger/internal/idgen"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/retry"
	"github.com/mbd888/topupledger/internal/traces"
	"github.com/mbd888/topupledger/internal/validation"
)

// Service implements order settlement.
type Service struct {
	store      Store
	ledger     Ledger
	commission CommissionSettler
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	orderNumber  func(time.Time) string
	refundPolicy retry.Policy
}

// NewService creates a new order service.
func NewService(store Store, l Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		ledger:      l,
		publisher:   events.Nop{},
		logger:      logger,
		now:         time.Now,
		orderNumber: idgen.OrderNumber,
		refundPolicy: retry.Policy{
			Attempts:  4,
			BaseDelay: 100 * time.Millisecond,
			Retryable: ledger.Retryable,
		},
	}
}

// WithCommission enables commission settlement on completion.
func (s *Service) WithCommission(c CommissionSettler) *Service {
	s.commission = c
	return s
}

// WithPublisher sets the event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithRefundRetry overrides how hard a refund is retried inline before it is
// left to the sweeper.
func (s *Service) WithRefundRetry(attempts int, base time.Duration) *Service {
	s.refundPolicy.Attempts = attempts
	s.refundPolicy.BaseDelay = base
	return s
}

// Create debits the owner and records a pending order. If the order cannot
// be stored the debit is reversed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Outcome, error) {
	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, req.Amount)
	}
	batch := req.BatchCount
	if batch == 0 {
		batch = 1
	}
	if batch < 1 || batch > MaxBatchCount {
		return nil, ErrInvalidBatch
	}
	phone := validation.NormalizePhone(req.Phone)
	if !validation.IsValidPhone(phone) {
		return nil, ErrInvalidPhone
	}

	now := s.now().UTC()
	o := &Order{
		ID:          idgen.New(),
		OwnerID:     req.OwnerID,
		Phone:       phone,
		PhoneInfo:   validation.SanitizeString(req.PhoneInfo, validation.MaxStringLength),
		Amount:      amount,
		BatchCount:  batch,
		TotalAmount: amount.Mul(decimal.NewFromInt(int64(batch))),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, span := traces.StartSpan(ctx, "orders.Create",
		traces.OwnerID(o.OwnerID), traces.Amount(o.TotalAmount.String()))
	defer span.End()

	w, err := s.ledger.EnsureWallet(ctx, o.OwnerID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	debit, err := s.debit(ctx, w.ID, o)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.OrderID(o.OrderID))

	if err := s.store.Create(ctx, o); err != nil {
		traces.Fail(span, err)
		s.compensateCreate(ctx, w.ID, o)
		return nil, fmt.Errorf("failed to create order record: %w", err)
	}

	ordersCreated.Inc()
	s.logger.Info("order created",
		"order_id", o.OrderID, "owner", o.OwnerID,
		"total", money.Format(o.TotalAmount), "batch", o.BatchCount)
	events.Emit(ctx, s.publisher, s.logger,
		events.New(events.TypeOrderCreated, o.OrderID, o.OwnerID, o))

	return &Outcome{Order: o, Transactions: []*ledger.Transaction{debit.Transaction}}, nil
}

// debit withdraws the order total under a fresh order number. A number that
// already carries a withdrawal on this wallet belongs to another order, so
// the debit is retried under a new number rather than treated as paid.
func (s *Service) debit(ctx context.Context, walletID string, o *Order) (*ledger.Result, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		o.OrderID = s.orderNumber(o.CreatedAt)
		res, err := s.ledger.ApplyDelta(ctx, ledger.Delta{
			WalletID:    walletID,
			Amount:      o.TotalAmount.Neg(),
			Type:        ledger.TxWithdrawal,
			ReferenceID: o.OrderID,
			Description: fmt.Sprintf("top-up %s x%d for %s", money.Format(o.Amount), o.BatchCount, o.Phone),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to debit order: %w", err)
		}
		if !res.Duplicate {
			return res, nil
		}
		s.logger.Warn("order number collision, regenerating",
			"order_id", o.OrderID, "owner", o.OwnerID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: could not allocate a unique order number", ledger.ErrConflict)
}

// compensateCreate returns the debit of an order that was never stored.
func (s *Service) compensateCreate(ctx context.Context, walletID string, o *Order) {
	err := retry.Run(context.WithoutCancel(ctx), s.refundPolicy, func() error {
		res, err := s.ledger.ApplyDelta(context.WithoutCancel(ctx), ledger.Delta{
			WalletID:    walletID,
			Amount:      o.TotalAmount,
			Type:        ledger.TxAdjustment,
			ReferenceID: o.OrderID,
			Description: "reversal: order " + o.OrderID + " was not recorded",
		})
		if err != nil {
			return err
		}
		return checkReplay(res, o)
	})
	if err != nil {
		s.logger.Error("CRITICAL: order debit not reversed after failed insert",
			"order_id", o.OrderID, "owner", o.OwnerID,
			"amount", money.Format(o.TotalAmount), "error", err)
	}
}

// Get returns an order by its external id.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// ListByOwner returns the owner's newest orders.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	return s.store.ListByOwner(ctx, ownerID, validation.ClampLimit(limit))
}

// ListByStatus returns orders in a status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	return s.store.ListByStatus(ctx, status, validation.ClampLimit(limit))
}

// Claim assigns a pending order to an agent.
func (s *Service) Claim(ctx context.Context, orderID, agentID string) (*Outcome, error) {
	o, err := s.transition(ctx, orderID, StatusProcessing, func(o *Order) error {
		o.ProcessedBy = agentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Order: o, Transactions: []*ledger.Transaction{}}, nil
}

// Complete records the carrier outcome reported by the processing agent.
func (s *Service) Complete(ctx context.Context, orderID, agentID string, req CompleteRequest) (*Outcome, error) {
	to := StatusCompleted
	if req.Result == ResultFailed {
		to = StatusFailed
	}
	o, err := s.transition(ctx, orderID, to, func(o *Order) error {
		if o.ProcessedBy != "" && o.ProcessedBy != agentID {
			return ErrNotAssigned
		}
		o.ProcessedBy = agentID
		o.Result = req.Result
		o.ProofImage = validation.SanitizeString(req.ProofImage, validation.MaxStringLength)
		if to == StatusFailed {
			o.FailureReason = validation.SanitizeString(req.FailureReason, validation.MaxStringLength)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, o), nil
}

// SetStatus is the admin override. It follows the same transition rules and
// ledger effects as Claim and Complete.
func (s *Service) SetStatus(ctx context.Context, orderID string, status Status, reason string) (*Outcome, error) {
	o, err := s.transition(ctx, orderID, status, func(o *Order) error {
		switch status {
		case StatusFailed:
			o.Result = ResultFailed
			o.FailureReason = validation.SanitizeString(reason, validation.MaxStringLength)
		case StatusCompleted:
			o.Result = ResultSuccess
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, o), nil
}

// transition loads the order, checks from → to, applies mutate and writes
// it back with a compare-and-swap on the old status.
func (s *Service) transition(ctx context.Context, orderID string, to Status, mutate func(*Order) error) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.transition", traces.OrderID(orderID), traces.Status(string(to)))
	defer span.End()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if o.IsTerminal() || !canMove(o.Status, to) {
		err := fmt.Errorf("%w: order %s is %s, cannot become %s", ledger.ErrInvalidTransition, o.OrderID, o.Status, to)
		traces.Fail(span, err)
		return nil, err
	}
	if err := mutate(o); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	from := o.Status
	now := s.now().UTC()
	o.Status = to
	o.UpdatedAt = now
	if o.IsTerminal() {
		o.CompletedAt = &now
	}

	if err := s.store.CompareAndSwap(ctx, o, from); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("order status changed",
		"order_id", o.OrderID, "from", from, "to", to, "processed_by", o.ProcessedBy)
	events.Emit(ctx, s.publisher, s.logger,
		events.New(events.TypeOrderStatusChanged, o.OrderID, o.OwnerID, o))
	return o, nil
}

// settle runs the ledger side effects of a terminal transition. The status
// change is already committed, so failures are reported on the outcome
// instead of as an error.
func (s *Service) settle(ctx context.Context, o *Order) *Outcome {
	out := &Outcome{Order: o, Transactions: []*ledger.Transaction{}}

	switch o.Status {
	case StatusFailed:
		res, err := s.refund(ctx, o)
		if err != nil {
			out.RefundPending = true
			return out
		}
		if res.Transaction != nil {
			out.Transactions = append(out.Transactions, res.Transaction)
		}

	case StatusCompleted:
		if s.commission == nil || o.ProcessedBy == "" {
			return out
		}
		res, err := s.commission.SettleCommission(ctx, o)
		if err != nil {
			s.logger.Error("commission settlement failed",
				"order_id", o.OrderID, "agent", o.ProcessedBy, "error", err)
			out.CommissionError = err.Error()
			return out
		}
		if res != nil && res.Transaction != nil {
			out.Transactions = append(out.Transactions, res.Transaction)
		}
	}
	return out
}

// refund credits the order total back to the owner, retrying transient
// failures. The reference makes repeated attempts safe.
func (s *Service) refund(ctx context.Context, o *Order) (*ledger.Result, error) {
	// The order is already failed; finish the refund even if the caller left.
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "orders.refund", traces.OrderID(o.OrderID), traces.Amount(o.TotalAmount.String()))
	defer span.End()

	policy := s.refundPolicy
	policy.OnRetry = func(attempt int, err error) {
		refundAttempts.WithLabelValues("retry").Inc()
		s.logger.Warn("order refund failed, retrying",
			"order_id", o.OrderID, "attempt", attempt, "error", err)
	}

	var res *ledger.Result
	err := retry.Run(ctx, policy, func() error {
		w, err := s.ledger.WalletByOwner(ctx, o.OwnerID)
		if err != nil {
			return err
		}
		res, err = s.ledger.ApplyDelta(ctx, ledger.Delta{
			WalletID:    w.ID,
			Amount:      o.TotalAmount,
			Type:        ledger.TxAdjustment,
			ReferenceID: o.OrderID,
			Description: "refund: order " + o.OrderID + " failed",
		})
		if err != nil {
			return err
		}
		return checkReplay(res, o)
	})
	if err != nil {
		refundAttempts.WithLabelValues("failed").Inc()
		traces.Fail(span, err)
		s.logger.Error("order refund pending",
			"order_id", o.OrderID, "owner", o.OwnerID,
			"amount", money.Format(o.TotalAmount), "error", err)
		return nil, err
	}
	refundAttempts.WithLabelValues("ok").Inc()

	at := s.now().UTC()
	if err := s.store.MarkRefunded(ctx, o.OrderID, at); err != nil {
		// The credit is in; the sweeper will see a duplicate reference and
		// mark the order on its next pass.
		s.logger.Warn("failed to mark order refunded", "order_id", o.OrderID, "error", err)
	} else {
		o.RefundedAt = &at
	}

	if !res.Duplicate {
		events.Emit(ctx, s.publisher, s.logger,
			events.New(events.TypeOrderRefunded, o.OrderID, o.OwnerID, o))
	}
	return res, nil
}

// checkReplay rejects a duplicate whose original entry is not this order's
// refund. Marking the order refunded on someone else's adjustment would lose
// the credit for good.
func checkReplay(res *ledger.Result, o *Order) error {
	if !res.Duplicate || res.Transaction == nil {
		return nil
	}
	if !res.Transaction.Amount.Equal(o.TotalAmount) {
		return retry.Permanent(fmt.Errorf("%w: reference %s already holds a %s adjustment, refund is %s",
			ErrRefundConflict, o.OrderID, money.Format(res.Transaction.Amount), money.Format(o.TotalAmount)))
	}
	return nil
}

// RetryRefund re-attempts the refund of a failed order. Used by the sweeper.
func (s *Service) RetryRefund(ctx context.Context, orderID string) (*Outcome, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusFailed {
		return nil, fmt.Errorf("%w: order %s is %s, nothing to refund", ledger.ErrInvalidTransition, o.OrderID, o.Status)
	}
	out := &Outcome{Order: o, Transactions: []*ledger.Transaction{}}
	if o.RefundedAt != nil {
		return out, nil
	}
	res, err := s.refund(ctx, o)
	if err != nil {
		return nil, err
	}
	if res.Transaction != nil {
		out.Transactions = append(out.Transactions, res.Transaction)
	}
	return out, nil
}

// SettleCommission re-runs commission for a completed order. Settlement is
// idempotent, so calling it for an already-paid order returns the original
// credit.
func (s *Service) SettleCommission(ctx context.Context, orderID string) (*Outcome, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusCompleted || o.ProcessedBy == "" {
		return nil, fmt.Errorf("%w: order %s is %s with no processing agent", ledger.ErrInvalidTransition, o.OrderID, o.Status)
	}
	if s.commission == nil {
		return nil, errors.New("commission settlement not configured")
	}
	res, err := s.commission.SettleCommission(ctx, o)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Order: o, Transactions: []*ledger.Transaction{}}
	if res != nil && res.Transaction != nil {
		out.Transactions = append(out.Transactions, res.Transaction)
	}
	return out, nil
}
