package recharge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/topupledger/internal/events"
	"github.com/mbd888/topupledger/internal/idgen"
	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/money"
	"github.com/mbd888/topupledger/internal/retry"
	"github.com/mbd888/topupledger/internal/traces"
	"github.com/mbd888/topupledger/internal/validation"
)

// Service implements recharge request review.
type Service struct {
	store     Store
	ledger    Ledger
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	creditPolicy retry.Policy
}

// NewService creates a new recharge service.
func NewService(store Store, l Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    l,
		publisher: events.Nop{},
		logger:    logger,
		now:       time.Now,
		creditPolicy: retry.Policy{
			Attempts:  3,
			BaseDelay: 100 * time.Millisecond,
			Retryable: ledger.Retryable,
		},
	}
}

// WithPublisher sets the event publisher.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// Submit records a pending request. No money moves until an admin approves.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, req.Amount)
	}

	r := &Request{
		ID:              idgen.WithPrefix("rr_"),
		OwnerID:         req.OwnerID,
		Amount:          amount,
		Status:          StatusPending,
		TransactionHash: validation.SanitizeString(req.TransactionHash, 128),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create recharge request: %w", err)
	}

	submittedTotal.Inc()
	s.logger.Info("recharge requested", "request_id", r.ID, "owner", r.OwnerID, "amount", money.Format(r.Amount))
	events.Emit(ctx, s.publisher, s.logger,
		events.New(events.TypeRechargeSubmitted, r.ID, r.OwnerID, r))
	return &Outcome{Request: r, Transactions: []*ledger.Transaction{}}, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns the owner's newest requests.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Request, error) {
	return s.store.ListByOwner(ctx, ownerID, validation.ClampLimit(limit))
}

// ListByStatus returns requests in a status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.store.ListByStatus(ctx, status, validation.ClampLimit(limit))
}

// Approve completes a pending request and credits the owner.
//
// Approving an already completed request finishes a credit that an earlier
// approval could not apply. If the credit exists it fails with
// ErrInvalidTransition like any other terminal transition.
func (s *Service) Approve(ctx context.Context, id, reviewer string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "recharge.Approve", traces.Reference(id))
	defer span.End()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	switch r.Status {
	case StatusRejected:
		err := invalidTransition(r, StatusCompleted)
		traces.Fail(span, err)
		return nil, err

	case StatusCompleted:
		res, err := s.credit(ctx, r)
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
		if res.Duplicate {
			return nil, invalidTransition(r, StatusCompleted)
		}
		s.logger.Warn("recharge credit recovered on re-approval", "request_id", r.ID, "owner", r.OwnerID)
		return &Outcome{Request: r, Transactions: []*ledger.Transaction{res.Transaction}}, nil
	}

	now := s.now().UTC()
	r.Status = StatusCompleted
	r.ReviewedBy = reviewer
	r.CompletedAt = &now
	if err := s.store.CompareAndSwap(ctx, r, StatusPending); err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	s.reviewed(ctx, r)

	res, err := s.credit(ctx, r)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("recharge %s approved but not credited, approve again to retry: %w", r.ID, err)
	}
	out := &Outcome{Request: r, Transactions: []*ledger.Transaction{}}
	if res.Transaction != nil {
		out.Transactions = append(out.Transactions, res.Transaction)
	}
	return out, nil
}

// Reject closes a pending request without moving money.
func (s *Service) Reject(ctx context.Context, id, reviewer, reason string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "recharge.Reject", traces.Reference(id))
	defer span.End()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if r.IsTerminal() {
		err := invalidTransition(r, StatusRejected)
		traces.Fail(span, err)
		return nil, err
	}

	now := s.now().UTC()
	r.Status = StatusRejected
	r.ReviewedBy = reviewer
	r.RejectReason = validation.SanitizeString(reason, validation.MaxStringLength)
	r.CompletedAt = &now
	if err := s.store.CompareAndSwap(ctx, r, StatusPending); err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	s.reviewed(ctx, r)
	return &Outcome{Request: r, Transactions: []*ledger.Transaction{}}, nil
}

func invalidTransition(r *Request, to Status) error {
	return fmt.Errorf("%w: recharge request %s is %s, cannot become %s", ledger.ErrInvalidTransition, r.ID, r.Status, to)
}

func (s *Service) reviewed(ctx context.Context, r *Request) {
	reviewsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("recharge reviewed",
		"request_id", r.ID, "owner", r.OwnerID, "status", r.Status,
		"reviewer", r.ReviewedBy, "amount", money.Format(r.Amount))
	events.Emit(ctx, s.publisher, s.logger,
		events.New(events.TypeRechargeReviewed, r.ID, r.OwnerID, r))
}

// credit deposits the request amount keyed by the request id, so repeated
// calls apply it once.
func (s *Service) credit(ctx context.Context, r *Request) (*ledger.Result, error) {
	// The status change is committed; finish the credit even if the caller left.
	ctx = context.WithoutCancel(ctx)

	policy := s.creditPolicy
	policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("recharge credit failed, retrying", "request_id", r.ID, "attempt", attempt, "error", err)
	}

	var res *ledger.Result
	err := retry.Run(ctx, policy, func() error {
		w, err := s.ledger.EnsureWallet(ctx, r.OwnerID)
		if err != nil {
			return err
		}
		res, err = s.ledger.ApplyDelta(ctx, ledger.Delta{
			WalletID:    w.ID,
			Amount:      r.Amount,
			Type:        ledger.TxDeposit,
			ReferenceID: r.ID,
			Description: "recharge " + r.ID,
		})
		return err
	})
	if err != nil {
		s.logger.Error("recharge credit failed",
			"request_id", r.ID, "owner", r.OwnerID, "amount", money.Format(r.Amount), "error", err)
		return nil, err
	}
	return res, nil
}
