// Package reconciliation periodically audits the ledger: every wallet balance
// must equal the sum of its transactions, and no failed order may stay
// without its refund.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/topupledger/internal/ledger"
	"github.com/mbd888/topupledger/internal/orders"
)

// LedgerAuditor returns wallets whose balance disagrees with their log.
type LedgerAuditor interface {
	Reconcile(ctx context.Context) ([]ledger.Mismatch, error)
}

// RefundAuditor lists failed orders still awaiting a refund.
type RefundAuditor interface {
	ListUnrefunded(ctx context.Context, before time.Time, limit int) ([]*orders.Order, error)
}

// Report is the result of one audit pass.
type Report struct {
	Mismatches       []ledger.Mismatch `json:"mismatches"`
	UnrefundedOrders []string          `json:"unrefundedOrders"`
	StartedAt        time.Time         `json:"startedAt"`
	Duration         time.Duration     `json:"duration"`
}

// Clean reports whether the pass found nothing to act on.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.UnrefundedOrders) == 0
}

// Runner executes the audit checks.
type Runner struct {
	ledger  LedgerAuditor
	refunds RefundAuditor
	// grace excludes refunds the sweeper has not had a chance to retry yet.
	grace  time.Duration
	logger *slog.Logger
}

// NewRunner creates a runner over the ledger.
func NewRunner(l LedgerAuditor, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, grace: 10 * time.Minute, logger: logger}
}

// WithRefunds adds the unrefunded-order check.
func (r *Runner) WithRefunds(a RefundAuditor, grace time.Duration) *Runner {
	r.refunds = a
	if grace >= 0 {
		r.grace = grace
	}
	return r
}

// RunAll runs every configured check. Checks run independently; their errors
// are joined and the partial report is still returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	var errs []error

	mm, err := r.ledger.Reconcile(ctx)
	if err != nil {
		reconcileErrors.Inc()
		errs = append(errs, fmt.Errorf("ledger check: %w", err))
	} else {
		report.Mismatches = mm
		reconcileLedgerMismatches.Set(float64(len(mm)))
		for _, m := range mm {
			r.logger.Error("ledger mismatch",
				"wallet_id", m.WalletID,
				"owner", m.OwnerID,
				"balance", m.Balance.StringFixed(2),
				"ledger_sum", m.LedgerSum.StringFixed(2),
				"broken_link", m.BrokenLink,
			)
		}
	}

	if r.refunds != nil {
		pending, err := r.refunds.ListUnrefunded(ctx, report.StartedAt.Add(-r.grace), 1000)
		if err != nil {
			reconcileErrors.Inc()
			errs = append(errs, fmt.Errorf("refund check: %w", err))
		} else {
			for _, o := range pending {
				report.UnrefundedOrders = append(report.UnrefundedOrders, o.OrderID)
			}
			reconcileUnrefundedOrders.Set(float64(len(pending)))
			if len(pending) > 0 {
				r.logger.Warn("failed orders still awaiting refund", "count", len(pending))
			}
		}
	}

	report.Duration = time.Since(report.StartedAt)
	reconcileDuration.Observe(report.Duration.Seconds())
	if report.Clean() && len(errs) == 0 {
		r.logger.Debug("reconciliation clean", "duration", report.Duration)
	}
	return report, errors.Join(errs...)
}
