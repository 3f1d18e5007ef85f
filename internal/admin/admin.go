// Package admin provides admin-only endpoints for auditing the ledger and
// resolving stuck financial states.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/topupledger/internal/orders"
	"github.com/mbd888/topupledger/internal/reconciliation"
)

// Reconciler runs the cross-subsystem audit.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// StuckOrderLister lists failed orders whose refund never landed.
type StuckOrderLister interface {
	ListUnrefunded(ctx context.Context, before time.Time, limit int) ([]*orders.Order, error)
}

// RefundSweeper runs a single refund retry pass.
type RefundSweeper interface {
	Sweep(ctx context.Context) int
}

// StatsSource reports live connection statistics.
type StatsSource interface {
	Stats() map[string]interface{}
}

// StuckOrder is the admin view of an order awaiting its refund.
type StuckOrder struct {
	OrderID       string    `json:"orderId"`
	OwnerID       string    `json:"ownerId"`
	ProcessedBy   string    `json:"processedBy,omitempty"`
	TotalAmount   string    `json:"totalAmount"`
	FailureReason string    `json:"failureReason,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func stuckView(o *orders.Order) StuckOrder {
	return StuckOrder{
		OrderID:       o.OrderID,
		OwnerID:       o.OwnerID,
		ProcessedBy:   o.ProcessedBy,
		TotalAmount:   o.TotalAmount.StringFixed(2),
		FailureReason: o.FailureReason,
		UpdatedAt:     o.UpdatedAt,
	}
}
