// Package orders settles mobile top-up orders against the owner's wallet.
//
// Flow:
//  1. User places an order: amount × batchCount is debited immediately
//  2. An agent claims it (pending → processing)
//  3. The agent reports the carrier result:
//     success → completed, the agent earns commission
//     failure → failed, the full debit is refunded to the owner
//
// Terminal orders never change again. Every transition is a compare-and-swap
// on the status column, so two racing transitions cannot both win.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/ledger"
)

var (
	ErrOrderNotFound = fmt.Errorf("order %w", ledger.ErrNotFound)
	ErrNotAssigned   = errors.New("order is assigned to another agent")
	ErrInvalidBatch  = errors.New("batch count must be between 1 and 100")
	ErrInvalidPhone  = errors.New("invalid phone number")

	// ErrRefundConflict means the order's refund reference is already taken
	// by a ledger entry of a different amount.
	ErrRefundConflict = fmt.Errorf("refund reference %w", ledger.ErrConflict)
)

// orderNumberAttempts bounds how often Create draws a new order number
// after a collision.
const orderNumberAttempts = 3

// Status represents the state of an order.
type Status string

const (
	StatusPending    Status = "pending"    // Paid, waiting for an agent
	StatusProcessing Status = "processing" // Claimed by an agent
	StatusCompleted  Status = "completed"  // Top-up delivered
	StatusFailed     Status = "failed"     // Top-up failed, owner refunded
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// Result is the carrier outcome an agent reports.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// MaxBatchCount caps how many identical top-ups one order may carry.
const MaxBatchCount = 100

// Order is a paid top-up request.
type Order struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"orderId"`
	OwnerID       string          `json:"ownerId"`
	Phone         string          `json:"phone"`
	PhoneInfo     string          `json:"phoneInfo,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BatchCount    int             `json:"batchCount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Status        Status          `json:"status"`
	ProcessedBy   string          `json:"processedBy,omitempty"`
	Result        Result          `json:"result,omitempty"`
	ProofImage    string          `json:"proofImage,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	RefundedAt    *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// canMove reports whether from → to is a legal forward step.
func canMove(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	// CompareAndSwap writes o only if the stored status still equals from.
	// It returns ledger.ErrConflict when another writer got there first.
	CompareAndSwap(ctx context.Context, o *Order, from Status) error
	MarkRefunded(ctx context.Context, orderID string, at time.Time) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error)
	// ListUnrefunded returns failed orders without a recorded refund that
	// were last updated before the cutoff.
	ListUnrefunded(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

// Ledger is the slice of the debit/credit engine the workflow needs.
type Ledger interface {
	EnsureWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	WalletByOwner(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	ApplyDelta(ctx context.Context, d ledger.Delta) (*ledger.Result, error)
}

// CommissionSettler credits the processing agent for a completed order.
type CommissionSettler interface {
	SettleCommission(ctx context.Context, o *Order) (*ledger.Result, error)
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	OwnerID    string `json:"-"`
	Phone      string `json:"phone" binding:"required,phone"`
	PhoneInfo  string `json:"phoneInfo"`
	Amount     string `json:"amount" binding:"required,money"`
	BatchCount int    `json:"batchCount"`
}

// CompleteRequest is an agent's report of the carrier outcome.
type CompleteRequest struct {
	Result        Result `json:"result" binding:"required,oneof=success failed"`
	ProofImage    string `json:"proofImage"`
	FailureReason string `json:"failureReason"`
}

// StatusRequest is an admin status override.
type StatusRequest struct {
	Status string `json:"status" binding:"required,oneof=processing completed failed"`
	Reason string `json:"reason"`
}

// Outcome is an order together with the ledger movements a call produced.
type Outcome struct {
	Order        *Order                `json:"order"`
	Transactions []*ledger.Transaction `json:"transactions"`
	// RefundPending is set when a failed order's refund could not be
	// applied yet; the refund sweeper keeps retrying it.
	RefundPending bool `json:"refundPending,omitempty"`
	// CommissionError carries a commission failure on an otherwise
	// completed order. The admin commission endpoint retries it.
	CommissionError string `json:"commissionError,omitempty"`
}
