// Package recharge handles user requests to add funds to their own wallet.
//
// A request starts Pending and an admin moves it to Completed, which credits
// the wallet once, or to Rejected, which moves no money. Both are terminal.
package recharge

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/ledger"
)

var ErrRequestNotFound = fmt.Errorf("recharge request %w", ledger.ErrNotFound)

// Status represents the state of a recharge request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusCompleted, StatusRejected:
		return st, true
	}
	return "", false
}

// Request is a user's request for a wallet credit.
type Request struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Amount          decimal.Decimal `json:"amount"`
	Status          Status          `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	ReviewedBy      string          `json:"reviewedBy,omitempty"`
	RejectReason    string          `json:"rejectReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the request has been reviewed.
func (r *Request) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusRejected
}

// Store persists recharge requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// CompareAndSwap writes r only if the stored status still equals from.
	CompareAndSwap(ctx context.Context, r *Request, from Status) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
}

// Ledger is the slice of the debit/credit engine the workflow needs.
type Ledger interface {
	EnsureWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	ApplyDelta(ctx context.Context, d ledger.Delta) (*ledger.Result, error)
}

// SubmitRequest contains the parameters for a new recharge request.
type SubmitRequest struct {
	OwnerID         string `json:"-"`
	Amount          string `json:"amount" binding:"required,money"`
	TransactionHash string `json:"transactionHash" binding:"max=128"`
}

// RejectRequest carries the reviewer's reason.
type RejectRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

// Outcome is a request together with the ledger movements a call produced.
type Outcome struct {
	Request      *Request              `json:"request"`
	Transactions []*ledger.Transaction `json:"transactions"`
}
