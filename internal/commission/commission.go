// Package commission pays agents a share of the orders they complete.
//
// Each agent carries its own rate in percent. When an order completes, the
// agent's wallet is credited round2(totalAmount × rate / 100) with the order
// number as reference, so settling the same order again pays nothing extra.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/ledger"
)

var (
	ErrAgentNotFound = fmt.Errorf("agent %w", ledger.ErrNotFound)
	ErrInvalidRate   = errors.New("commission rate must be between 0 and 100 with at most 2 decimal places")
)

// Agent is a top-up operator who processes orders.
type Agent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CommissionRate decimal.Decimal `json:"commissionRate"` // percent
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists agents.
type Store interface {
	Get(ctx context.Context, id string) (*Agent, error)
	// Upsert creates the agent or replaces its name, rate and active flag.
	Upsert(ctx context.Context, a *Agent) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
}

// Ledger is the slice of the debit/credit engine commission needs.
type Ledger interface {
	EnsureWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	ApplyDelta(ctx context.Context, d ledger.Delta) (*ledger.Result, error)
}

// UpsertRequest is the admin payload for PUT /admin/agents/:agentId.
type UpsertRequest struct {
	Name           string `json:"name" binding:"max=255"`
	CommissionRate string `json:"commissionRate" binding:"required"`
	Active         *bool  `json:"active"`
}
