package ledger

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestTranslateDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization", &pq.Error{Code: "40001"}, ErrConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrConflict},
		{"lock timeout", &pq.Error{Code: "55P03"}, ErrConflict},
		{"balance check", &pq.Error{Code: "23514", Constraint: "chk_wallet_balance_nonneg"}, ErrInsufficientBalance},
		{"unique", &pq.Error{Code: "23505", Constraint: "idx_transactions_reference"}, ErrDuplicateReference},
		{"connection", &pq.Error{Code: "08006"}, ErrDependencyUnavailable},
		{"shutdown", &pq.Error{Code: "57P01"}, ErrDependencyUnavailable},
		{"bad conn", driver.ErrBadConn, ErrDependencyUnavailable},
		{"wrapped", fmt.Errorf("query: %w", &pq.Error{Code: "55P03"}), ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, TranslateDBError(tt.err), tt.want)
		})
	}
}

func TestTranslateDBError_Passthrough(t *testing.T) {
	assert.Nil(t, TranslateDBError(nil))

	other := &pq.Error{Code: "23514", Constraint: "chk_order_total"}
	assert.Same(t, other, TranslateDBError(other))

	plain := errors.New("boom")
	assert.Equal(t, plain, TranslateDBError(plain))
}
