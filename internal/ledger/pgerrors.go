package ledger

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// PostgreSQL error codes the stores care about.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgCheckViolation       = "23514"
	pgUniqueViolation      = "23505"
	pgAdminShutdown        = "57P01"
	pgTooManyConnections   = "53300"

	walletBalanceConstraint = "chk_wallet_balance_nonneg"
)

// TranslateDBError maps driver errors onto the ledger taxonomy. Errors it
// does not recognise are returned unchanged.
func TranslateDBError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case pgCheckViolation:
			if pqErr.Constraint == walletBalanceConstraint {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, pqErr.Constraint)
			}
			return err
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateReference, pqErr.Constraint)
		case pgAdminShutdown, pgTooManyConnections:
			return fmt.Errorf("%w: %s", ErrDependencyUnavailable, pqErr.Message)
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %s", ErrDependencyUnavailable, pqErr.Message)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return err
}
