package ledger

import (
	"errors"
	"net/http"
)

// Error taxonomy shared by every workflow. Other packages wrap these with
// fmt.Errorf("...: %w") and the HTTP layer maps them with HTTPError.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrConflict              = errors.New("concurrent modification, retry")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrDuplicateReference    = errors.New("reference already applied")
	ErrNotFound              = errors.New("not found")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidType           = errors.New("invalid transaction type")
)

// HTTPError maps an error to a status code, a stable error code and a
// user-facing message.
func HTTPError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance", "余额不足"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict", "请重试"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "dependency_unavailable", "Service temporarily unavailable"
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}

// Retryable reports whether err is transient and the same operation may
// succeed if attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDependencyUnavailable)
}
