// Package money provides fixed-point parsing and formatting for wallet amounts.
//
// Amounts carry 2 decimal places. They travel as decimal strings on the wire,
// as shopspring/decimal values in Go and as NUMERIC(18,2) in PostgreSQL.
// Floating point is never used.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for every amount.
const Places = 2

var (
	ErrInvalid  = errors.New("invalid amount")
	ErrNegative = errors.New("amount must not be negative")
	ErrTooFine  = errors.New("amount has more than 2 decimal places")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "12.50") to an amount.
//
// Rules:
//   - Empty or non-numeric input is rejected
//   - Negative amounts are rejected (use ParseSigned for deltas)
//   - More than 2 fractional digits is rejected rather than silently rounded
func Parse(s string) (decimal.Decimal, error) {
	d, err := ParseSigned(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// ParseSigned is like Parse but accepts a leading minus sign.
func ParseSigned(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, ErrTooFine
	}
	return d, nil
}

// MustParse parses s and panics on error. Intended for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := ParseSigned(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// Round2 rounds half away from zero to 2 places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders an amount with exactly 2 decimal places (e.g. "20.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Percent returns round2(amount * rate / 100).
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(rate).Div(decimal.NewFromInt(100)))
}

// IsPositive reports whether d > 0.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
