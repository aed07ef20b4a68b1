package domain

import (
	"github.com/shopspring/decimal"
)

// CentsPerUnit is the number of cents in one currency unit.
const CentsPerUnit = 100

// WithdrawalStepCents is the granularity of withdrawal amounts (10 units).
const WithdrawalStepCents = 10 * CentsPerUnit

// DefaultClubRate applies when neither the order nor the project sets one.
var DefaultClubRate = decimal.NewFromFloat(0.10)

// CentsToDecimal converts cents to currency units.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// MulRate returns cents*rate rounded half away from zero.
func MulRate(cents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(rate).Round(0).IntPart()
}

// ValidRate reports whether r is within [0, 1].
func ValidRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(decimal.NewFromInt(1))
}

// FormatCents renders cents as a fixed two-decimal string.
func FormatCents(cents int64) string {
	return CentsToDecimal(cents).StringFixed(2)
}

// WithdrawableCents is the largest withdrawable amount for an available balance.
func WithdrawableCents(availableCents int64) int64 {
	if availableCents <= 0 {
		return 0
	}
	return availableCents / WithdrawalStepCents * WithdrawalStepCents
}

// ValidateWithdrawalAmount checks the multiple-of-10 and balance rules.
func ValidateWithdrawalAmount(amountCents, availableCents int64) error {
	if amountCents <= 0 || amountCents%WithdrawalStepCents != 0 {
		return ErrWithdrawalNotMultiple.Wrapf("got %s", FormatCents(amountCents))
	}
	if amountCents > WithdrawableCents(availableCents) {
		return ErrInsufficientFunds.Wrapf("requested %s, withdrawable %s", FormatCents(amountCents), FormatCents(WithdrawableCents(availableCents)))
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

