package domain

import (
	"bytes"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (céntimos). Balances and
// transaction amounts never go through floating point.
type Amount int64

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// ParseAmount converts a human-entered value such as "30", "30.5" or "30.00"
// into minor units. More than two decimal places is rejected.
func ParseAmount(raw string) (Amount, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a decimal currency value into minor units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, d.String())
	}
	cents := d.Shift(2)
	if cents.GreaterThan(maxAmount) || cents.LessThan(minAmount) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d.String())
	}
	return Amount(cents.IntPart()), nil
}

// Decimal returns the value in currency units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// String renders the amount with exactly two decimals, e.g. "70.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// Neg returns the amount with its sign flipped.
func (a Amount) Neg() Amount {
	return -a
}

// MarshalJSON emits the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*a = 0
		return nil
	}
	raw = bytes.Trim(raw, `"`)
	parsed, err := ParseAmount(string(raw))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
