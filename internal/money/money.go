// Package money implements exact monetary arithmetic in integer cents.
//
// Every price and money value in the engine is held in minor currency units
// (cents) and converted back to decimal only for presentation. No binary
// floating-point drift can accumulate across repeated trades.
//
// shopspring/decimal handles the conversion boundary; it is never used for
// the hot-path arithmetic itself.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when an operation would exceed MaxCents.
	ErrOverflow = errors.New("money: amount exceeds safe integer ceiling")

	// ErrInexact is returned when a decimal value cannot be represented
	// exactly in whole cents.
	ErrInexact = errors.New("money: value is not an exact cent amount")

	// ErrNegative is returned when a negative amount appears where only
	// non-negative money is valid.
	ErrNegative = errors.New("money: amount must not be negative")
)

// MaxCents is the safe ceiling for any single monetary amount: 2^53-1,
// matching the largest integer exactly representable in a 64-bit float so
// exported JSON numbers survive every consumer. Crossing it is a fatal
// validation error, never silent wraparound.
const MaxCents Cents = 1<<53 - 1

// Cents is a monetary amount in integer minor currency units.
// It serializes as a plain JSON integer (cents, not dollars).
type Cents int64

// FromDecimal converts a decimal dollar amount to Cents.
// Fails if the value carries sub-cent precision or exceeds MaxCents.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrInexact, d)
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(int64(MaxCents))) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return Cents(shifted.IntPart()), nil
}

// FromString parses a decimal dollar string ("150.25") into Cents.
func FromString(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// Decimal returns the amount as a decimal dollar value.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String renders the amount as a dollar string, e.g. "1800.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// Mul multiplies a per-unit amount by a quantity with overflow checking.
func Mul(c Cents, qty int64) (Cents, error) {
	if qty == 0 || c == 0 {
		return 0, nil
	}
	r := int64(c) * qty
	if r/qty != int64(c) || r > int64(MaxCents) || r < -int64(MaxCents) {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, c, qty)
	}
	return Cents(r), nil
}

// Add sums two amounts with overflow checking.
func Add(a, b Cents) (Cents, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) || r > MaxCents || r < -MaxCents {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return r, nil
}

// WeightedAvg computes the share-count-weighted mean purchase price after an
// additional buy, in cents:
//
//	newAvg = (oldAvg*oldQty + price*addQty) / (oldQty + addQty)
//
// The division rounds half-up to the nearest cent, matching brokerage
// cost-basis statements.
func WeightedAvg(oldAvg Cents, oldQty int64, price Cents, addQty int64) (Cents, error) {
	if oldQty < 0 || addQty <= 0 {
		return 0, fmt.Errorf("money: invalid share counts %d, %d", oldQty, addQty)
	}
	oldTotal, err := Mul(oldAvg, oldQty)
	if err != nil {
		return 0, err
	}
	addTotal, err := Mul(price, addQty)
	if err != nil {
		return 0, err
	}
	num, err := Add(oldTotal, addTotal)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, ErrNegative
	}
	den := oldQty + addQty
	// Round half-up: floor((2n + d) / 2d) for non-negative n.
	return Cents((2*int64(num) + den) / (2 * den)), nil
}
