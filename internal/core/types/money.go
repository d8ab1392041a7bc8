// Package types provides common type aliases and utilities.
package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// MoneyScale is the number of fractional digits kept on every stored amount.
const MoneyScale int32 = 2

var hundred = decimal.NewFromInt(100)

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// Round2 rounds half away from zero to cents.
func Round2(m Money) Money {
	return m.Round(MoneyScale)
}

// Percent returns base*rate/100 rounded to cents.
func Percent(base, rate Money) Money {
	return Round2(base.Mul(rate).Div(hundred))
}

// FormatMoney renders an amount with exactly two decimals ("100.00").
// This is the representation fed into the integrity hash.
func FormatMoney(m Money) string {
	return m.StringFixed(MoneyScale)
}
