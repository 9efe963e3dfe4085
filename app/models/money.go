package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a payment order carries no explicit currency.
const DefaultCurrency = "INR"

// minorUnitExponent is the number of decimal places between major and minor units (paise/cents).
const minorUnitExponent = 2

// ToMajorUnits converts an amount in minor units into a decimal major-unit amount.
// Only presentation code calls this; all arithmetic stays in int64 minor units.
func ToMajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorUnitExponent)
}

// FormatMajorUnits renders a minor-unit amount with two decimal places, e.g. 50000 -> "500.00".
func FormatMajorUnits(minor int64) string {
	return ToMajorUnits(minor).StringFixed(minorUnitExponent)
}

// DateOf truncates a timestamp to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b (negative when b is before a).
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}
