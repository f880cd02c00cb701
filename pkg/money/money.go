// Package money holds the ledger's monetary conventions. All amounts are
// stored and computed as integer cents; floats only appear at the API edge.
package money

import (
	"fmt"
	"math"

	"github.com/eduzayn/bursar/pkg/config"
)

const (
	defaultCurrencyEnv      = "LEDGER_CURRENCY"
	defaultCurrencyFallback = "BRL"
)

// DefaultCurrency returns the ledger currency used when no currency is specified.
func DefaultCurrency() string {
	return config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback)
}

// ToCents converts a decimal amount to integer cents, rounding half away
// from zero.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromCents converts integer cents to a decimal amount.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}

// Percentage applies a percentage to a base amount in cents, rounding half
// away from zero to the nearest cent.
func Percentage(baseCents int64, percent float64) int64 {
	return int64(math.Round(float64(baseCents) * percent / 100))
}

// Format renders cents as a plain decimal string, e.g. 50000 -> "500.00".
func Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
