// Package money provides shared amount parsing and currency checks.
//
// All monetary amounts are decimal.Decimal values with two fractional
// digits. Amounts are stored as NUMERIC(20,2) in Postgres and travel
// as decimal strings (e.g. "49.99") on the wire.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits kept on every amount.
const Decimals = 2

// DefaultCurrency is assumed when a request omits the currency.
const DefaultCurrency = "USD"

// Supported currencies. The ledger never converts between them; a
// transaction's currency must match the paying wallet's currency.
var currencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
	"AUD": true,
}

// Parse converts a decimal string (e.g. "49.99") to a positive amount.
// Returns (zero, false) for empty, malformed, zero, or negative input.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if d.Sign() <= 0 {
		return decimal.Zero, false
	}
	return d.Round(Decimals), true
}

// Format renders an amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// ValidCurrency reports whether code is a supported ISO-4217 code.
func ValidCurrency(code string) bool {
	return currencies[strings.ToUpper(code)]
}

// NormalizeCurrency upper-cases a currency code. An empty code means
// the caller did not specify one and maps to DefaultCurrency.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency
	}
	return code
}
