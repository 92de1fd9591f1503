// Package decimalx centralizes decimal-string parsing per spec.md §9:
// "Dynamic typing on wire ⇒ strict schema at edges" — every wire field
// decodes through shopspring/decimal rather than ad-hoc float parsing, so
// price and quantity precision survives the hop across Redis. Ratios,
// percentiles, and threshold comparisons downstream are allowed to fall
// back to float64 once the precise values are in hand.
package decimalx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parse decodes a wire decimal string. Empty string decodes to zero, matching
// the teacher's permissive parseDecimal.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// ParseFloat decodes straight to float64 for values that only ever feed
// ratio/percentile arithmetic (never compared penny-for-penny).
func ParseFloat(s string) (float64, error) {
	d, err := Parse(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// MustPositive returns an error if d is not strictly greater than zero.
func MustPositive(d decimal.Decimal, field string) error {
	if !d.IsPositive() {
		return fmt.Errorf("%s must be > 0, got %s", field, d.String())
	}
	return nil
}

// String formats a decimal for the wire, trimming trailing zeros the way
// Redis Stream field values are expected to look.
func String(d decimal.Decimal) string {
	return d.String()
}
