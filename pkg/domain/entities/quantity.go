package entities

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Epsilon is the single tolerance used for every "is fully allocated"
// comparison, in quantity units.
var Epsilon = decimal.New(1, -6)

// ApproxEqual reports whether |a - b| <= Epsilon.
func ApproxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// Covers reports whether have reaches want within Epsilon.
func Covers(have, want decimal.Decimal) bool {
	return want.Sub(have).LessThanOrEqual(Epsilon)
}

// Deficit returns max(0, required - allocated), collapsing differences within
// Epsilon to zero.
func Deficit(required, allocated decimal.Decimal) decimal.Decimal {
	if Covers(allocated, required) {
		return decimal.Zero
	}
	return required.Sub(allocated)
}

// ParseQuantity parses a decimal quantity such as "12.5".
func ParseQuantity(s string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return q, nil
}
