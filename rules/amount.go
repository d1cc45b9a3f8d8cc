package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountRange is an inclusive [Min, Max] bound on a package's total amount.
type AmountRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// ParseAmountRange parses "min-max". Both bounds are required, must be
// non-negative and Min must not exceed Max. Thousands separators and spaces
// are ignored.
func ParseAmountRange(s string) (AmountRange, error) {
	cleaned := strings.NewReplacer(",", "", "_", "", " ", "").Replace(s)
	lo, hi, ok := strings.Cut(cleaned, "-")
	if !ok {
		return AmountRange{}, fmt.Errorf("amount range %q: expected min-max", s)
	}
	if lo == "" || hi == "" {
		return AmountRange{}, fmt.Errorf("amount range %q: both bounds are required", s)
	}
	lower, err := decimal.NewFromString(lo)
	if err != nil {
		return AmountRange{}, fmt.Errorf("amount range %q: invalid minimum: %w", s, err)
	}
	upper, err := decimal.NewFromString(hi)
	if err != nil {
		return AmountRange{}, fmt.Errorf("amount range %q: invalid maximum: %w", s, err)
	}
	if lower.IsNegative() {
		return AmountRange{}, fmt.Errorf("amount range %q: minimum is negative", s)
	}
	if lower.GreaterThan(upper) {
		return AmountRange{}, fmt.Errorf("amount range %q: minimum exceeds maximum", s)
	}
	return AmountRange{Min: lower, Max: upper}, nil
}

// Contains reports whether Min <= v <= Max.
func (r AmountRange) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(r.Min) && v.LessThanOrEqual(r.Max)
}

func (r AmountRange) String() string {
	return r.Min.String() + "-" + r.Max.String()
}
