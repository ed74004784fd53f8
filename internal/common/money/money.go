// Package money parses and formats the decimal amounts carried by payment
// callbacks and vendor responses.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code
type Currency string

// KES is the only settlement currency of the paybill integration.
const KES Currency = "KES"

// Scale is the number of fractional digits persisted for amounts.
const Scale = 2

// maxAmount mirrors the NUMERIC(12,2) column bound.
var maxAmount = decimal.New(1, 10)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Parse turns a raw amount from a JSON document into a positive decimal
// rounded to Scale places. Strings, JSON numbers and float64 values are
// accepted since upstream networks send either.
func Parse(raw interface{}) (decimal.Decimal, error) {
	var d decimal.Decimal
	var err error

	switch v := raw.(type) {
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case json.Number:
		d, err = decimal.NewFromString(v.String())
	case float64:
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case decimal.Decimal:
		d = v
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, raw)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	d = d.Round(Scale)
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	if d.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds maximum", ErrInvalidAmount, d.String())
	}
	return d, nil
}

// Format renders an amount with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// FormatOptional renders a nullable amount, empty when absent.
func FormatOptional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
