package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses an exchange price or size string into a float64.
func ParseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// FormatDecimal renders f with the shortest representation that parses back to f.
func FormatDecimal(f float64) string {
	return decimal.NewFromFloat(f).String()
}
