package storage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NUMERIC columns travel as decimal strings in both directions.

func numericArg(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func optionalNumericArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return numericArg(*v)
}

func parseNumeric(field, raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d.InexactFloat64(), nil
}

func parseOptionalNumeric(field string, raw *string) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := parseNumeric(field, *raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optionalText(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
