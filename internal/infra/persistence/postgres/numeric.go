package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

func numericFromDecimal(d decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(d.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", d.String(), err)
	}
	return out, nil
}

// numericFromOptional maps nil to SQL NULL.
func numericFromOptional(d *decimal.Decimal) (pgtype.Numeric, error) {
	if d == nil {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(*d)
}

func decimalFromText(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", value, err)
	}
	return d, nil
}
