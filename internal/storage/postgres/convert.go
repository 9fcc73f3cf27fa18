package postgres

// convert.go maps raw CSV fields to pgtype values for COPY.
//
// Missing values (blank or the NA sentinel) become NULL in numeric columns.
// Text columns keep the raw field, empty strings included, matching the
// database/sql backends.

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/jackc/pgx/v5/pgtype"
)

// ToPgText converts a raw field to pgtype.Text. It is always valid.
func ToPgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: true}
}

// ToPgInt8 converts a raw field to pgtype.Int8.
func ToPgInt8(s string) (pgtype.Int8, error) {
	if schema.IsMissing(s) {
		return pgtype.Int8{Valid: false}, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return pgtype.Int8{}, fmt.Errorf("value %q is not an integer", s)
	}
	return pgtype.Int8{Int64: n, Valid: true}, nil
}

// ToPgFloat8 converts a raw field to pgtype.Float8. Non-finite values are
// rejected.
func ToPgFloat8(s string) (pgtype.Float8, error) {
	if schema.IsMissing(s) {
		return pgtype.Float8{Valid: false}, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return pgtype.Float8{}, fmt.Errorf("value %q is not a number", s)
	}
	return pgtype.Float8{Float64: f, Valid: true}, nil
}

// rowValues converts one row for CopyFrom.
func rowValues(cols []schema.Column, row []string) ([]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d fields, want %d", len(row), len(cols))
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		var (
			v   any
			err error
		)
		switch c.Type {
		case schema.Integer:
			v, err = ToPgInt8(row[i])
		case schema.Real:
			v, err = ToPgFloat8(row[i])
		default:
			v = ToPgText(row[i])
		}
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[i] = v
	}
	return out, nil
}
