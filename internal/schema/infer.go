package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ColumnType is the storage class inferred for a column.
type ColumnType int

const (
	// Text is the fallback type; every value fits.
	Text ColumnType = iota
	// Real holds integer or floating point numbers.
	Real
	// Integer holds whole numbers that fit in 64 bits.
	Integer
)

func (t ColumnType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// MissingValue is the sentinel the source data uses for "no value".
const MissingValue = "NA"

// IsMissing reports whether a raw field carries no value: empty, blank or
// the NA sentinel.
func IsMissing(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == MissingValue
}

func isInteger(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

// isReal accepts finite decimal and exponent forms. NaN and infinities are
// rejected because not every store can hold them in a numeric column.
func isReal(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// typeRules are tried in order; the first rule every value satisfies wins.
var typeRules = []struct {
	typ   ColumnType
	match func(string) bool
}{
	{Integer, isInteger},
	{Real, func(v string) bool { return isInteger(v) || isReal(v) }},
}

// InferType classifies a column from sample values. Missing values are
// ignored; a column with no remaining values is Text.
func InferType(samples []string) ColumnType {
	values := make([]string, 0, len(samples))
	for _, s := range samples {
		if IsMissing(s) {
			continue
		}
		values = append(values, strings.TrimSpace(s))
	}
	if len(values) == 0 {
		return Text
	}

	for _, rule := range typeRules {
		if allMatch(values, rule.match) {
			return rule.typ
		}
	}
	return Text
}

func allMatch(values []string, match func(string) bool) bool {
	for _, v := range values {
		if !match(v) {
			return false
		}
	}
	return true
}

// Value converts a raw field to the value bound for a column of type t.
// Missing values become nil (NULL) in numeric columns; Text keeps the raw
// string untouched.
func (t ColumnType) Value(raw string) (any, error) {
	switch t {
	case Integer:
		if IsMissing(raw) {
			return nil, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", raw)
		}
		return n, nil
	case Real:
		if IsMissing(raw) {
			return nil, nil
		}
		s := strings.TrimSpace(raw)
		if !isReal(s) {
			return nil, fmt.Errorf("value %q is not a number", raw)
		}
		f, _ := strconv.ParseFloat(s, 64)
		return f, nil
	default:
		return raw, nil
	}
}
