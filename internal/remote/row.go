package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampLayout is the wire format for server-assigned timestamps. The
// fixed fractional width keeps lexical and chronological order identical.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// DateLayout is the ISO calendar date format used for derived date fields.
const DateLayout = "2006-01-02"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ValidateRow rejects values that are not flat scalars.
func ValidateRow(row Row) error {
	for k, v := range row {
		if k == "" {
			return &ValidationError{Field: k, Reason: "empty field name"}
		}
		if !isScalar(v) {
			return &ValidationError{Field: k, Reason: fmt.Sprintf("unsupported value type %T", v)}
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number, time.Time:
		return true
	}
	return false
}

// Normalize converts a validated row to its wire representation: integers
// become float64 and times become TimestampLayout strings.
func Normalize(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return FormatTimestamp(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// ScalarEqual compares two scalar values, treating all numeric types alike.
func ScalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		a = FormatTimestamp(ta)
	}
	if tb, ok := b.(time.Time); ok {
		b = FormatTimestamp(tb)
	}
	return a == b
}

// CompareValues orders two scalar values: nil first, then numbers, then
// timestamps chronologically, then strings lexically.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(normalizeValue(a)), fmt.Sprint(normalizeValue(b))
	ta, errA := time.Parse(time.RFC3339Nano, sa)
	tb, errB := time.Parse(time.RFC3339Nano, sb)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(sa, sb)
}

// SortRows sorts rows in place by o. The sort is stable.
func SortRows(rows []Row, o Order) {
	if o.Field == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := CompareValues(rows[i][o.Field], rows[j][o.Field])
		if o.Ascending {
			return c < 0
		}
		return c > 0
	})
}

// Project returns a copy of row restricted to columns plus id and created_at.
// An empty column list returns a full copy.
func Project(row Row, columns []string) Row {
	if len(columns) == 0 {
		return row.Clone()
	}
	out := make(Row, len(columns)+2)
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	if v, ok := row[FieldID]; ok {
		out[FieldID] = v
	}
	if v, ok := row[FieldCreatedAt]; ok {
		out[FieldCreatedAt] = v
	}
	return out
}

// Decode converts a row into T using T's JSON field tags.
func Decode[T any](row Row) (T, error) {
	var out T
	data, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("encoding row: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding row into %T: %w", out, err)
	}
	return out, nil
}

// DecodeAll converts every row into T.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
