package db

import (
	"fmt"
	"strconv"
	"strings"
)

// toInt64 coerces a scanned value to int64. Counts and ids arrive as
// different widths depending on the active driver.
func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to int64: %w", t, err)
		}
		return n, nil
	case []byte:
		return toInt64(string(t))
	case nil:
		return 0, fmt.Errorf("cannot coerce NULL to int64")
	default:
		return 0, fmt.Errorf("cannot coerce %T to int64", v)
	}
}

// parsePgTextArray turns a scanned text[] value into a string slice.
// The django driver yields the braced wire form, pgx yields a native
// slice.
func parsePgTextArray(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case []byte:
		return parsePgTextArray(string(t))
	case string:
		trimmed := strings.TrimSpace(t)
		trimmed = strings.TrimPrefix(trimmed, "{")
		trimmed = strings.TrimSuffix(trimmed, "}")
		if trimmed == "" {
			return nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.Trim(strings.TrimSpace(p), `"`))
		}
		return out
	default:
		return nil
	}
}
