// Package jsonutil encodes JSON with timestamps rendered as
// epoch-millisecond strings, the convention the SendHub services
// exchange time values in.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Time wraps time.Time to marshal as a string of epoch milliseconds.
type Time time.Time

// MarshalJSON renders the timestamp as a quoted millisecond count.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(time.Time(t).UTC().UnixMilli(), 10))
}

// UnmarshalJSON accepts both quoted and bare millisecond counts.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid millisecond timestamp %s", data)
		}
		*t = Time(time.UnixMilli(n).UTC())
		return nil
	}
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millisecond timestamp %q", s)
	}
	*t = Time(time.UnixMilli(millis).UTC())
	return nil
}

// Std returns the wrapped time.Time.
func (t Time) Std() time.Time {
	return time.Time(t)
}

// Encode marshals v to JSON after converting every time.Time reachable
// through maps and slices to an epoch-millisecond string.
func Encode(v any) ([]byte, error) {
	return json.Marshal(convert(v))
}

func convert(v any) any {
	switch value := v.(type) {
	case time.Time:
		return strconv.FormatInt(value.UTC().UnixMilli(), 10)
	case Time:
		return strconv.FormatInt(value.Std().UTC().UnixMilli(), 10)
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = convert(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = convert(item)
		}
		return out
	default:
		return v
	}
}
