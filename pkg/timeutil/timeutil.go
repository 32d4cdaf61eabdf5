// Package timeutil holds the date and time helpers the fleet tooling
// shares.
package timeutil

import (
	"fmt"
	"strconv"
	"time"
)

// Epoch returns the number of seconds since 1970.
func Epoch() int64 {
	return time.Now().Unix()
}

// iso8601Length is what a +0000-style ISO-8601 timestamp measures,
// e.g. 2010-04-13T15:29:40+0000.
const iso8601Length = 24

// ParseISO8601UTC parses a 24-character ISO-8601 timestamp with a
// numeric zone offset, folding the offset in to produce a UTC time.
// Seconds are accepted in the input but the result is truncated to
// minute precision.
func ParseISO8601UTC(s string) (time.Time, error) {
	if len(s) != iso8601Length {
		return time.Time{}, fmt.Errorf(
			"timestamps must be 24 characters long, e.g.: 2010-04-13T15:29:40+0000, got %q", s)
	}

	// Split off the ":40+0000" tail: zone offset, with the seconds
	// dropped to minute precision.
	body, tzInfo := s[:len(s)-8], s[len(s)-5:]

	sign := tzInfo[0]
	hours, err := strconv.Atoi(tzInfo[1:3])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone offset in %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(tzInfo[3:])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone offset in %q: %w", s, err)
	}
	if sign == '+' {
		hours, minutes = -hours, -minutes
	} else if sign != '-' {
		return time.Time{}, fmt.Errorf("invalid timezone sign in %q", s)
	}

	t, err := time.Parse("2006-01-02T15:04", body)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.Add(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), nil
}

// PrettyUTCTimestamp renders a nicely formatted UTC timestamp.
func PrettyUTCTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// WeekStartDateString returns the date string for the Monday starting
// the week of the given time.
func WeekStartDateString(t time.Time) string {
	t = t.UTC()
	// time.Weekday counts Sunday as 0; weeks here start on Monday.
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -daysSinceMonday).Format("2006-01-02")
}
