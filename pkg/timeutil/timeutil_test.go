package timeutil

import (
	"testing"
	"time"
)

func TestParseISO8601UTC(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2010-04-13T15:29:40+0000", time.Date(2010, 4, 13, 15, 29, 0, 0, time.UTC)},
		// Positive offsets subtract to reach UTC.
		{"2010-04-13T15:29:40+0200", time.Date(2010, 4, 13, 13, 29, 0, 0, time.UTC)},
		// Negative offsets add.
		{"2010-04-13T15:29:40-0800", time.Date(2010, 4, 13, 23, 29, 0, 0, time.UTC)},
		{"2010-04-13T15:29:40+0530", time.Date(2010, 4, 13, 9, 59, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseISO8601UTC(tc.in)
		if err != nil {
			t.Errorf("ParseISO8601UTC(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseISO8601UTC(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseISO8601UTCRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"2010-04-13T15:29:40+00",      // too short
		"2010-04-13T15:29:40.5+0000",  // too long
		"2010-04-13T15:29:40*0000",    // bad sign
		"xxxx-04-13T15:29:40+0000",    // unparseable body
		"2010-04-13T15:29:40+ab00",    // non-numeric offset
	}
	for _, in := range cases {
		if _, err := ParseISO8601UTC(in); err == nil {
			t.Errorf("ParseISO8601UTC(%q): expected an error", in)
		}
	}
}

func TestPrettyUTCTimestamp(t *testing.T) {
	ts := time.Date(2024, 2, 29, 8, 5, 9, 0, time.UTC)
	if got := PrettyUTCTimestamp(ts); got != "2024-02-29 08:05:09 UTC" {
		t.Errorf("PrettyUTCTimestamp = %q", got)
	}
	// Non-UTC inputs are rendered in UTC.
	est := time.FixedZone("EST", -5*3600)
	if got := PrettyUTCTimestamp(time.Date(2024, 2, 29, 3, 5, 9, 0, est)); got != "2024-02-29 08:05:09 UTC" {
		t.Errorf("PrettyUTCTimestamp (EST input) = %q", got)
	}
}

func TestWeekStartDateString(t *testing.T) {
	cases := []struct {
		in   time.Time
		want string
	}{
		// A Wednesday maps back to its Monday.
		{time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC), "2024-01-08"},
		// Monday maps to itself.
		{time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), "2024-01-08"},
		// Sunday belongs to the preceding Monday.
		{time.Date(2024, 1, 14, 23, 59, 0, 0, time.UTC), "2024-01-08"},
	}
	for _, tc := range cases {
		if got := WeekStartDateString(tc.in); got != tc.want {
			t.Errorf("WeekStartDateString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEpoch(t *testing.T) {
	before := time.Now().Unix()
	got := Epoch()
	after := time.Now().Unix()
	if got < before || got > after {
		t.Errorf("Epoch() = %d outside [%d, %d]", got, before, after)
	}
}
