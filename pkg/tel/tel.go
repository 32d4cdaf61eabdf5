// Package tel normalizes and validates the phone numbers stored in the
// sharded tables.
package tel

import (
	"fmt"
	"log"

	"github.com/nyaruka/phonenumbers"
)

// specialTwilioNumbers are carrier-internal sender values that must
// never be parsed or reformatted.
var specialTwilioNumbers = map[string]bool{
	"+7378742833": true, // RESTRICTED
	"+2562533":    true, // BLOCKED
	"+8656696":    true, // UNKNOWN
	"+266696687":  true, // ANONYMOUS
	"":            true,
}

// IsSpecialTwilioNumber reports whether the number is one of the
// carrier-internal sender values.
func IsSpecialTwilioNumber(number string) bool {
	return specialTwilioNumbers[number]
}

// isShortcode reports whether the number is a 3-6 digit shortcode.
func isShortcode(number string) bool {
	if len(number) < 3 || len(number) > 6 {
		return false
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CleanupPhoneNumber normalizes a number to E.164. Shortcodes pass
// through untouched. US and Canada share parsing and formatting rules,
// so the US region covers both.
func CleanupPhoneNumber(number, region string) (string, error) {
	if region == "" {
		region = "US"
	}
	if isShortcode(number) {
		return number, nil
	}
	p, err := phonenumbers.Parse(number, region)
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number %q: %w", number, err)
	}
	return phonenumbers.Format(p, phonenumbers.E164), nil
}

// ValidatePhoneNumber reports whether the number is valid for the US
// or Canada. Shortcodes are accepted when allowShortcode is set.
func ValidatePhoneNumber(number string, allowShortcode bool) bool {
	if number == "" {
		return false
	}
	if allowShortcode && isShortcode(number) {
		return true
	}
	p, err := phonenumbers.Parse(number, "US")
	if err != nil {
		log.Printf("[tel] detected invalid phone number: %s - %v", number, err)
		return false
	}
	return phonenumbers.IsValidNumberForRegion(p, "US") ||
		phonenumbers.IsValidNumberForRegion(p, "CA")
}

// DisplayNumber renders a number for display in the national format,
// falling back to plain xxx-xxx-xxxx hyphenation for unparseable
// input.
func DisplayNumber(number, region string) string {
	if region == "" {
		region = "US"
	}
	p, err := phonenumbers.Parse(number, region)
	if err != nil {
		if len(number) > 6 {
			return number[:3] + "-" + number[3:6] + "-" + number[6:]
		}
		return number
	}
	return phonenumbers.Format(p, phonenumbers.NATIONAL)
}

// IsTollFreeNumber reports whether the number is toll free.
func IsTollFreeNumber(number string) bool {
	p, err := phonenumbers.Parse(number, "US")
	if err != nil {
		return false
	}
	return phonenumbers.GetNumberType(p) == phonenumbers.TOLL_FREE
}
