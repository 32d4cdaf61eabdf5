// Package text carries SMS fragmenting and identifier case mapping.
package text

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultFragmentLength is the maximum length of one SMS segment.
const DefaultFragmentLength = 160

// SplitString splits a string into fragments no longer than
// fragmentLength, breaking at the last word boundary inside each
// window. When maxFragments is reached the remainder is returned as
// the final fragment regardless of length; maxFragments -1 means
// unlimited.
func SplitString(s string, fragmentLength, maxFragments int) []string {
	if fragmentLength <= 0 {
		fragmentLength = DefaultFragmentLength
	}

	var fragments []string
	runes := []rune(s)
	pos := 0

	for i := 0; maxFragments == -1 || i < maxFragments; i++ {
		if pos >= len(runes) {
			break
		}

		// Reached the fragment cap: the rest goes out as one oversized
		// fragment.
		if maxFragments != -1 && i+1 == maxFragments {
			fragments = append(fragments, string(runes[pos:]))
			break
		}

		end := pos + fragmentLength
		if end >= len(runes) {
			fragments = append(fragments, string(runes[pos:]))
			break
		}

		// Break after the last whitespace in the window so words stay
		// whole. A window with no whitespace is cut mid-word.
		fragment := runes[pos:end]
		cut := len(fragment)
		for j := len(fragment) - 1; j >= 0; j-- {
			if unicode.IsSpace(fragment[j]) {
				cut = j + 1
				break
			}
		}
		fragments = append(fragments, string(fragment[:cut]))
		pos += cut
	}
	return fragments
}

var (
	underscorer1 = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	underscorer2 = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	snakeFinder  = regexp.MustCompile(`_(\w)`)
)

// CamelToSnake converts camelCase identifiers to snake_case.
func CamelToSnake(s string) string {
	subbed := underscorer1.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(underscorer2.ReplaceAllString(subbed, "${1}_${2}"))
}

// SnakeToCamel converts snake_case identifiers to camelCase.
func SnakeToCamel(s string) string {
	return snakeFinder.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ToUpper(m[1:])
	})
}
