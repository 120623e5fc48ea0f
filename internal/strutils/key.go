package strutils

import (
	"strings"
	"unicode"
)

// NormalizeKey trims surrounding whitespace and case folds the key.
// Runs of inner whitespace are collapsed to a single space.
func NormalizeKey(key string) string {
	fields := strings.FieldsFunc(key, unicode.IsSpace)
	return strings.ToLower(strings.Join(fields, " "))
}
