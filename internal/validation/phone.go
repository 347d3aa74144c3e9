// Package validation checks caller input before any state change.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// e164ish accepts an optional leading '+' and 2 to 15 digits, no leading zero
var e164ish = regexp.MustCompile(`^\+?[1-9][0-9]{1,14}$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")

// NormalizePhoneNumber strips common formatting and checks the result loosely
// against E.164. The normalized form is what gets stored.
func NormalizePhoneNumber(phone string) (string, error) {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return "", fmt.Errorf("phone number is required")
	}

	normalized := phoneSeparators.Replace(trimmed)
	if !e164ish.MatchString(normalized) {
		return "", fmt.Errorf("phone number must be in international format, e.g. +14155550123")
	}
	return normalized, nil
}
