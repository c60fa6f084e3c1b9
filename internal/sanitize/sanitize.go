// Package sanitize masks sensitive data before it reaches logs or
// error messages. Call jobs carry subscriber phone numbers, which must
// never appear in cleartext outside the database.
package sanitize

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`\+?[1-9]\d{6,14}`)

// Phone masks a phone number, keeping the first 3 and last 2 digits.
func Phone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}

// String masks every phone-number-shaped substring in s. Used for
// provider error bodies, which echo the dialed number back.
func String(s string) string {
	return phonePattern.ReplaceAllStringFunc(s, Phone)
}

// PartialMask masks the middle of s, keeping keepStart and keepEnd
// characters visible.
func PartialMask(s string, keepStart, keepEnd int) string {
	if len(s) <= keepStart+keepEnd {
		return strings.Repeat("*", len(s))
	}
	return s[:keepStart] + strings.Repeat("*", len(s)-keepStart-keepEnd) + s[len(s)-keepEnd:]
}

// ID partially masks an identifier, showing first 4 and last 4 characters.
func ID(id string) string {
	return PartialMask(id, 4, 4)
}
