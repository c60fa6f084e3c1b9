// Package validation provides field-level validation for call
// submissions. Everything here is checked at the ingress boundary so
// the queue never holds a job that cannot be dialed.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/dialops/dialqueue/internal/errors"
)

// MaxIDLength caps external identifiers; they end up in log lines,
// metrics labels and provider requests.
const MaxIDLength = 128

// e164Pattern matches E.164 phone numbers: a plus sign, a non-zero
// leading digit, 7 to 15 digits total.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// PhoneNumber checks that s is a dialable E.164 number.
func PhoneNumber(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.MissingField("phone_number")
	}
	if !e164Pattern.MatchString(s) {
		return errors.ValidationFailed("phone_number must be E.164 formatted, e.g. +15551234567")
	}
	return nil
}

// Identifier checks that s is a usable external identifier for the
// named field.
func Identifier(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.MissingField(field)
	}
	if len(s) > MaxIDLength {
		return errors.ValidationFailed(fmt.Sprintf("%s exceeds %d characters", field, MaxIDLength))
	}
	if !idPattern.MatchString(s) {
		return errors.ValidationFailed(fmt.Sprintf("%s contains invalid characters", field))
	}
	return nil
}

// AnswerURL checks that s is an absolute http(s) URL the provider can
// call back.
func AnswerURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.MissingField("call_config.answer_url")
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return errors.ValidationFailed("call_config.answer_url must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.ValidationFailed("call_config.answer_url must use http or https")
	}
	return nil
}
