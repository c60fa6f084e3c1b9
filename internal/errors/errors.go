// Package errors provides the application error taxonomy: transient
// external failures (retried with backoff), permanent external failures
// (terminal), contract violations (rejected at entry), and internal
// invariant breaches (contained to a single job).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// Contract violations, rejected at the ingress boundary.
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeMissingField Code = "MISSING_FIELD"
	CodeNotFound     Code = "NOT_FOUND"
	CodeDuplicate    Code = "DUPLICATE_SUBMIT"
	CodeTerminal     Code = "TERMINAL_STATUS"

	// External service failures.
	CodeProviderTransient Code = "PROVIDER_TRANSIENT"
	CodeProviderPermanent Code = "PROVIDER_PERMANENT"
	CodeAgentUnavailable  Code = "AGENT_UNAVAILABLE"
	CodeSinkFailed        Code = "SINK_DELIVERY_FAILED"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"

	// Internal failures.
	CodeInternal Code = "INTERNAL_ERROR"
	CodeDatabase Code = "DATABASE_ERROR"
)

// Kind classifies an error for handling decisions.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindContract indicates a caller-side contract violation.
	KindContract
	// KindTransient indicates a temporary failure that may succeed on retry.
	KindTransient
	// KindPermanent indicates an external failure that will not recover.
	KindPermanent
	// KindInternal indicates an internal invariant breach.
	KindInternal
)

// Error is the application error type.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Kind    Kind   `json:"-"`
	Op      string `json:"-"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches application errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HTTPStatus maps the error to an ingress response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeMissingField:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicate, CodeTerminal:
		return http.StatusConflict
	case CodeProviderTransient, CodeAgentUnavailable, CodeCircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kindForCode(code)}
}

// Wrap attaches operation context and a code to an underlying error.
func Wrap(err error, op string, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Kind: kindForCode(code), Op: op, Err: err}
}

func kindForCode(code Code) Kind {
	switch code {
	case CodeValidation, CodeMissingField, CodeNotFound, CodeDuplicate, CodeTerminal:
		return KindContract
	case CodeProviderTransient, CodeAgentUnavailable, CodeSinkFailed, CodeCircuitOpen:
		return KindTransient
	case CodeProviderPermanent:
		return KindPermanent
	case CodeInternal, CodeDatabase:
		return KindInternal
	default:
		return KindUnknown
	}
}

// MissingField builds a contract violation for an absent required field.
func MissingField(field string) *Error {
	return New(CodeMissingField, fmt.Sprintf("%s is required", field))
}

// ValidationFailed builds a contract violation with a custom message.
func ValidationFailed(message string) *Error {
	return New(CodeValidation, message)
}

// TransientHTTP builds a retryable external error from an HTTP status.
func TransientHTTP(op string, status int, body string) *Error {
	return &Error{
		Code:    CodeProviderTransient,
		Message: fmt.Sprintf("HTTP %d: %s", status, body),
		Kind:    KindTransient,
		Op:      op,
	}
}

// PermanentHTTP builds a non-retryable external error from an HTTP status.
func PermanentHTTP(op string, status int, body string) *Error {
	return &Error{
		Code:    CodeProviderPermanent,
		Message: fmt.Sprintf("HTTP %d: %s", status, body),
		Kind:    KindPermanent,
		Op:      op,
	}
}

// ClassifyHTTP maps an HTTP response status to transient or permanent.
// 408, 429 and all 5xx are transient; the remaining 4xx are permanent.
func ClassifyHTTP(op string, status int, body string) *Error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return TransientHTTP(op, status, body)
	}
	return PermanentHTTP(op, status, body)
}

// IsTransient reports whether err may succeed on retry. Unclassified
// errors (network failures, timeouts) are treated as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient || e.Kind == KindUnknown
	}
	return true
}

// HasCode reports whether the first application error in the chain
// carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPermanent reports whether err is a non-retryable external failure.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindPermanent
	}
	return false
}

// IsContract reports whether err is a caller-side contract violation.
func IsContract(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindContract
	}
	return false
}
