package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		err := ClassifyHTTP("plivo.Initiate", tt.status, "boom")
		if got := IsTransient(err); got != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, got, tt.transient)
		}
		if got := IsPermanent(err); got == tt.transient {
			t.Errorf("status %d: IsPermanent = %v, want %v", tt.status, got, !tt.transient)
		}
	}
}

func TestIsTransientUnclassified(t *testing.T) {
	// Raw network errors carry no classification and must be retryable.
	if !IsTransient(errors.New("dial tcp: connection refused")) {
		t.Error("unclassified errors should be treated as transient")
	}
}

func TestErrorWrappingPreservesCode(t *testing.T) {
	base := New(CodeTerminal, "status is terminal")
	wrapped := fmt.Errorf("update call-1: %w", base)

	if !errors.Is(wrapped, &Error{Code: CodeTerminal}) {
		t.Error("wrapped error should match by code")
	}
	if !IsContract(wrapped) {
		t.Error("terminal-status error should be a contract violation")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeMissingField, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeTerminal, http.StatusConflict},
		{CodeProviderTransient, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Errorf("%s: HTTPStatus = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := Wrap(errors.New("underlying"), "store.Complete", CodeDatabase, "write failed")
	want := "store.Complete: write failed: underlying"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
