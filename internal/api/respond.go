// Package api provides the HTTP ingress surface: call submission,
// status queries, queue metrics, and operational endpoints.
package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
	"github.com/dialops/dialqueue/internal/repository"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondError maps application errors to HTTP statuses: contract
// violations to 4xx, unknown failures to 500.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if stderrors.Is(err, repository.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "call not found", Code: string(errors.CodeNotFound)})
		return
	}

	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		respondJSON(w, appErr.HTTPStatus(), ErrorResponse{Error: appErr.Message, Code: string(appErr.Code)})
		return
	}

	logger.Error("unhandled error in http handler", zap.Error(err))
	respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: string(errors.CodeInternal)})
}
