package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maneesh/transferbox/internal/logging"
	"github.com/maneesh/transferbox/internal/transfer"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail carries the client-facing message
type ErrorDetail struct {
	Message string `json:"message"`
}

// statusFor maps an error kind to its HTTP status and public message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, transfer.ErrInvalidInput):
		return http.StatusBadRequest, "No valid files were submitted."
	case errors.Is(err, transfer.ErrInvalidID):
		return http.StatusBadRequest, "Invalid transfer ID."
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound, "Transfer not found."
	case errors.Is(err, transfer.ErrExpired):
		return http.StatusGone, "This transfer has expired."
	case errors.Is(err, transfer.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "The upload exceeds the allowed size."
	}
	return http.StatusInternalServerError, "An error occurred while processing your request."
}

// respondError writes the JSON error body for err. Errors raised after the
// response started cannot be reported; the connection is aborted instead.
func respondError(ctx context.Context, w http.ResponseWriter, log logging.Logger, err error) {
	if transfer.AfterOutput(err) {
		log.Error(ctx, "download aborted mid-stream", "error", err)
		panic(http.ErrAbortHandler)
	}

	status, message := statusFor(err)
	var herr *httpError
	if errors.As(err, &herr) {
		message = herr.message
	}
	if status >= http.StatusInternalServerError {
		log.Error(ctx, "request failed", "status", status, "error", err)
	} else {
		log.Info(ctx, "request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message}})
}

// httpError overrides the default message for its kind.
type httpError struct {
	kind    error
	message string
}

func (e *httpError) Error() string { return e.message }
func (e *httpError) Unwrap() error { return e.kind }

func clientError(kind error, message string) error {
	return &httpError{kind: kind, message: message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
