package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// apiError is a failure that is reported to the caller before any response
// bytes were written.
type apiError struct {
	status  int
	message string
	err     error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.err }

func errUnauthorized() *apiError {
	return &apiError{status: http.StatusUnauthorized, message: "Unauthorized"}
}

func errBadRequest(message string, err error) *apiError {
	return &apiError{status: http.StatusBadRequest, message: message, err: err}
}

func errNotFound(message string) *apiError {
	return &apiError{status: http.StatusNotFound, message: message}
}

func errPersistence(message string, err error) *apiError {
	return &apiError{status: http.StatusInternalServerError, message: message, err: err}
}

func errUpstream(err error) *apiError {
	return &apiError{status: http.StatusInternalServerError, message: "Failed to start completion", err: err}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError logs err and answers with a JSON error body. Errors that are not
// an *apiError become an opaque 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		apiErr = &apiError{status: http.StatusInternalServerError, message: "Internal server error", err: err}
	}

	fields := []zap.Field{
		zap.Int("status", apiErr.status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}
	if apiErr.err != nil {
		fields = append(fields, zap.Error(apiErr.err))
	}
	if apiErr.status >= http.StatusInternalServerError {
		h.logger.Error(apiErr.message, fields...)
	} else {
		h.logger.Info(apiErr.message, fields...)
	}

	h.writeJSON(w, apiErr.status, errorResponse{Error: apiErr.message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Int("status", status), zap.Error(err))
	}
}
