package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// ErrorResponse wraps a structured error for JSON serialization.
type ErrorResponse struct {
	Error *core.Error `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", core.MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes a structured error response. The request id, when set,
// is copied into the body; err itself is left untouched.
func WriteError(w http.ResponseWriter, status int, err *core.Error) {
	out := *err
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
		out.RequestID = reqID
	}
	WriteJSON(w, status, ErrorResponse{Error: &out})
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict, core.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case core.ErrCodeGateClosed, core.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrCodeAttemptTimeout:
		return http.StatusGatewayTimeout
	case core.ErrCodeTerminalFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HandleError maps an error to the appropriate HTTP status and writes it.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if errors.As(err, &e) {
		WriteError(w, StatusFor(e.Code), e)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		WriteError(w, http.StatusGatewayTimeout, &core.Error{
			Code:      core.ErrCodeUnavailable,
			Message:   "Timed out waiting for the campaign.",
			Retryable: true,
		})
		return
	}
	WriteError(w, http.StatusInternalServerError, core.NewInternalError(err.Error()))
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) *core.Error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return core.NewInvalidRequestError("Invalid JSON in request body.", map[string]any{"error": err.Error()})
	}
	return nil
}

// decodeOptionalBody is decodeBody for requests whose body may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) *core.Error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.NewInvalidRequestError("Invalid JSON in request body.", map[string]any{"error": err.Error()})
	}
	return nil
}

const maxBodyBytes = 1 << 20
