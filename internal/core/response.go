package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"notifypipe/internal/types"
)

const maxRequestBodySize = 1 << 20

// APIResponse wraps successful payloads.
type APIResponse struct {
	Data any `json:"data"`
}

// APIErrorResponse is the error envelope.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with status. A marshalling failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an error envelope. *types.AppError anywhere in the
// chain selects the status and code; anything else is an opaque 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}

// DecodeJSON decodes a single JSON object into dst. Unknown fields, bodies
// over 1 MiB, empty bodies and trailing data are validation errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return invalidBody("request body must contain a single JSON object", nil)
	}
	return nil
}

func invalidBody(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidBody, msg, err)
}

func decodeError(err error) *types.AppError {
	var (
		maxBytes  *http.MaxBytesError
		syntax    *json.SyntaxError
		typeError *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxBytes):
		return invalidBody("request body must not exceed 1MB", err)
	case errors.As(err, &syntax):
		return invalidBody("malformed JSON in request body", err)
	case errors.As(err, &typeError):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody, "invalid value for field", err,
			map[string]any{"field": typeError.Field, "expected": typeError.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return invalidBody("unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return invalidBody("request body must not be empty", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return invalidBody("truncated JSON in request body", err)
	default:
		return invalidBody("invalid JSON in request body", err)
	}
}
