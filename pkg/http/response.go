package http

import (
	"encoding/json"
	"net/http"

	apperrors "mongomigrate/pkg/errors"
)

type ErrorResponse struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

type SuccessResponse struct {
	Data any `json:"data,omitempty"`
}

// WriteJSON writes data with statusCode. The returned error comes from the
// encoder; the status line has already been sent by then.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// StatusCode maps an error code to the HTTP status reported for it.
func StatusCode(code string) int {
	switch code {
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeValidation:
		return http.StatusUnprocessableEntity
	case apperrors.CodeLockTimeout, apperrors.CodeChecksumMismatch:
		return http.StatusConflict
	case apperrors.CodeCommandFailed:
		return http.StatusBadGateway
	case apperrors.CodeTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) error {
	appErr := apperrors.AsAppError(err)
	resp := ErrorResponse{
		Code:    appErr.Code,
		Error:   appErr.Message,
		Details: appErr.Details,
	}
	if appErr.Code == apperrors.CodeInternal {
		resp.Error = "Internal server error"
		resp.Details = nil
	}
	return WriteJSON(w, StatusCode(appErr.Code), resp)
}
