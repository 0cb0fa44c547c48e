package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeCommandFailed    = "COMMAND_FAILED"
	CodeTransport        = "TRANSPORT_ERROR"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
)

type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) ToJSON() []byte {
	response := ErrorResponse{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
	data, _ := json.Marshal(response)
	return data
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
		Details: details,
	}
}

func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// Transport wraps an I/O, authentication or protocol failure raised by the
// store driver. The driver error stays reachable through errors.As / errors.Is.
func Transport(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeTransport,
		Message: fmt.Sprintf("%s failed", operation),
		Details: map[string]any{"operation": operation},
		Err:     err,
	}
}

func LockTimeout(holder string, waited time.Duration) *AppError {
	return &AppError{
		Code:    CodeLockTimeout,
		Message: fmt.Sprintf("could not acquire lock for %s within %s", holder, waited),
		Details: map[string]any{"holder": holder},
	}
}

func ChecksumMismatch(changeSet, stored, computed string) *AppError {
	return &AppError{
		Code:    CodeChecksumMismatch,
		Message: fmt.Sprintf("changeset %s has changed since it was applied", changeSet),
		Details: map[string]any{
			"changeset": changeSet,
			"stored":    stored,
			"computed":  computed,
		},
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// HasCode reports whether err is, or wraps, an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
