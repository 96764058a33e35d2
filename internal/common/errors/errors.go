// Package errors provides the relay's error taxonomy. Every error that can
// reach a caller carries a stable code and an HTTP status so the API layer
// never has to guess.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeSandboxProvisioning = "SANDBOX_PROVISIONING_ERROR"
	CodeSandboxChannel      = "SANDBOX_CHANNEL_ERROR"
	CodeDecrypt             = "DECRYPT_ERROR"
	CodeJournal             = "JOURNAL_ERROR"
	CodeClientBackpressure  = "CLIENT_BACKPRESSURE_TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is an error with a code, a caller-facing message, and an HTTP
// status. Err holds the underlying cause, if any.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches AppErrors by code so errors.Is works across wrapping.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewValidationError reports a malformed or unacceptable request.
func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewNotFound reports a missing entity.
func NewNotFound(entity, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", entity, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewConflict reports an operation that is illegal in the entity's current
// state, e.g. activating an archived session.
func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// NewSandboxProvisioningError reports a sandbox that could not be created or
// resumed. The session moves to the error state.
func NewSandboxProvisioningError(message string, err error) *AppError {
	return &AppError{Code: CodeSandboxProvisioning, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// NewSandboxChannelError reports a channel that failed mid-run.
func NewSandboxChannelError(message string, err error) *AppError {
	return &AppError{Code: CodeSandboxChannel, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// NewDecryptError reports a secret row that could not be decrypted. Callers
// skip the row and continue.
func NewDecryptError(secretID string, err error) *AppError {
	return &AppError{
		Code:       CodeDecrypt,
		Message:    fmt.Sprintf("secret %s could not be decrypted", secretID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewJournalError reports a failed event append. Data-integrity failure: the
// hub detaches and the session is marked error.
func NewJournalError(message string, err error) *AppError {
	return &AppError{Code: CodeJournal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// NewClientBackpressureTimeout reports a client whose outbound queue
// overflowed. Only that client is disconnected.
func NewClientBackpressureTimeout(clientID string) *AppError {
	return &AppError{
		Code:       CodeClientBackpressure,
		Message:    fmt.Sprintf("client %s too slow, disconnecting", clientID),
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// GetHTTPStatus extracts the HTTP status from an error chain, defaulting to
// 500 for unknown errors.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain contains an AppError with the code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
