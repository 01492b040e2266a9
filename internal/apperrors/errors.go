// Package apperrors provides the application error type used across the
// pulse daemon, its ingress surfaces, and the chat-poll process.
package apperrors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConflict           = "CONFLICT"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError is an application-specific error carrying an HTTP status and a
// stable machine-readable code, so ingress layers can render it uniformly.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource string, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s with id '%s' not found", resource, id), HTTPStatus: http.StatusNotFound}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

func Unauthorized(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

func Forbidden(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

func InternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

func ValidationError(field string, message string) *AppError {
	return &AppError{Code: CodeValidationError, Message: fmt.Sprintf("validation failed for field '%s': %s", field, message), HTTPStatus: http.StatusBadRequest}
}

func ServiceUnavailable(service string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Message: fmt.Sprintf("service '%s' is currently unavailable", service), HTTPStatus: http.StatusServiceUnavailable}
}

// Wrap attaches additional context to err, preserving its code/status if it
// is already an *AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: fmt.Sprintf("%s: %s", message, appErr.Message), HTTPStatus: appErr.HTTPStatus, Err: err}
	}
	return &AppError{Code: CodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

func IsNotFound(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

func IsBadRequest(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == CodeBadRequest || appErr.Code == CodeValidationError
	}
	return false
}

// GetHTTPStatus returns 500 if err is not an *AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
