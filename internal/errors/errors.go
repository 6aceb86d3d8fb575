// Package errors defines the API error types used throughout bleepfs.
package errors

import (
	stderrors "errors"
	"fmt"
)

// APIError represents an API error with a machine-readable code,
// human-readable message, and HTTP status code.
type APIError struct {
	// Code is the error code (e.g., "FileNotFound", "WriteVetoed").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 403).
	HTTPStatus int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the APIError carrying a different message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// VetoError is returned by the engine when a write or delete was denied. No
// state has been changed when it is returned.
type VetoError struct {
	// Name is the file the write targeted.
	Name string
	// Reason is the human-readable reason given by the denying trigger.
	Reason string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("change to %q vetoed: %s", e.Name, e.Reason)
}

// IsVeto reports whether err wraps a VetoError.
func IsVeto(err error) bool {
	var v *VetoError
	return stderrors.As(err, &v)
}

// ErrNotFound is the sentinel wrapped by stores when a record is missing.
var ErrNotFound = stderrors.New("not found")

// Pre-defined API errors for common conditions.
var (
	// ErrFileNotFound is returned when the specified file does not exist.
	ErrFileNotFound = &APIError{
		Code:       "FileNotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: 404,
	}

	// ErrWriteVetoed is returned when a write or delete was denied.
	ErrWriteVetoed = &APIError{
		Code:       "WriteVetoed",
		Message:    "The change was rejected",
		HTTPStatus: 403,
	}

	// ErrInvalidName is returned when the file name is empty or malformed.
	ErrInvalidName = &APIError{
		Code:       "InvalidName",
		Message:    "The specified file name is not valid",
		HTTPStatus: 400,
	}

	// ErrNameTooLong is returned when the file name exceeds the maximum length.
	ErrNameTooLong = &APIError{
		Code:       "NameTooLong",
		Message:    "Your file name is too long",
		HTTPStatus: 400,
	}

	// ErrInvalidArgument is returned when an argument value is invalid.
	ErrInvalidArgument = &APIError{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	// ErrEntityTooLarge is returned when the upload exceeds the size limit.
	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed file size",
		HTTPStatus: 400,
	}

	// ErrNoSuchRoute is returned for paths the server does not serve.
	ErrNoSuchRoute = &APIError{
		Code:       "NoSuchRoute",
		Message:    "The requested resource does not exist",
		HTTPStatus: 404,
	}

	// ErrMethodNotAllowed is returned when the HTTP method is not supported.
	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		HTTPStatus: 405,
	}

	// ErrInternalError is returned for unexpected internal failures.
	ErrInternalError = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	// ErrServiceUnavailable is returned when the service is temporarily unavailable.
	ErrServiceUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Message:    "Service is not available. Please retry.",
		HTTPStatus: 503,
	}
)
