package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies failures of the consultation lifecycle.
type ErrorType string

const (
	// ErrorTypeInvalidTransition is a forbidden status change.
	ErrorTypeInvalidTransition ErrorType = "INVALID_TRANSITION"
	// ErrorTypeParticipantsNotPresent is a finalize without both participants and without force.
	ErrorTypeParticipantsNotPresent ErrorType = "PARTICIPANTS_NOT_PRESENT"
	// ErrorTypeConcurrentSession is a second in-progress consultation for the same participant.
	ErrorTypeConcurrentSession ErrorType = "CONCURRENT_SESSION_CONFLICT"
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeValidation        ErrorType = "VALIDATION"
	// ErrorTypeTransient is a backing-service failure worth retrying.
	ErrorTypeTransient ErrorType = "TRANSIENT"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError of the same type, so the sentinels below work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type
}

var (
	ErrInvalidTransition         = &AppError{Type: ErrorTypeInvalidTransition, Message: "invalid status transition"}
	ErrParticipantsNotPresent    = &AppError{Type: ErrorTypeParticipantsNotPresent, Message: "participants not present"}
	ErrConcurrentSessionConflict = &AppError{Type: ErrorTypeConcurrentSession, Message: "another consultation is in progress"}
	ErrNotFound                  = &AppError{Type: ErrorTypeNotFound, Message: "not found"}
	ErrValidation                = &AppError{Type: ErrorTypeValidation, Message: "validation failed"}
	ErrTransient                 = &AppError{Type: ErrorTypeTransient, Message: "temporary failure"}
)

func NewInvalidTransitionError(from, to string) *AppError {
	return &AppError{
		Type:    ErrorTypeInvalidTransition,
		Message: fmt.Sprintf("transition from %q to %q is not allowed", from, to),
	}
}

func NewParticipantsNotPresentError(consultationID string) *AppError {
	return &AppError{
		Type:    ErrorTypeParticipantsNotPresent,
		Message: fmt.Sprintf("consultation %s cannot be finalized: both participants must have joined", consultationID),
	}
}

func NewConcurrentSessionError(consultationID string) *AppError {
	return &AppError{
		Type:    ErrorTypeConcurrentSession,
		Message: fmt.Sprintf("consultation %s conflicts with another in-progress consultation", consultationID),
	}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message, Err: err}
}

func NewTransientError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeTransient, Message: message, Err: err}
}

// IsBusinessRule reports whether err is a rule violation that must not be retried.
func IsBusinessRule(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case ErrorTypeInvalidTransition, ErrorTypeParticipantsNotPresent, ErrorTypeConcurrentSession,
		ErrorTypeNotFound, ErrorTypeValidation:
		return true
	}
	return false
}

// HTTPStatus maps an error to a response code.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case ErrorTypeInvalidTransition, ErrorTypeConcurrentSession:
		return http.StatusConflict
	case ErrorTypeParticipantsNotPresent:
		return http.StatusUnprocessableEntity
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
