package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidationReject ErrorType = "VALIDATION_REJECT"
	ErrQuorumFailure    ErrorType = "QUORUM_FAILURE"
	ErrTransportFailure ErrorType = "TRANSPORT_FAILURE"
	ErrCircuitOpen      ErrorType = "CIRCUIT_OPEN"
	ErrStaleData        ErrorType = "STALE_DATA"
	ErrDuplicate        ErrorType = "DUPLICATE_OPPORTUNITY"
	ErrSwarmPaused      ErrorType = "SWARM_PAUSED"
	ErrIntakeHalted     ErrorType = "INTAKE_HALTED"
	ErrInvalidState     ErrorType = "INVALID_STATE"
	ErrAuthFailed       ErrorType = "AUTH_FAILED"
	ErrInvalidRequest   ErrorType = "INVALID_REQUEST"
	ErrInternal         ErrorType = "INTERNAL_ERROR"
	ErrNotFound         ErrorType = "NOT_FOUND"
	ErrUpstream         ErrorType = "UPSTREAM_ERROR"
)

// AppError is the standard error struct for the application.
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewDuplicate(msg string) *AppError {
	return New(ErrDuplicate, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewValidationReject(msg string) *AppError {
	return New(ErrValidationReject, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidationReject, ErrInvalidRequest, ErrInvalidState:
		return http.StatusBadRequest
	case ErrDuplicate:
		return http.StatusConflict
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrSwarmPaused, ErrIntakeHalted, ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrQuorumFailure, ErrTransportFailure, ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrDuplicate:
		return "An equivalent route is already in flight; wait for it to settle."
	case ErrQuorumFailure:
		return "Too few judges responded; check judge breaker states."
	case ErrSwarmPaused:
		return "Swarm is paused; resume it or wait for health recovery."
	case ErrIntakeHalted:
		return "Intake is halted; check storage and swarm health."
	case ErrCircuitOpen:
		return "The protected operation is cooling down; retry later."
	case ErrAuthFailed:
		return "Check the API key header."
	default:
		return ""
	}
}
