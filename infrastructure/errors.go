package infrastructure

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrState               = errors.New("invalid state")
	ErrExternalService     = errors.New("external service error")
	ErrRateLimited         = errors.New("too many requests")

	ErrInvalidTarget = fmt.Errorf("%w: invalid transfer target", ErrValidation)
	ErrBelowMinimum  = fmt.Errorf("%w: amount below minimum", ErrValidation)
	ErrNotMember     = fmt.Errorf("%w: not an active member of the chat", ErrState)

	ErrMissingToken = fmt.Errorf("%w: missing access token", ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("%w: invalid access token", ErrUnauthorized)
	ErrTokenExpired = fmt.Errorf("%w: access token has expired", ErrUnauthorized)
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func ExternalServicef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExternalService, fmt.Sprintf(format, args...))
}

// ErrorCode returns the stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrExternalService):
		return "external_service"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus maps the error taxonomy onto response codes.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict), errors.Is(err, ErrState):
		return http.StatusConflict
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
