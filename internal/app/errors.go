package app

import (
	"errors"
	"fmt"
	"net/http"

	"lifelog/api/internal/auth"
	"lifelog/api/internal/engine"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	var gap *engine.OutOfOrderError
	if errors.As(err, &gap) {
		return http.StatusConflict, "OUT_OF_ORDER_MUTATION", "Mutation ids are not contiguous", map[string]any{
			"clientID": gap.ClientID,
			"expected": gap.Expected,
			"got":      gap.Got,
		}
	}
	switch {
	case errors.Is(err, engine.ErrOutOfOrderMutation):
		return http.StatusConflict, "OUT_OF_ORDER_MUTATION", "Mutation ids are not contiguous", nil
	case errors.Is(err, engine.ErrUnknownGroup):
		return http.StatusUnprocessableEntity, "UNKNOWN_GROUP", "Unknown client group", nil
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_BODY", err.Error(), nil
	case errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable, retry later", nil
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT", "Timed out, retry later", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
