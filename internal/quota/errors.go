package quota

import (
	"errors"
	"fmt"
	"net/http"

	"quotaengine/internal/models"
)

// ServiceError carries the HTTP status and machine-readable code of a failed
// service call.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewInvalidParameterError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInvalidParameter,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

func NewUnknownPlanError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeUnknownPlan,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

func NewStorageUnavailableError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeStorageUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// wrapError classifies a component error by its sentinel. Errors that are
// already ServiceErrors pass through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	switch {
	case errors.Is(err, models.ErrInvalidParameter):
		return NewInvalidParameterError(op, err)
	case errors.Is(err, models.ErrUnknownPlan):
		return NewUnknownPlanError(op, err)
	case errors.Is(err, models.ErrStorageUnavailable):
		return NewStorageUnavailableError(op, err)
	default:
		return NewInternalError(op, err)
	}
}
