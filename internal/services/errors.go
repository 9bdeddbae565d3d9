// Package services sits between the admin handlers and the balancer and
// watcher. It turns domain errors into ServiceErrors carrying stable codes.
package services

import (
	"errors"

	"github.com/soltixdb/pgbalancer/internal/balancer"
	"github.com/soltixdb/pgbalancer/internal/claim"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/metadata"
)

// Error codes returned to API clients
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodePlanNotFound   = "PLAN_NOT_FOUND"
	CodeUnknownKey     = "UNKNOWN_KEY"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeInvalidWeight  = "INVALID_WEIGHT"
	CodeUnknownClass   = "UNKNOWN_CLASS"
	CodeUnknownMode    = "UNKNOWN_MODE"
	CodePlanClaimed    = "PLAN_CLAIMED"
	CodeCommandFailed  = "COMMAND_FAILED"
	CodeInternal       = "INTERNAL_ERROR"
)

// ServiceError represents a service layer error
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// NewServiceError creates a new ServiceError
func NewServiceError(code, message string) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
	}
}

// NewServiceErrorWithDetails creates a new ServiceError with details
func NewServiceErrorWithDetails(code, message string, details map[string]interface{}) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// translate maps a domain error onto a ServiceError. nil stays nil.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}

	var keyErr *config.UnknownKeyError
	if errors.As(err, &keyErr) {
		return NewServiceErrorWithDetails(CodeUnknownKey, err.Error(), map[string]interface{}{"key": keyErr.Key})
	}
	var cmdErr *dispatch.CommandError
	if errors.As(err, &cmdErr) {
		return NewServiceErrorWithDetails(CodeCommandFailed, err.Error(), map[string]interface{}{
			"command": cmdErr.Command.String(),
			"code":    cmdErr.Code,
		})
	}

	switch {
	case errors.Is(err, balancer.ErrPlanNotFound), errors.Is(err, metadata.ErrNotFound):
		return NewServiceError(CodePlanNotFound, err.Error())
	case errors.Is(err, balancer.ErrInvalidWeight):
		return NewServiceError(CodeInvalidWeight, err.Error())
	case errors.Is(err, balancer.ErrUnknownClass):
		return NewServiceError(CodeUnknownClass, err.Error())
	case errors.Is(err, balancer.ErrUnknownMode):
		return NewServiceError(CodeUnknownMode, err.Error())
	case errors.Is(err, claim.ErrClaimed):
		return NewServiceError(CodePlanClaimed, err.Error())
	}
	return NewServiceError(CodeInternal, err.Error())
}
