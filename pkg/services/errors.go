// Package services implements the admin operations on workflows, partners and the distribution ledger.
package services

import (
	"errors"
	"fmt"

	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/workflow"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrInvalidPartner       = errors.New("invalid partner api")
	ErrInvalidCredential    = errors.New("credential does not match the auth method")
	ErrReservedHeader       = errors.New("header is reserved")
	ErrInvalidDateRange     = errors.New("invalid date range")
	ErrInvalidSubmission    = errors.New("invalid submission")

	// Business Logic Conflicts (409 Conflict).
	ErrPartnerInUse = errors.New("partner api is used by other workflows")
	ErrNotRetryable = errors.New("only failed entries can be retried")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrInvalidPartner) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrReservedHeader) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrInvalidSubmission) ||
		workflow.IsValidationError(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrPartnerInUse) ||
		errors.Is(err, ErrNotRetryable) ||
		errors.Is(err, persistence.ErrVersionConflict) ||
		errors.Is(err, persistence.ErrDeliveryInFlight)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error with context.
func NewConflictError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
