package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError represents missing or malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error (including wrapped errors)
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// ConfigurationError means a required setting (usually a credential) is absent.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Setting, e.Message)
}

func NewConfigurationError(setting, message string) ConfigurationError {
	return ConfigurationError{Setting: setting, Message: message}
}

func IsConfigurationError(err error) bool {
	var ce ConfigurationError
	return errors.As(err, &ce)
}

// IdentityProvisioningError means the external service could not provision a user.
type IdentityProvisioningError struct {
	UserID string
	Cause  error
}

func (e *IdentityProvisioningError) Error() string {
	return fmt.Sprintf("provision external identity for %s: %v", e.UserID, e.Cause)
}

func (e *IdentityProvisioningError) Unwrap() error { return e.Cause }

func IsIdentityProvisioningError(err error) bool {
	var pe *IdentityProvisioningError
	return errors.As(err, &pe)
}

// ExternalServiceError wraps a non-2xx response or transport failure from the memory service.
type ExternalServiceError struct {
	Op     string
	Status int // 0 for transport failures
	Body   string
	Cause  error
}

func (e *ExternalServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("memory service %s: HTTP %d: %v", e.Op, e.Status, e.Cause)
	}
	return fmt.Sprintf("memory service %s: %v", e.Op, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error { return e.Cause }

func IsExternalServiceError(err error) bool {
	var ee *ExternalServiceError
	return errors.As(err, &ee)
}

// PersistenceError wraps a failure of the local relational store.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// PlanLookupError means the user's plan could not be resolved. Callers degrade
// to the free plan instead of failing the request.
type PlanLookupError struct {
	UserID string
	PlanID string
	Cause  error
}

func (e *PlanLookupError) Error() string {
	if e.PlanID != "" {
		return fmt.Sprintf("plan lookup for %s: plan %q: %v", e.UserID, e.PlanID, e.Cause)
	}
	return fmt.Sprintf("plan lookup for %s: %v", e.UserID, e.Cause)
}

func (e *PlanLookupError) Unwrap() error { return e.Cause }

func IsPlanLookupError(err error) bool {
	var pe *PlanLookupError
	return errors.As(err, &pe)
}

// QuotaExceededError is returned when a metric has no headroom left in the period.
type QuotaExceededError struct {
	Metric Metric
	Count  int64
	Limit  Limit
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d of %s used", e.Metric, e.Count, e.Limit)
}

func IsQuotaExceededError(err error) bool {
	var qe QuotaExceededError
	return errors.As(err, &qe)
}

// NotFoundError represents a missing resource
type NotFoundError struct {
	Field   string
	Message string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found %s: %s", e.Field, e.Message)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFoundError(field, message string) NotFoundError {
	return NotFoundError{Field: field, Message: message}
}

// IsNotFoundError checks for NotFoundError or the ErrNotFound sentinel.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
