// Package faults defines the error kinds the ledger services return and the
// single place they map onto HTTP status codes.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports malformed or business-rule-violating input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validationf builds a field-less ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError reports an operation rejected by the entity's current state,
// including lost compare-and-swap races.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(entity, id, reason string) error {
	return &ConflictError{Entity: entity, ID: id, Reason: reason}
}

// ExternalServiceError reports a dependency failure (gateway, directory,
// database) after any retries were exhausted.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// External wraps a dependency failure.
func External(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// PartialFailureError reports a multi-step operation that committed its first
// phase but could not complete the second. CompletedStep names the phase that
// is durably committed; the batch carries needs_reconciliation until the
// sweep finishes the remainder.
type PartialFailureError struct {
	Operation     string
	CompletedStep string
	BatchID       string
	Err           error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partially failed after %s (batch %s): %v", e.Operation, e.CompletedStep, e.BatchID, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error to its HTTP status code. Unknown errors map to 500.
func HTTPStatus(err error) int {
	var ve *ValidationError
	var nf *NotFoundError
	var cf *ConflictError
	var ex *ExternalServiceError
	var pf *PartialFailureError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &cf):
		return http.StatusConflict
	case errors.As(err, &pf):
		// The first phase committed; the caller gets the state plus a warning.
		return http.StatusAccepted
	case errors.As(err, &ex):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
