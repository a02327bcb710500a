package services

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the ingest boundary. Handlers map these to HTTP
// statuses; everything retryable below the dispatcher is never surfaced.
var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDeviceAuth     = errors.New("device key mismatch")
	ErrBackpressure   = errors.New("dispatch queue saturated")
	ErrRegistryLookup = errors.New("contact registry lookup failed")
	ErrNotFound       = errors.New("not found")
)

// ValidationError rejects a malformed ingest or registry request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NewValidationError creates a field-level validation error
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
