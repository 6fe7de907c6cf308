// Package util provides logging helpers and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("not found")
	ErrUnreachable       = errors.New("host unreachable")
	ErrEscalation        = errors.New("privilege escalation refused")
	ErrCapabilityMissing = errors.New("capability not available")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrValidationFailed  = errors.New("validation failed")
)

// ConnectivityError reports a failed reachability probe against a remote host.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// NewConnectivityError creates a connectivity error
func NewConnectivityError(host string, err error) *ConnectivityError {
	return &ConnectivityError{Host: host, Err: err}
}

// CapabilityError reports that none of the tools able to provide a capability
// exist on the host.
type CapabilityError struct {
	Capability string
	Tried      []string
}

func (e *CapabilityError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("%s not available", e.Capability)
	}
	return fmt.Sprintf("%s not available (tried %s)", e.Capability, strings.Join(e.Tried, ", "))
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapabilityMissing
}

// NewCapabilityError creates a capability error
func NewCapabilityError(capability string, tried ...string) *CapabilityError {
	return &CapabilityError{Capability: capability, Tried: tried}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
