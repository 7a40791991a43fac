package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification with errors.Is.
// Every typed error below matches exactly one of these.
var (
	ErrConnectionFailed  = errors.New("connection failed")
	ErrSecurityViolation = errors.New("security violation")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrConfig            = errors.New("configuration error")
	ErrTimeout           = errors.New("timeout")
	ErrSerialization     = errors.New("serialization error")
	ErrValidation        = errors.New("validation error")
	ErrCompilation       = errors.New("compilation failed")
	ErrInstantiation     = errors.New("instantiation failed")
	ErrExecution         = errors.New("execution fault")

	// ErrCapacityExceeded is wrapped by ConnectionFailedError when the
	// connection registry is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// ConnectionFailedError reports that a named server could not be reached,
// or that no live connection exists for it.
type ConnectionFailedError struct {
	Server string
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection to %q failed", e.Server)
	}
	return fmt.Sprintf("connection to %q failed: %v", e.Server, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error        { return e.Err }
func (e *ConnectionFailedError) Is(target error) bool { return target == ErrConnectionFailed }

// SecurityViolationError reports a policy breach: a rejected command,
// an exhausted host-call budget, a rate limit.
type SecurityViolationError struct {
	Reason string
	Err    error
}

func (e *SecurityViolationError) Error() string {
	return "security violation: " + e.Reason
}

func (e *SecurityViolationError) Unwrap() error        { return e.Err }
func (e *SecurityViolationError) Is(target error) bool { return target == ErrSecurityViolation }

// NotFoundError reports a missing resource (artifact, staged file, connection).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrResourceNotFound }

// ConfigError reports invalid configuration, such as a zero-sized cache.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// TimeoutError reports that an operation exceeded its budget.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}

// Is matches ErrTimeout and context.DeadlineExceeded so callers that only
// know about contexts still classify it correctly.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// SerializationError reports a malformed JSON or YAML payload.
type SerializationError struct {
	Format string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error        { return e.Err }
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// ValidationError reports a domain value that failed construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CompilationError reports malformed bytecode. Fix the input.
type CompilationError struct {
	Key string
	Err error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling module %s: %v", e.Key, e.Err)
}

func (e *CompilationError) Unwrap() error        { return e.Err }
func (e *CompilationError) Is(target error) bool { return target == ErrCompilation }

// InstantiationError reports a linking or resource-limit setup failure.
// Raise limits or provide the missing imports.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiating module: %v", e.Err)
}

func (e *InstantiationError) Unwrap() error        { return e.Err }
func (e *InstantiationError) Is(target error) bool { return target == ErrInstantiation }

// ExecutionError reports a trap inside running code. Fix the code.
type ExecutionError struct {
	Entry string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %q: %v", e.Entry, e.Err)
}

func (e *ExecutionError) Unwrap() error        { return e.Err }
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// Kind returns a stable snake_case name for the error family, suitable for
// metric labels, audit records and API responses. Unknown errors map to
// "internal"; nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSecurityViolation):
		return "security_violation"
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrCompilation):
		return "compilation_failed"
	case errors.Is(err, ErrInstantiation):
		return "instantiation_failed"
	case errors.Is(err, ErrExecution):
		return "execution_fault"
	case errors.Is(err, ErrResourceNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrSerialization):
		return "serialization_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal"
	}
}
