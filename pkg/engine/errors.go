package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure for retry, circuit-breaker and DLQ routing.
type ErrorKind string

const (
	// KindValidationFailed indicates a stage precondition was not met.
	// It is reported as a skip (or a failure for required stages) and never retried.
	KindValidationFailed ErrorKind = "ValidationFailed"

	// KindExecutionFailed indicates the stage's own operation returned an error.
	KindExecutionFailed ErrorKind = "ExecutionFailed"

	// KindPostconditionFailed indicates the stage's output validation failed.
	KindPostconditionFailed ErrorKind = "PostconditionFailed"

	// KindTimeout indicates the stage exceeded its deadline.
	KindTimeout ErrorKind = "Timeout"

	// KindCircuitOpen indicates the call was short-circuited by an open breaker.
	KindCircuitOpen ErrorKind = "CircuitOpen"

	// KindCancelled indicates the run was aborted externally.
	KindCancelled ErrorKind = "Cancelled"

	// KindInvalidGraph indicates the stage graph could not be built.
	KindInvalidGraph ErrorKind = "InvalidGraph"

	// KindInvalidDefinition indicates a stage definition or orchestrator option is invalid.
	KindInvalidDefinition ErrorKind = "InvalidDefinition"
)

// Validate checks if the error kind is known.
func (k ErrorKind) Validate() error {
	switch k {
	case KindValidationFailed, KindExecutionFailed, KindPostconditionFailed,
		KindTimeout, KindCircuitOpen, KindCancelled, KindInvalidGraph, KindInvalidDefinition:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// Error represents a classified engine error with context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the name of the stage that produced the error, if applicable.
	Stage string `json:"stage,omitempty"`

	// Operation is the stage operation being performed (validate, execute, ...).
	Operation string `json:"operation,omitempty"`

	// Permanent marks the error as non-retryable regardless of retry policy.
	Permanent bool `json:"permanent,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Stage != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (stage=%s, operation=%s)", e.Kind, msg, e.Stage, e.Operation)
	}
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s)", e.Kind, msg, e.Stage)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when their kinds match and, if the target carries a code, the codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new ExecutionFailed error.
func NewExecutionError(message string, err error) *Error {
	return NewError(KindExecutionFailed, message, err)
}

// NewValidationError creates a new ValidationFailed error.
func NewValidationError(reason string) *Error {
	return NewError(KindValidationFailed, reason, nil).WithCode(ErrCodeValidation)
}

// NewPostconditionError creates a new PostconditionFailed error.
func NewPostconditionError(reason string) *Error {
	return NewError(KindPostconditionFailed, reason, nil).WithCode(ErrCodePostcondition)
}

// NewTimeoutError creates a new Timeout error.
func NewTimeoutError(message string, err error) *Error {
	return NewError(KindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewCircuitOpenError creates a new CircuitOpen error.
func NewCircuitOpenError(resource string, err error) *Error {
	return NewError(KindCircuitOpen, "circuit open", err).
		WithCode(ErrCodeCircuitOpen).
		WithDetail("resource", resource)
}

// NewCancelledError creates a new Cancelled error.
func NewCancelledError(err error) *Error {
	return NewError(KindCancelled, "run cancelled", err).WithCode(ErrCodeCancelled)
}

// Permanent wraps err so that it is never retried.
// The kind of an existing engine error is preserved.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Permanent = true
		return &cp
	}
	return &Error{
		Kind:      KindExecutionFailed,
		Message:   err.Error(),
		Permanent: true,
		Err:       err,
	}
}

// WithStage adds stage context to an error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf classifies an arbitrary error.
// Engine errors keep their kind, context deadlines map to Timeout, context
// cancellation maps to Cancelled and everything else is ExecutionFailed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindExecutionFailed
}

// IsKind returns true if err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent returns true if the error was marked permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Permanent
	}
	return false
}

// classify converts any error into an engine error attributed to a stage.
func classify(err error, stage, operation string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.Stage == "" {
			cp.Stage = stage
		}
		if cp.Operation == "" {
			cp.Operation = operation
		}
		return &cp
	}
	kind := KindOf(err)
	out := NewError(kind, "", err).WithStage(stage).WithOperation(operation)
	switch kind {
	case KindTimeout:
		out.Code = ErrCodeTimeout
	case KindCancelled:
		out.Code = ErrCodeCancelled
	default:
		out.Code = ErrCodeStageFailed
	}
	return out
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodePostcondition    = "POSTCONDITION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStageFailed      = "STAGE_FAILED"
	ErrCodeStagePanic       = "STAGE_PANIC"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCycle            = "CYCLE_DETECTED"
	ErrCodeUnknownStage     = "UNKNOWN_STAGE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
