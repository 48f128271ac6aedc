// Package errors provides the error taxonomy of the workflow engine
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	// Common error codes
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrTimeout
	ErrConnection
	ErrAuthentication

	// Engine error codes
	ErrConfigValidation
	ErrUnresolvedVariable
	ErrNodeResolution
	ErrNodeReadinessTimeout
	ErrStepExecution
	ErrNestingLimitExceeded
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:              "UNKNOWN",
	ErrNotFound:             "NOT_FOUND",
	ErrInvalidInput:         "INVALID_INPUT",
	ErrTimeout:              "TIMEOUT",
	ErrConnection:           "CONNECTION",
	ErrAuthentication:       "AUTHENTICATION_FAILED",
	ErrConfigValidation:     "CONFIG_VALIDATION_FAILED",
	ErrUnresolvedVariable:   "UNRESOLVED_VARIABLE",
	ErrNodeResolution:       "NODE_RESOLUTION_FAILED",
	ErrNodeReadinessTimeout: "NODE_READINESS_TIMEOUT",
	ErrStepExecution:        "STEP_EXECUTION_FAILED",
	ErrNestingLimitExceeded: "NESTING_LIMIT_EXCEEDED",
}

// String returns the stable name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[ErrUnknown]
}

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithOp adds an operation name to the error. An *Error wrapped further
// down the chain keeps its code.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		wrapped := &Error{Code: ErrUnknown, Op: op, Cause: err}
		var inner *Error
		if errors.As(err, &inner) {
			wrapped.Code = inner.Code
			wrapped.Context = inner.Context
		}
		return wrapped
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      op,
		Cause:   e.Cause,
		Context: e.Context,
	}
}

// WithContext adds context to the error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Cause:   err,
			Context: context,
		}
	}

	merged := make(map[string]interface{}, len(e.Context)+len(context))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range context {
		merged[k] = v
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      e.Op,
		Cause:   e.Cause,
		Context: merged,
	}
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with additional context
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// UnresolvedVariable reports a {{name}} token with no bound value.
func UnresolvedVariable(name string) error {
	return &Error{
		Code:    ErrUnresolvedVariable,
		Message: fmt.Sprintf("variable '%s' is not defined", name),
		Context: map[string]interface{}{"variable": name},
	}
}

// NodeResolution reports a node reference that maps to no descriptor.
func NodeResolution(ref string, reason string) error {
	return &Error{
		Code:    ErrNodeResolution,
		Message: fmt.Sprintf("node '%s' could not be resolved: %s", ref, reason),
		Context: map[string]interface{}{"node_ref": ref},
	}
}

// ReadinessTimeout reports the nodes that never became ready.
func ReadinessTimeout(nodes []string, waited fmt.Stringer) error {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	return &Error{
		Code:    ErrNodeReadinessTimeout,
		Message: fmt.Sprintf("nodes not ready after %s: %s", waited, strings.Join(sorted, ", ")),
		Context: map[string]interface{}{"nodes": sorted},
	}
}

// StepExecution wraps the failure of a dispatched step.
func StepExecution(step, kind string, cause error) error {
	return &Error{
		Code:    ErrStepExecution,
		Message: fmt.Sprintf("step '%s' (%s) failed", step, kind),
		Cause:   cause,
		Context: map[string]interface{}{"step_name": step, "step_type": kind},
	}
}

// ReadinessNodes returns the node names carried by a readiness timeout.
func ReadinessNodes(err error) []string {
	nodes, _ := GetContext(err)["nodes"].([]string)
	return nodes
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	code := GetCode(err)
	return code == ErrTimeout || code == ErrNodeReadinessTimeout
}

// IsValidation returns true for errors raised before any side effect
func IsValidation(err error) bool {
	code := GetCode(err)
	return code == ErrConfigValidation || code == ErrNestingLimitExceeded
}

// IsUnresolvedVariable returns true if a token had no bound value
func IsUnresolvedVariable(err error) bool {
	return GetCode(err) == ErrUnresolvedVariable
}

// IsNodeResolution returns true if a node reference could not be resolved
func IsNodeResolution(err error) bool {
	return GetCode(err) == ErrNodeResolution
}

// IsStepExecution returns true if a dispatched step failed
func IsStepExecution(err error) bool {
	return GetCode(err) == ErrStepExecution
}

// IsRetryable returns true if the error can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	return code == ErrTimeout || code == ErrConnection
}
