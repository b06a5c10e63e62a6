// Package core holds the status and error types shared by the bridge, the
// step engine and the script runner.
package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: run_mismatch, call_failed, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError carrying the same code, so copies made with
// WithCause/WithDetails still match the predefined sentinel.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Cancellation errors
	ErrRunMismatch = &ExecutionError{
		Category: ErrCategoryCancellation,
		Code:     "run_mismatch",
		Message:  "step run identity mismatch",
	}

	// Step errors
	ErrStepFailed = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "step_failed",
		Message:  "step execution failed",
	}
	ErrNilImpl = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "nil_impl",
		Message:  "step has no implementation",
	}

	// Interceptor errors
	ErrInterceptorFailed = &ExecutionError{
		Category: ErrCategoryInterceptor,
		Code:     "interceptor_failed",
		Message:  "interceptor failed",
	}

	// Bridge errors
	ErrCallFailed = &ExecutionError{
		Category: ErrCategoryBridge,
		Code:     "call_failed",
		Message:  "bridge call failed",
	}
	ErrEmptyResponse = &ExecutionError{
		Category: ErrCategoryBridge,
		Code:     "empty_response",
		Message:  "bridge response data is null",
	}
	ErrBridgeClosed = &ExecutionError{
		Category: ErrCategoryBridge,
		Code:     "bridge_closed",
		Message:  "bridge connection closed",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}

	// Script errors
	ErrScriptEntry = &ExecutionError{
		Category: ErrCategoryScript,
		Code:     "script_entry",
		Message:  "script entry function not found",
	}
	ErrScriptFailed = &ExecutionError{
		Category: ErrCategoryScript,
		Code:     "script_failed",
		Message:  "script error",
	}
	ErrScriptResult = &ExecutionError{
		Category: ErrCategoryScript,
		Code:     "script_result",
		Message:  "step function must return a step, null or undefined",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in err's chain.
func CategoryOf(err error) ErrorCategory {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Category
	}
	return ErrCategoryNone
}
