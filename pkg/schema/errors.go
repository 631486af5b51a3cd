package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeUnknownTool       = "UNKNOWN_TOOL"
	ErrCodeMissingHandler    = "MISSING_HANDLER"
	ErrCodeMissingSandbox    = "MISSING_SANDBOX"
	ErrCodeMissingWorkflow   = "MISSING_WORKFLOW_STATE"
	ErrCodeHitlNotConfigured = "HITL_NOT_CONFIGURED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeSandboxDenied     = "SANDBOX_DENIED"
	ErrCodeIsolation         = "ISOLATION_ERROR"
	ErrCodeLane              = "LANE_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
)

// Invocation error codes carried inside ToolInvocationError payloads. These
// are part of the wire contract and use lower_snake_case.
const (
	InvocationSchemaValidationFailed = "schema_validation_failed"
	InvocationHandlerException       = "handler_exception"
	InvocationTimeout                = "timeout"
	InvocationPolicyDenied           = "policy_denied"
)

// StewardError is the structured error type for all engine operations.
type StewardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StewardError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StewardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StewardError.
func NewError(code, message string) *StewardError {
	return &StewardError{Code: code, Message: message}
}

// NewErrorf creates a new StewardError with a formatted message.
func NewErrorf(code, format string, args ...any) *StewardError {
	return &StewardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StewardError) WithStep(stepID string) *StewardError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StewardError) WithCause(err error) *StewardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StewardError) WithDetails(details map[string]any) *StewardError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a StewardError with the given code.
func IsCode(err error, code string) bool {
	var se *StewardError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
