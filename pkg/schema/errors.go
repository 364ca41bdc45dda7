package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInput             = "INPUT_ERROR"
	ErrCodePlaceholder       = "PLACEHOLDER_ERROR"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeAgentExhausted    = "AGENT_EXHAUSTED"
	ErrCodeFallbackFailed    = "FALLBACK_FAILURE"
	ErrCodeStructuredOutput  = "STRUCTURED_OUTPUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"

	// Browser driver failure kinds, carried as the cause of an
	// ACTION_EXECUTION_ERROR.
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeActionFailed    = "ACTION_FAILED"

	// Structured-extraction capability failure.
	ErrCodeSchemaMismatch = "SCHEMA_MISMATCH"

	// Agent capability failure that is not an exhausted step budget.
	ErrCodeAgentFailed = "AGENT_FAILED"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepIndex != nil {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step index to the error.
func (e *FlowError) WithStep(index int) *FlowError {
	e.StepIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether any FlowError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// AsFlowError returns err as a FlowError, wrapping foreign errors under
// fallbackCode.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
