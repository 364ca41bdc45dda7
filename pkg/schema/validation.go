package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
// StepIndex is nil for issues outside the steps array.
type ValidationIssue struct {
	Path      string             `json:"path"`
	StepIndex *int               `json:"step_index,omitempty"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Severity  ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddStepError appends an error-severity issue located at steps[index].
func (r *ValidationResult) AddStepError(index int, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, StepIndex: &index, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddStepWarning appends a warning-severity issue located at steps[index].
func (r *ValidationResult) AddStepWarning(index int, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, StepIndex: &index, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a FlowError if invalid, nil if valid.
// The error names the step index of the first offending step, if any.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Path + ": " + first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors; first: %s", len(r.Errors), msg)
	}

	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	for _, issue := range r.Errors {
		if issue.StepIndex != nil {
			err.WithStep(*issue.StepIndex)
			break
		}
	}
	return err
}
