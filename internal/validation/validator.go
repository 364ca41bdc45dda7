package validation

import "github.com/rendis/browseflow/pkg/schema"

// Validator checks workflow definitions before execution and coerces run
// inputs and structured output against JSON Schema Draft 2020-12 shapes.
type Validator interface {
	Parse(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult)
	ValidateDefinition(def *schema.WorkflowDefinition) error
	CoerceInputs(fields []schema.InputField, raw map[string]any) (map[string]any, error)
	ValidateOutput(value any, shape []byte) error
	CheckShape(shape []byte) error
}
