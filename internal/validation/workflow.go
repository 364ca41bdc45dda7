package validation

import (
	"encoding/json"

	"github.com/rendis/browseflow/pkg/schema"
)

// WorkflowValidator orchestrates the two-stage pipeline:
// 1. Structural (JSON Schema, per-variant field sets)
// 2. Semantic (input names, output keys, placeholder references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Parse validates a raw JSON definition and decodes it. Structural errors
// short-circuit the semantic stage. The definition is nil whenever the
// result is invalid.
func (wv *WorkflowValidator) Parse(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := wv.jsonSchema.ValidateRaw(raw)
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}

	result.Merge(validateSemantic(&def))
	if !result.Valid() {
		return nil, result
	}
	return &def, result
}

// Validate runs both stages against an in-memory definition.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := wv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// CoerceInputs delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) CoerceInputs(fields []schema.InputField, raw map[string]any) (map[string]any, error) {
	return wv.jsonSchema.CoerceInputs(fields, raw)
}

// ValidateOutput checks a synthesized value against the caller's shape.
func (wv *WorkflowValidator) ValidateOutput(value any, shape []byte) error {
	return wv.jsonSchema.ValidateValue(value, shape, schema.ErrCodeSchemaMismatch)
}

// CheckShape reports whether shape compiles as a JSON Schema.
func (wv *WorkflowValidator) CheckShape(shape []byte) error {
	_, err := wv.jsonSchema.CompileShape(shape)
	return err
}
