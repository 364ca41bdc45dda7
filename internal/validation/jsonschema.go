package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/browseflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://browseflow.dev/schemas/workflow.json"

// variantFields lists the fields each step variant may carry, on top of the
// common ones. Selector-targeting variants additionally require one locator.
var variantFields = map[schema.StepType]map[string]any{
	schema.StepTypeNavigation: {
		"url": map[string]any{"type": "string", "minLength": 1},
	},
	schema.StepTypeClick: selectorFields(nil),
	schema.StepTypeInput: selectorFields(map[string]any{
		"value": map[string]any{"type": "string"},
	}),
	schema.StepTypeSelectChange: selectorFields(map[string]any{
		"selectedText": map[string]any{"type": "string", "minLength": 1},
	}),
	schema.StepTypeKeyPress: selectorFields(map[string]any{
		"key": map[string]any{"type": "string", "minLength": 1},
	}),
	schema.StepTypeScroll: {
		"scrollX": map[string]any{"type": "integer"},
		"scrollY": map[string]any{"type": "integer"},
	},
	schema.StepTypeExtractPageContent: {
		"goal": map[string]any{"type": "string", "minLength": 1},
	},
	schema.StepTypeAgent: {
		"task":      map[string]any{"type": "string", "minLength": 1},
		"max_steps": map[string]any{"type": "integer", "minimum": 1},
	},
}

var variantRequired = map[schema.StepType][]string{
	schema.StepTypeNavigation:         {"url"},
	schema.StepTypeInput:              {"value"},
	schema.StepTypeSelectChange:       {"selectedText"},
	schema.StepTypeKeyPress:           {"key"},
	schema.StepTypeScroll:             {"scrollX", "scrollY"},
	schema.StepTypeExtractPageContent: {"goal"},
	schema.StepTypeAgent:              {"task"},
}

var stepTypes = []schema.StepType{
	schema.StepTypeNavigation,
	schema.StepTypeClick,
	schema.StepTypeInput,
	schema.StepTypeSelectChange,
	schema.StepTypeKeyPress,
	schema.StepTypeScroll,
	schema.StepTypeExtractPageContent,
	schema.StepTypeAgent,
}

func selectorFields(extra map[string]any) map[string]any {
	f := map[string]any{
		"cssSelector": map[string]any{"type": "string", "minLength": 1},
		"xpath":       map[string]any{"type": "string", "minLength": 1},
		"elementTag":  map[string]any{"type": "string"},
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// definitionSchema builds the Draft 2020-12 document for workflow
// definitions. Each variant is selected with if/then on "type" and closes
// its field set with additionalProperties:false.
func definitionSchema() map[string]any {
	typeEnum := make([]any, 0, len(stepTypes))
	branches := make([]any, 0, len(stepTypes))
	defs := map[string]any{}

	for _, t := range stepTypes {
		typeEnum = append(typeEnum, string(t))

		props := map[string]any{
			"type":        map[string]any{"const": string(t)},
			"description": map[string]any{"type": "string"},
			"output":      map[string]any{"type": "string", "minLength": 1},
			"non_fatal":   map[string]any{"type": "boolean"},
		}
		for k, v := range variantFields[t] {
			props[k] = v
		}
		variant := map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
		if req := variantRequired[t]; len(req) > 0 {
			variant["required"] = req
		}
		if _, ok := variantFields[t]["cssSelector"]; ok {
			variant["anyOf"] = []any{
				map[string]any{"required": []any{"cssSelector"}},
				map[string]any{"required": []any{"xpath"}},
			}
		}
		defs[string(t)] = variant

		branches = append(branches, map[string]any{
			"if": map[string]any{
				"required":   []any{"type"},
				"properties": map[string]any{"type": map[string]any{"const": string(t)}},
			},
			"then": map[string]any{"$ref": "#/$defs/" + string(t)},
		})
	}

	defs["step"] = map[string]any{
		"type":     "object",
		"required": []any{"type"},
		"properties": map[string]any{
			"type": map[string]any{"enum": typeEnum},
		},
		"allOf": branches,
	}
	defs["input_field"] = map[string]any{
		"type":     "object",
		"required": []any{"name", "type"},
		"properties": map[string]any{
			"name":     map[string]any{"type": "string", "minLength": 1},
			"type":     map[string]any{"enum": []any{"string", "number", "boolean"}},
			"required": map[string]any{"type": "boolean"},
		},
		"additionalProperties": false,
	}

	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"$id":      definitionSchemaURL,
		"type":     "object",
		"required": []any{"name", "steps"},
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"description": map[string]any{"type": "string"},
			"version":     map[string]any{"type": "string"},
			"steps": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"$ref": "#/$defs/step"},
			},
			"input_schema": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/$defs/input_field"},
			},
		},
		"additionalProperties": false,
		"$defs":                defs,
	}
}

// JSONSchemaValidator runs the structural stage and validates run inputs and
// synthesized output against caller-supplied shapes. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled shapes.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   int
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	raw, err := json.Marshal(definitionSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal definition schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}

	c := newShapeCompiler()
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateRaw checks a raw JSON definition document structurally. Every
// violation is reported, attributed to its step index where it has one.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not valid JSON: "+err.Error())
		return result
	}

	if err := v.definitionSchema.Validate(doc); err != nil {
		addViolations(result, err)
	}
	return result
}

// ValidateDefinition checks an in-memory definition by validating its wire
// form.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	raw, err := json.Marshal(def)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return r
	}
	return v.ValidateRaw(raw)
}

// CompileShape compiles (and caches) a caller-supplied JSON Schema.
func (v *JSONSchemaValidator) CompileShape(shape []byte) (*jsonschema.Schema, error) {
	key := string(shape)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "shape is not valid JSON").WithCause(err)
	}

	// A fresh compiler per shape avoids resource collisions.
	v.seq++
	url := fmt.Sprintf("browseflow://shape/%d", v.seq)
	c := newShapeCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid shape").WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid shape: "+err.Error()).WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// ValidateValue checks value against shape. Violations are reported under
// code.
func (v *JSONSchemaValidator) ValidateValue(value any, shape []byte, code string) error {
	compiled, err := v.CompileShape(shape)
	if err != nil {
		return err
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(code, "value is not JSON-serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		violations := collectViolations(err)
		msg := strings.Join(violations, "; ")
		return schema.NewError(code, msg).
			WithDetails(map[string]any{"violations": violations}).
			WithCause(err)
	}
	return nil
}

func newShapeCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations records every leaf of a validation error tree.
func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	for _, leaf := range leaves(verr) {
		loc := "/" + strings.Join(leaf.InstanceLocation, "/")
		if idx, ok := stepIndex(leaf.InstanceLocation); ok {
			result.AddStepError(idx, loc, schema.ErrCodeValidation, leaf.Error())
			continue
		}
		result.AddError(loc, schema.ErrCodeValidation, leaf.Error())
	}
}

func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, leaf := range leaves(verr) {
		out = append(out, leaf.Error())
	}
	return out
}

// stepIndex extracts N from an instance location of the form /steps/N/...
func stepIndex(loc []string) (int, bool) {
	if len(loc) < 2 || loc[0] != "steps" {
		return 0, false
	}
	n, err := strconv.Atoi(loc[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
