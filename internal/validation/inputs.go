package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/browseflow/pkg/schema"
)

// InputSchemaJSON renders a definition's input_schema as a JSON Schema object
// over the (already coerced) input map.
func InputSchemaJSON(fields []schema.InputField) []byte {
	props := make(map[string]any, len(fields))
	required := []string{}
	for _, f := range fields {
		props[f.Name] = map[string]any{"type": string(f.Type)}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	b, _ := json.Marshal(doc)
	return b
}

// CoerceInputs converts caller-supplied values to the declared input types
// and checks them against the input schema. Numbers accept numeric strings
// and booleans accept "true"/"false"; strings accept only strings. Every
// failure is an INPUT_ERROR and the returned map is nil.
func (v *JSONSchemaValidator) CoerceInputs(fields []schema.InputField, raw map[string]any) (map[string]any, error) {
	declared := make(map[string]schema.InputField, len(fields))
	for _, f := range fields {
		declared[f.Name] = f
	}

	out := make(map[string]any, len(raw))
	var problems []string
	for name, val := range raw {
		f, ok := declared[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: not a declared input", name))
			continue
		}
		coerced, err := coerce(f.Type, val)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %s", name, err))
			continue
		}
		out[name] = coerced
	}
	for _, f := range fields {
		if _, ok := raw[f.Name]; !ok && f.Required {
			problems = append(problems, fmt.Sprintf("%s: required input missing", f.Name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, schema.NewError(schema.ErrCodeInput, strings.Join(problems, "; ")).
			WithDetails(map[string]any{"problems": problems})
	}

	if err := v.ValidateValue(out, InputSchemaJSON(fields), schema.ErrCodeInput); err != nil {
		return nil, err
	}
	return out, nil
}

func coerce(t schema.InputType, val any) (any, error) {
	switch t {
	case schema.InputTypeString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return s, nil

	case schema.InputTypeNumber:
		var f float64
		switch n := val.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		case json.Number:
			v, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", n.String())
			}
			f = v
		case string:
			v, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to number", n)
			}
			f = v
		default:
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not finite", val)
		}
		return f, nil

	case schema.InputTypeBoolean:
		switch b := val.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("cannot convert %q to boolean", b)
		}
		return nil, fmt.Errorf("expected boolean, got %T", val)
	}
	return nil, fmt.Errorf("unknown input type %q", t)
}
