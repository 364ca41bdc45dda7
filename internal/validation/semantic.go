package validation

import (
	"fmt"

	"github.com/rendis/browseflow/internal/expressions"
	"github.com/rendis/browseflow/pkg/schema"
)

// MaxStepsWarnThreshold is the agent step budget above which a warning is
// reported.
const MaxStepsWarnThreshold = 100

// validateSemantic checks what the structural schema cannot express: input
// names, output keys and placeholder references. A placeholder may name a
// declared input or the output of a strictly earlier step.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	available := make(map[string]bool, len(def.InputSchema)+len(def.Steps))
	for i, f := range def.InputSchema {
		path := fmt.Sprintf("/input_schema/%d", i)
		if !expressions.IsIdentifier(f.Name) {
			result.AddError(path+"/name", schema.ErrCodeValidation,
				fmt.Sprintf("input name %q is not an identifier", f.Name))
		}
		if !f.Type.Valid() {
			result.AddError(path+"/type", schema.ErrCodeValidation,
				fmt.Sprintf("input %q has unsupported type %q", f.Name, f.Type))
		}
		if available[f.Name] {
			result.AddError(path+"/name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate input name %q", f.Name))
		}
		available[f.Name] = true
	}

	producer := map[string]int{}
	consumed := map[string]bool{}

	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if step.Params == nil {
			result.AddStepError(i, path, schema.ErrCodeValidation, "step has no parameters")
			continue
		}

		if sel, ok := schema.Selectors(step.Params); ok && sel.Empty() {
			result.AddStepError(i, path, schema.ErrCodeValidation,
				"one of cssSelector or xpath is required")
		}
		if ag, ok := step.Params.(schema.AgentParams); ok && ag.MaxSteps > MaxStepsWarnThreshold {
			result.AddStepWarning(i, path+"/max_steps", schema.ErrCodeValidation,
				fmt.Sprintf("max_steps %d exceeds %d", ag.MaxSteps, MaxStepsWarnThreshold))
		}

		for _, f := range expressions.StepFields(step) {
			tokens, err := expressions.FindPlaceholders(f.Value)
			if err != nil {
				fe := schema.AsFlowError(err, schema.ErrCodePlaceholder)
				result.AddStepError(i, path+"/"+f.Name, schema.ErrCodeValidation, fe.Message)
				continue
			}
			for _, tok := range tokens {
				consumed[tok.Name] = true
				switch {
				case available[tok.Name]:
					if p, ok := producer[tok.Name]; ok && def.Steps[p].NonFatal {
						result.AddStepWarning(i, path+"/"+f.Name, schema.ErrCodeValidation,
							fmt.Sprintf("{{%s}} is produced by non_fatal step %d and may be absent", tok.Name, p))
					}
				default:
					result.AddStepError(i, path+"/"+f.Name, schema.ErrCodeValidation,
						fmt.Sprintf("{{%s}} is neither a declared input nor an output of an earlier step", tok.Name))
				}
			}
		}

		if step.Output != "" {
			if !expressions.IsIdentifier(step.Output) {
				result.AddStepError(i, path+"/output", schema.ErrCodeValidation,
					fmt.Sprintf("output key %q is not an identifier", step.Output))
			}
			available[step.Output] = true
			producer[step.Output] = i
		}
	}

	for name, i := range producer {
		if consumed[name] || def.Steps[i].Type() == schema.StepTypeExtractPageContent {
			continue
		}
		result.AddStepWarning(i, fmt.Sprintf("/steps/%d/output", i), schema.ErrCodeValidation,
			fmt.Sprintf("output %q is never referenced", name))
	}

	return result
}
