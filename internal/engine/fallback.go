package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/browseflow/internal/agent"
	"github.com/rendis/browseflow/pkg/schema"
)

// DefaultFallbackMaxSteps bounds the agent budget of a fallback delegation.
const DefaultFallbackMaxSteps = 10

// fallback delegates a failed deterministic step to the agent exactly once.
// The agent's outcome becomes the step's terminal result.
func (e *Executor) fallback(ctx context.Context, r *run, i int, step schema.WorkflowStep, cause *schema.FlowError) (string, *schema.FlowError) {
	e.logger.InfoContext(ctx, "attempting agent fallback", slog.String("cause", cause.Code))

	result, err := e.agent.Run(ctx, agent.Task{
		Instruction: FallbackInstruction(step, cause),
		MaxSteps:    e.cfg.FallbackMaxSteps,
		OnAction:    e.actionObserver(ctx, r.task, i, schema.SourceFallback),
	}, r.session)
	if err == nil {
		return result.Content, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", cancelledError(i, ctxErr)
	}
	fe := schema.AsFlowError(err, schema.ErrCodeAgentFailed)
	return "", schema.NewErrorf(schema.ErrCodeFallbackFailed, "fallback failed: %s", fe.Message).
		WithStep(i).
		WithDetails(map[string]any{
			"original_error": cause.Error(),
			"fallback_code":  fe.Code,
		}).
		WithCause(err)
}

// FallbackInstruction builds the agent task for recovering a failed
// deterministic step. It names only that step's objective.
func FallbackInstruction(step schema.WorkflowStep, cause *schema.FlowError) string {
	var b strings.Builder
	b.WriteString("A recorded browser action failed and must be completed another way.\n")
	if step.Description != "" {
		fmt.Fprintf(&b, "Objective: %s\n", step.Description)
	}
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		fmt.Fprintf(&b, "Action: open the page %s\n", p.URL)
	case schema.ClickParams:
		fmt.Fprintf(&b, "Action: click the element %s\n", target(p.SelectorSet))
	case schema.InputParams:
		fmt.Fprintf(&b, "Action: enter the text %q into the element %s\n", p.Value, target(p.SelectorSet))
	case schema.SelectChangeParams:
		fmt.Fprintf(&b, "Action: choose the option %q in the element %s\n", p.SelectedText, target(p.SelectorSet))
	case schema.KeyPressParams:
		fmt.Fprintf(&b, "Action: press the %s key on the element %s\n", p.Key, target(p.SelectorSet))
	case schema.ScrollParams:
		fmt.Fprintf(&b, "Action: scroll the page by x=%d y=%d\n", p.ScrollX, p.ScrollY)
	case schema.ExtractPageContentParams:
		fmt.Fprintf(&b, "Action: extract from the page: %s\n", p.Goal)
	}
	if cause != nil {
		fmt.Fprintf(&b, "The original attempt failed with: %s\n", cause.Message)
	}
	b.WriteString("Use a different approach to accomplish only this objective. ")
	b.WriteString("Do not perform any other action of the workflow, and call done as soon as the objective is met.")
	return b.String()
}

func target(sel schema.SelectorSet) string {
	s := sel.String()
	if sel.ElementTag != "" {
		s += fmt.Sprintf(" (a <%s> element)", sel.ElementTag)
	}
	return s
}
