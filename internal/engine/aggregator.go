package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/browseflow/pkg/schema"
)

// CollectContent joins the extracted content of successful results in step
// order.
func CollectContent(results []schema.ActionResult) string {
	var parts []string
	for _, r := range results {
		if r.Success && strings.TrimSpace(r.ExtractedContent) != "" {
			parts = append(parts, r.ExtractedContent)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Synthesize produces the task's structured output from the content
// gathered so far. Every failure is attached to the task as a
// STRUCTURED_OUTPUT_ERROR; the task status is never changed here.
func (e *Executor) Synthesize(ctx context.Context, t *Task) {
	if len(t.outputSchema) == 0 {
		return
	}
	raw, ferr := e.synthesize(ctx, t)
	if ferr != nil {
		t.setOutput(nil, ferr)
		e.noteTask(ctx, t, schema.EventOutputSynthesisError, ferr.Message, map[string]any{"code": ferr.Code})
		e.logger.WarnContext(ctx, "structured output failed", slog.String("error", ferr.Error()))
		return
	}
	t.setOutput(raw, nil)
	e.noteTask(ctx, t, schema.EventOutputSynthesized, "structured output synthesized", map[string]any{"bytes": len(raw)})
}

func (e *Executor) synthesize(ctx context.Context, t *Task) (json.RawMessage, *schema.FlowError) {
	content := CollectContent(t.resultsCopy())
	if content == "" {
		return nil, schema.NewError(schema.ErrCodeStructuredOutput, "no extracted content to build structured output from")
	}

	raw, err := e.extractor.Synthesize(ctx, t.outputSchema, content)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStructuredOutput,
			"structured extraction failed: "+schema.AsFlowError(err, schema.ErrCodeSchemaMismatch).Message).WithCause(err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, schema.NewError(schema.ErrCodeStructuredOutput, "structured output is not valid JSON").
			WithCause(schema.NewError(schema.ErrCodeSchemaMismatch, err.Error()).WithCause(err))
	}
	if err := e.validator.ValidateOutput(value, t.outputSchema); err != nil {
		return nil, schema.NewError(schema.ErrCodeStructuredOutput,
			"structured output does not match the requested shape: "+err.Error()).WithCause(err)
	}
	return raw, nil
}

// noteTask appends a task-level entry with no step index.
func (e *Executor) noteTask(ctx context.Context, t *Task, kind, msg string, data map[string]any) {
	entry := &schema.LogEntry{Kind: kind, Message: msg, Data: data}
	if err := t.log.Append(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "append log entry", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
