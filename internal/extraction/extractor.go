// Package extraction implements the structured-extraction capability: goal
// driven text extraction from page content and end-of-run synthesis of a
// value matching a caller-supplied JSON Schema.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/browseflow/internal/llm"
	"github.com/rendis/browseflow/pkg/schema"
)

// Extractor is the structured-extraction capability.
type Extractor interface {
	// Extract returns the part of content relevant to goal, as text.
	Extract(ctx context.Context, goal, content string) (string, error)
	// Synthesize returns a JSON value derived from content that is meant to
	// conform to shape. Failures carry code SCHEMA_MISMATCH.
	Synthesize(ctx context.Context, shape json.RawMessage, content string) (json.RawMessage, error)
}

// MaxContentChars caps how much page text is sent in one prompt.
const MaxContentChars = 60000

const extractSystem = `You extract information from web page text.
Reply with only the extracted information as plain text. Do not add commentary.
If the page does not contain the requested information, reply with an empty string.`

const synthesizeSystem = `You convert collected web page content into JSON.
Reply with a single JSON value that conforms exactly to the given JSON Schema.
Do not wrap it in prose.`

// LLMExtractor implements Extractor on top of an llm.Provider.
type LLMExtractor struct {
	provider llm.Provider
}

// NewLLMExtractor creates an extractor backed by provider.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{provider: provider}
}

func (e *LLMExtractor) Extract(ctx context.Context, goal, content string) (string, error) {
	user := fmt.Sprintf("Goal: %s\n\nPage content:\n%s", goal, truncate(content))
	reply, err := e.provider.Complete(ctx, extractSystem, user)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeActionFailed, "extract: "+err.Error()).WithCause(err)
	}
	return strings.TrimSpace(reply), nil
}

func (e *LLMExtractor) Synthesize(ctx context.Context, shape json.RawMessage, content string) (json.RawMessage, error) {
	user := fmt.Sprintf("JSON Schema:\n%s\n\nContent:\n%s", string(shape), truncate(content))
	reply, err := e.provider.Complete(ctx, synthesizeSystem, user)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchemaMismatch, "synthesize: "+err.Error()).WithCause(err)
	}

	var v any
	if err := llm.ExtractJSON(reply, &v); err != nil {
		return nil, schema.NewError(schema.ErrCodeSchemaMismatch, "reply is not JSON").
			WithDetails(map[string]any{"reply": reply}).
			WithCause(err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchemaMismatch, "re-encode reply").WithCause(err)
	}
	return out, nil
}

func truncate(s string) string {
	if len(s) <= MaxContentChars {
		return s
	}
	return s[:MaxContentChars] + "\n[truncated]"
}
