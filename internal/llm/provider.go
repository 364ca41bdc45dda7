// Package llm wraps the chat-completion providers used by the agent and the
// structured-extraction capability.
package llm

import (
	"context"
	"fmt"
	"os"
)

// Provider sends one system + user prompt pair and returns the text reply.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// NewProvider creates a provider by name. An empty apiKey falls back to the
// BROWSEFLOW_<PROVIDER>_KEY and vendor environment variables.
func NewProvider(name, model, apiKey string) (Provider, error) {
	switch name {
	case "claude", "anthropic", "":
		if apiKey == "" {
			apiKey = firstEnv("BROWSEFLOW_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("BROWSEFLOW_ANTHROPIC_KEY or ANTHROPIC_API_KEY environment variable required")
		}
		return NewClaudeProvider(apiKey, model), nil
	case "openai", "gpt":
		if apiKey == "" {
			apiKey = firstEnv("BROWSEFLOW_OPENAI_KEY", "OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("BROWSEFLOW_OPENAI_KEY or OPENAI_API_KEY environment variable required")
		}
		return NewOpenAIProvider(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: claude, openai)", name)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
