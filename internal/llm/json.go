package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON finds the first complete JSON object or array in a model reply,
// tolerating surrounding prose and code fences, and decodes it into v.
func ExtractJSON(reply string, v any) error {
	trimmed := strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	start := strings.IndexAny(trimmed, "{[")
	if start == -1 {
		return fmt.Errorf("no JSON value found in response")
	}
	opening, closing := trimmed[start], byte('}')
	if opening == '[' {
		closing = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(trimmed[start:i+1]), v); err != nil {
					return fmt.Errorf("parse extracted JSON: %w", err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("no matching closing bracket found")
}
