package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/browseflow/pkg/schema"
)

// Lookup is the read side of a run's execution context.
type Lookup interface {
	Get(name string) (any, bool)
}

// MapLookup adapts a plain map to Lookup.
type MapLookup map[string]any

func (m MapLookup) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Placeholder is one {{name}} token found in a string.
type Placeholder struct {
	Name  string
	Start int // byte offset of "{{"
	End   int // byte offset just past "}}"
}

// FindPlaceholders scans s for {{name}} tokens. Whitespace inside the braces
// is allowed. A token that is unclosed or whose body is not an identifier
// is a PLACEHOLDER_ERROR.
func FindPlaceholders(s string) ([]Placeholder, error) {
	var out []Placeholder
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx
		bodyStart := start + 2

		end := strings.Index(s[bodyStart:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodePlaceholder, "unclosed {{ at offset %d", start)
		}
		end += bodyStart

		name := strings.TrimSpace(s[bodyStart:end])
		if strings.Contains(name, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodePlaceholder, "nested placeholder at offset %d", start)
		}
		if !IsIdentifier(name) {
			return nil, schema.NewErrorf(schema.ErrCodePlaceholder,
				"invalid placeholder %q: expected {{identifier}}", s[start:end+2]).
				WithDetails(map[string]any{"token": s[start : end+2]})
		}

		out = append(out, Placeholder{Name: name, Start: start, End: end + 2})
		i = end + 2
	}
	return out, nil
}

// IsIdentifier reports whether s matches [A-Za-z_][A-Za-z0-9_]*.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Interpolate replaces every {{name}} token in s with the string form of the
// named value. A name absent from lookup fails loudly; it is never replaced
// with the empty string.
func Interpolate(s string, lookup Lookup) (string, error) {
	tokens, err := FindPlaceholders(s)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, tok := range tokens {
		val, ok := lookup.Get(tok.Name)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodePlaceholder,
				"placeholder {{%s}} has no value in the execution context", tok.Name).
				WithDetails(map[string]any{"name": tok.Name})
		}
		b.WriteString(s[prev:tok.Start])
		b.WriteString(Stringify(val))
		prev = tok.End
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

// Stringify renders a context value the way it is substituted into step
// parameters: strings verbatim, numbers without exponent, booleans as
// true/false and structured values as compact JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Field is one interpolatable string of a step, addressed by its JSON name.
type Field struct {
	Name  string
	Value string
}

// StepFields lists the string fields of a step that may carry placeholders.
func StepFields(step schema.WorkflowStep) []Field {
	fields := []Field{{Name: "description", Value: step.Description}}
	sel := func(s schema.SelectorSet) []Field {
		return []Field{
			{Name: "cssSelector", Value: s.CSSSelector},
			{Name: "xpath", Value: s.XPath},
		}
	}
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		fields = append(fields, Field{Name: "url", Value: p.URL})
	case schema.ClickParams:
		fields = append(fields, sel(p.SelectorSet)...)
	case schema.InputParams:
		fields = append(fields, sel(p.SelectorSet)...)
		fields = append(fields, Field{Name: "value", Value: p.Value})
	case schema.SelectChangeParams:
		fields = append(fields, sel(p.SelectorSet)...)
		fields = append(fields, Field{Name: "selectedText", Value: p.SelectedText})
	case schema.KeyPressParams:
		fields = append(fields, sel(p.SelectorSet)...)
		fields = append(fields, Field{Name: "key", Value: p.Key})
	case schema.ScrollParams:
	case schema.ExtractPageContentParams:
		fields = append(fields, Field{Name: "goal", Value: p.Goal})
	case schema.AgentParams:
		fields = append(fields, Field{Name: "task", Value: p.Task})
	}
	return fields
}

// ResolveStep returns a copy of step with every placeholder substituted from
// lookup. The input step is not modified.
func ResolveStep(step schema.WorkflowStep, lookup Lookup) (schema.WorkflowStep, error) {
	var firstErr error
	r := func(field, s string) string {
		if firstErr != nil {
			return s
		}
		out, err := Interpolate(s, lookup)
		if err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodePlaceholder)
			if fe.Details == nil {
				fe.Details = map[string]any{}
			}
			fe.Details["field"] = field
			firstErr = fe
			return s
		}
		return out
	}
	sel := func(s schema.SelectorSet) schema.SelectorSet {
		s.CSSSelector = r("cssSelector", s.CSSSelector)
		s.XPath = r("xpath", s.XPath)
		return s
	}

	out := step
	out.Description = r("description", step.Description)
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		p.URL = r("url", p.URL)
		out.Params = p
	case schema.ClickParams:
		p.SelectorSet = sel(p.SelectorSet)
		out.Params = p
	case schema.InputParams:
		p.SelectorSet = sel(p.SelectorSet)
		p.Value = r("value", p.Value)
		out.Params = p
	case schema.SelectChangeParams:
		p.SelectorSet = sel(p.SelectorSet)
		p.SelectedText = r("selectedText", p.SelectedText)
		out.Params = p
	case schema.KeyPressParams:
		p.SelectorSet = sel(p.SelectorSet)
		p.Key = r("key", p.Key)
		out.Params = p
	case schema.ScrollParams:
		out.Params = p
	case schema.ExtractPageContentParams:
		p.Goal = r("goal", p.Goal)
		out.Params = p
	case schema.AgentParams:
		p.Task = r("task", p.Task)
		out.Params = p
	}
	if firstErr != nil {
		return step, firstErr
	}
	return out, nil
}

// Names returns the sorted, de-duplicated placeholder names in a step.
func Names(step schema.WorkflowStep) ([]string, error) {
	seen := map[string]bool{}
	for _, f := range StepFields(step) {
		tokens, err := FindPlaceholders(f.Value)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			seen[t.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
