package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// WorkflowDefinition is the JSON-serializable workflow format produced by the
// workflow generator and replayed by the engine. It is treated as immutable
// once a run starts.
type WorkflowDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	InputSchema []InputField   `json:"input_schema,omitempty"`
}

// InputField declares one named run input.
type InputField struct {
	Name     string    `json:"name"`
	Type     InputType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// InputType enumerates the recognized input value types.
type InputType string

const (
	InputTypeString  InputType = "string"
	InputTypeNumber  InputType = "number"
	InputTypeBoolean InputType = "boolean"
)

// Valid reports whether t is one of the recognized input types.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeString, InputTypeNumber, InputTypeBoolean:
		return true
	}
	return false
}

// StepType discriminates the WorkflowStep variant.
type StepType string

const (
	StepTypeNavigation         StepType = "navigation"
	StepTypeClick              StepType = "click"
	StepTypeInput              StepType = "input"
	StepTypeSelectChange       StepType = "select_change"
	StepTypeKeyPress           StepType = "key_press"
	StepTypeScroll             StepType = "scroll"
	StepTypeExtractPageContent StepType = "extract_page_content"
	StepTypeAgent              StepType = "agent"
)

// Deterministic reports whether steps of this type run directly against the
// browser driver (as opposed to being delegated to the agent).
func (t StepType) Deterministic() bool {
	return t != StepTypeAgent && t != ""
}

// WorkflowStep is a single step of a workflow: the common fields plus exactly
// one variant-specific parameter set.
type WorkflowStep struct {
	Description string `json:"description,omitempty"`
	Output      string `json:"output,omitempty"`
	NonFatal    bool   `json:"non_fatal,omitempty"`

	// Params holds the variant. Its concrete type determines Type().
	Params StepParams `json:"-"`
}

// Type returns the step's discriminator, or "" if Params is unset.
func (s WorkflowStep) Type() StepType {
	if s.Params == nil {
		return ""
	}
	return s.Params.StepType()
}

// StepParams is the closed set of step variants. The unexported method keeps
// the set sealed to this package.
type StepParams interface {
	StepType() StepType
	sealed()
}

// SelectorSet locates a target element. CSSSelector is tried first and XPath
// is the fallback locator; the recorder captures both because the DOM drifts
// between recording and replay.
type SelectorSet struct {
	CSSSelector string `json:"cssSelector,omitempty"`
	XPath       string `json:"xpath,omitempty"`
	ElementTag  string `json:"elementTag,omitempty"`
}

// Empty reports whether neither locator is set.
func (s SelectorSet) Empty() bool {
	return s.CSSSelector == "" && s.XPath == ""
}

// String renders the selector set for logs and agent prompts.
func (s SelectorSet) String() string {
	switch {
	case s.CSSSelector != "" && s.XPath != "":
		return fmt.Sprintf("css=%q xpath=%q", s.CSSSelector, s.XPath)
	case s.CSSSelector != "":
		return fmt.Sprintf("css=%q", s.CSSSelector)
	default:
		return fmt.Sprintf("xpath=%q", s.XPath)
	}
}

type NavigationParams struct {
	URL string `json:"url"`
}

type ClickParams struct {
	SelectorSet
}

type InputParams struct {
	SelectorSet
	Value string `json:"value"`
}

type SelectChangeParams struct {
	SelectorSet
	SelectedText string `json:"selectedText"`
}

type KeyPressParams struct {
	SelectorSet
	Key string `json:"key"`
}

type ScrollParams struct {
	ScrollX int `json:"scrollX"`
	ScrollY int `json:"scrollY"`
}

type ExtractPageContentParams struct {
	Goal string `json:"goal"`
}

// AgentParams delegates a natural-language task to the agent capability.
// MaxSteps of 0 means the engine default.
type AgentParams struct {
	Task     string `json:"task"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

func (NavigationParams) StepType() StepType         { return StepTypeNavigation }
func (ClickParams) StepType() StepType              { return StepTypeClick }
func (InputParams) StepType() StepType              { return StepTypeInput }
func (SelectChangeParams) StepType() StepType       { return StepTypeSelectChange }
func (KeyPressParams) StepType() StepType           { return StepTypeKeyPress }
func (ScrollParams) StepType() StepType             { return StepTypeScroll }
func (ExtractPageContentParams) StepType() StepType { return StepTypeExtractPageContent }
func (AgentParams) StepType() StepType              { return StepTypeAgent }

func (NavigationParams) sealed()         {}
func (ClickParams) sealed()              {}
func (InputParams) sealed()              {}
func (SelectChangeParams) sealed()       {}
func (KeyPressParams) sealed()           {}
func (ScrollParams) sealed()             {}
func (ExtractPageContentParams) sealed() {}
func (AgentParams) sealed()              {}

// commonStepFields are the keys shared by every variant.
var commonStepFields = map[string]bool{
	"type":        true,
	"description": true,
	"output":      true,
	"non_fatal":   true,
}

// newStepParams returns a zero value of the variant for t.
func newStepParams(t StepType) (StepParams, error) {
	switch t {
	case StepTypeNavigation:
		return &NavigationParams{}, nil
	case StepTypeClick:
		return &ClickParams{}, nil
	case StepTypeInput:
		return &InputParams{}, nil
	case StepTypeSelectChange:
		return &SelectChangeParams{}, nil
	case StepTypeKeyPress:
		return &KeyPressParams{}, nil
	case StepTypeScroll:
		return &ScrollParams{}, nil
	case StepTypeExtractPageContent:
		return &ExtractPageContentParams{}, nil
	case StepTypeAgent:
		return &AgentParams{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
}

// deref turns the pointer produced by newStepParams back into a value so that
// type switches over StepParams only ever see value types.
func deref(p StepParams) StepParams {
	switch v := p.(type) {
	case *NavigationParams:
		return *v
	case *ClickParams:
		return *v
	case *InputParams:
		return *v
	case *SelectChangeParams:
		return *v
	case *KeyPressParams:
		return *v
	case *ScrollParams:
		return *v
	case *ExtractPageContentParams:
		return *v
	case *AgentParams:
		return *v
	}
	return p
}

// UnmarshalJSON decodes a flat step object. Fields not belonging to the
// step's variant are rejected.
func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var t StepType
	typeRaw, ok := raw["type"]
	if !ok {
		return fmt.Errorf("step is missing \"type\"")
	}
	if err := json.Unmarshal(typeRaw, &t); err != nil {
		return fmt.Errorf("step type: %w", err)
	}

	params, err := newStepParams(t)
	if err != nil {
		return err
	}

	var common struct {
		Description string `json:"description"`
		Output      string `json:"output"`
		NonFatal    bool   `json:"non_fatal"`
	}
	if err := json.Unmarshal(data, &common); err != nil {
		return fmt.Errorf("step %s: %w", t, err)
	}

	variant := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if !commonStepFields[k] {
			variant[k] = v
		}
	}
	variantJSON, err := json.Marshal(variant)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(variantJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("step %s: %w", t, err)
	}

	s.Description = common.Description
	s.Output = common.Output
	s.NonFatal = common.NonFatal
	s.Params = deref(params)
	return nil
}

// MarshalJSON encodes the step as a single flat object with its type tag.
func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	if s.Params == nil {
		return nil, fmt.Errorf("step has no params")
	}
	variantJSON, err := json.Marshal(s.Params)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(variantJSON, &out); err != nil {
		return nil, err
	}
	put := func(key string, v any) {
		b, _ := json.Marshal(v)
		out[key] = b
	}
	put("type", s.Params.StepType())
	if s.Description != "" {
		put("description", s.Description)
	}
	if s.Output != "" {
		put("output", s.Output)
	}
	if s.NonFatal {
		put("non_fatal", true)
	}

	// Stable key order keeps stored definitions diffable.
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(out[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Selectors returns the selector set of a deterministic element-targeting
// step and whether it has one.
func Selectors(p StepParams) (SelectorSet, bool) {
	switch v := p.(type) {
	case ClickParams:
		return v.SelectorSet, true
	case InputParams:
		return v.SelectorSet, true
	case SelectChangeParams:
		return v.SelectorSet, true
	case KeyPressParams:
		return v.SelectorSet, true
	}
	return SelectorSet{}, false
}
