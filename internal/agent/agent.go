// Package agent implements the agent capability: an LLM-driven loop that
// accomplishes a natural-language task against a live browser session using
// a fixed action vocabulary.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/internal/extraction"
	"github.com/rendis/browseflow/internal/llm"
	"github.com/rendis/browseflow/pkg/schema"
)

// DefaultMaxSteps is the action budget when a task does not set one.
const DefaultMaxSteps = 25

// ActionType is one verb of the agent vocabulary.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionSelect   ActionType = "select"
	ActionScroll   ActionType = "scroll"
	ActionExtract  ActionType = "extract"
	ActionDone     ActionType = "done"
)

// Vocabulary lists the actions granted to the agent, in prompt order.
var Vocabulary = []ActionType{
	ActionNavigate, ActionClick, ActionTypeText, ActionSelect, ActionScroll, ActionExtract, ActionDone,
}

// Action is one decision returned by the model.
type Action struct {
	Action   ActionType `json:"action"`
	URL      string     `json:"url,omitempty"`
	Index    *int       `json:"index,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
	DX       int        `json:"dx,omitempty"`
	DY       int        `json:"dy,omitempty"`
	Goal     string     `json:"goal,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Record is an executed action and its outcome.
type Record struct {
	Step   int    `json:"step"`
	Action Action `json:"action"`
	Error  string `json:"error,omitempty"`
	Output string `json:"output,omitempty"`
}

// Task is one delegation to the agent.
type Task struct {
	Instruction string
	MaxSteps    int

	// OnAction, if set, is called after every executed action.
	OnAction func(Record)
}

// Result summarizes a finished agent run.
type Result struct {
	Done       bool
	Content    string // extracted content and the final done text
	StepsTaken int
	History    []Record
}

// Agent is the agent capability.
type Agent interface {
	Run(ctx context.Context, task Task, session browser.Session) (*Result, error)
}

// LLMAgent drives the loop with an llm.Provider. The extractor is optional;
// without one, extract returns raw page text.
type LLMAgent struct {
	provider  llm.Provider
	extractor extraction.Extractor
}

// New creates an LLMAgent.
func New(provider llm.Provider, extractor extraction.Extractor) *LLMAgent {
	return &LLMAgent{provider: provider, extractor: extractor}
}

// Run executes the loop until the model says done or the budget is spent.
// The context is checked before every action. Action failures are fed back
// to the model rather than aborting; provider failures abort with
// AGENT_FAILED and an exhausted budget returns AGENT_EXHAUSTED along with the
// partial result.
func (a *LLMAgent) Run(ctx context.Context, task Task, session browser.Session) (*Result, error) {
	maxSteps := task.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	res := &Result{}
	var content []string

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "agent interrupted").WithCause(err)
		}

		obs, err := session.Observe(ctx)
		if err != nil {
			obs = &browser.Observation{}
		}

		reply, err := a.provider.Complete(ctx, systemPrompt(), userPrompt(task.Instruction, obs, res.History, maxSteps-step))
		if err != nil {
			if ctx.Err() != nil {
				return res, schema.NewError(schema.ErrCodeCancelled, "agent interrupted").WithCause(ctx.Err())
			}
			return res, schema.NewError(schema.ErrCodeAgentFailed, "model call failed: "+err.Error()).WithCause(err)
		}

		var act Action
		rec := Record{Step: step}
		if err := llm.ExtractJSON(reply, &act); err != nil {
			rec.Error = "unparseable action: " + err.Error()
			res.History = append(res.History, rec)
			res.StepsTaken++
			notify(task, rec)
			continue
		}
		rec.Action = act

		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "agent interrupted").WithCause(err)
		}

		out, done, err := a.execute(ctx, act, obs, session)
		res.StepsTaken++
		if err != nil {
			rec.Error = err.Error()
		}
		rec.Output = out
		res.History = append(res.History, rec)
		notify(task, rec)

		if out != "" && (act.Action == ActionExtract || act.Action == ActionDone) {
			content = append(content, out)
		}
		if done {
			res.Content = strings.Join(content, "\n")
			if act.Success != nil && !*act.Success {
				return res, schema.NewErrorf(schema.ErrCodeAgentFailed, "agent gave up: %s", act.Reason)
			}
			res.Done = true
			return res, nil
		}
	}

	res.Content = strings.Join(content, "\n")
	return res, schema.NewErrorf(schema.ErrCodeAgentExhausted,
		"task not completed within %d steps", maxSteps).
		WithDetails(map[string]any{"max_steps": maxSteps, "steps_taken": res.StepsTaken})
}

func notify(task Task, rec Record) {
	if task.OnAction != nil {
		task.OnAction(rec)
	}
}

// execute performs one action. It returns the action's textual output and
// whether the action ends the loop.
func (a *LLMAgent) execute(ctx context.Context, act Action, obs *browser.Observation, s browser.Session) (string, bool, error) {
	switch act.Action {
	case ActionNavigate:
		if act.URL == "" {
			return "", false, fmt.Errorf("navigate requires url")
		}
		return "", false, s.Navigate(ctx, act.URL)

	case ActionClick:
		sel, err := target(act, obs)
		if err != nil {
			return "", false, err
		}
		return "", false, s.Click(ctx, sel)

	case ActionTypeText:
		sel, err := target(act, obs)
		if err != nil {
			return "", false, err
		}
		return "", false, s.Type(ctx, sel, act.Text)

	case ActionSelect:
		sel, err := target(act, obs)
		if err != nil {
			return "", false, err
		}
		return "", false, s.SelectOption(ctx, sel, act.Text)

	case ActionScroll:
		dy := act.DY
		if act.DX == 0 && dy == 0 {
			dy = 600
		}
		return "", false, s.Scroll(ctx, act.DX, dy)

	case ActionExtract:
		text, err := s.PageText(ctx)
		if err != nil {
			return "", false, err
		}
		if a.extractor == nil || act.Goal == "" {
			return text, false, nil
		}
		out, err := a.extractor.Extract(ctx, act.Goal, text)
		return out, false, err

	case ActionDone:
		return act.Text, true, nil
	}
	return "", false, fmt.Errorf("unknown action %q", act.Action)
}

// target resolves an action's element reference: an observation index wins
// over a raw selector.
func target(act Action, obs *browser.Observation) (schema.SelectorSet, error) {
	if act.Index != nil {
		for _, el := range obs.Elements {
			if el.Index == *act.Index {
				return schema.SelectorSet{CSSSelector: el.Selector}, nil
			}
		}
		return schema.SelectorSet{}, fmt.Errorf("no element with index %d", *act.Index)
	}
	if act.Selector == "" {
		return schema.SelectorSet{}, fmt.Errorf("%s requires index or selector", act.Action)
	}
	if strings.HasPrefix(act.Selector, "/") {
		return schema.SelectorSet{XPath: act.Selector}, nil
	}
	return schema.SelectorSet{CSSSelector: act.Selector}, nil
}

func systemPrompt() string {
	names := make([]string, len(Vocabulary))
	for i, v := range Vocabulary {
		names[i] = string(v)
	}
	return `You control a web browser to accomplish a task.
Each turn you receive the current page (url, title, numbered interactive elements) and the actions taken so far.
Reply with exactly one JSON object describing the next action. Allowed actions: ` + strings.Join(names, ", ") + `.
  {"action":"navigate","url":"..."}
  {"action":"click","index":N}            (or "selector":"css or /xpath")
  {"action":"type","index":N,"text":"..."}
  {"action":"select","index":N,"text":"visible option text"}
  {"action":"scroll","dx":0,"dy":600}
  {"action":"extract","goal":"what to read from the page"}
  {"action":"done","success":true,"text":"result or summary"}
Stop with done as soon as the task is accomplished. If it cannot be accomplished, reply done with success false and a reason.`
}

func userPrompt(instruction string, obs *browser.Observation, history []Record, remaining int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nSteps remaining: %d\n\n", instruction, remaining)
	fmt.Fprintf(&b, "Current page: %s (%s)\nElements:\n", obs.URL, obs.Title)
	for _, el := range obs.Elements {
		fmt.Fprintf(&b, "  [%d] <%s> %s\n", el.Index, el.Tag, el.Text)
	}
	if len(history) > 0 {
		b.WriteString("\nActions so far:\n")
		for _, r := range history {
			a, _ := json.Marshal(r.Action)
			fmt.Fprintf(&b, "  %d. %s", r.Step+1, a)
			if r.Error != "" {
				fmt.Fprintf(&b, " -> error: %s", r.Error)
			} else if r.Output != "" {
				fmt.Fprintf(&b, " -> %s", abbreviate(r.Output, 300))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// abbreviate keeps at most n runes of s.
func abbreviate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
