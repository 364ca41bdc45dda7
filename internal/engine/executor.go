package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/browseflow/internal/agent"
	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/internal/expressions"
	"github.com/rendis/browseflow/internal/extraction"
	"github.com/rendis/browseflow/internal/logging"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/schema"
)

// Executor drives a single run: steps in strict order against one session,
// with at most one fallback delegation per failed deterministic step.
type Executor struct {
	agent     agent.Agent
	extractor extraction.Extractor
	validator validation.Validator
	steps     *StepFSM
	cfg       Config
	logger    *slog.Logger
}

// NewExecutor creates an Executor. cfg zero values fall back to defaults.
func NewExecutor(ag agent.Agent, ex extraction.Extractor, v validation.Validator, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		agent:     ag,
		extractor: ex,
		validator: v,
		steps:     NewStepFSM(),
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// run bundles the per-run state the step handlers need.
type run struct {
	task    *Task
	session browser.Session
	values  *ExecutionContext
}

// Execute runs every step of t's definition and returns the terminal status
// the run reached: completed, failed (with the aborting error) or cancelled.
// Step results are appended to t as each step finishes.
func (e *Executor) Execute(ctx context.Context, t *Task, session browser.Session) (schema.TaskStatus, *schema.FlowError) {
	r := &run{task: t, session: session, values: NewExecutionContext(t.inputs)}

	for i, step := range t.def.Steps {
		if err := ctx.Err(); err != nil {
			return schema.TaskStatusCancelled, cancelledError(i, err)
		}

		res, ferr := e.executeStep(logging.WithStepIndex(ctx, i), r, i, step)
		t.appendResult(res)
		if ferr == nil {
			continue
		}
		if ferr.Code == schema.ErrCodeCancelled {
			return schema.TaskStatusCancelled, ferr
		}
		if step.NonFatal {
			if step.Output != "" {
				r.values.Delete(step.Output)
			}
			e.note(ctx, t, i, schema.EventStepNonFatalSkipped,
				"step failed but is non_fatal; continuing", map[string]any{"code": ferr.Code})
			e.logger.WarnContext(logging.WithStepIndex(ctx, i), "non-fatal step failed", slog.String("error", ferr.Error()))
			continue
		}
		return schema.TaskStatusFailed, ferr
	}
	// A cancel that lands while the last step is in flight still wins.
	if err := ctx.Err(); err != nil {
		return schema.TaskStatusCancelled, cancelledError(max(len(t.def.Steps)-1, 0), err)
	}
	return schema.TaskStatusCompleted, nil
}

// executeStep walks one step through pending → resolving → dispatched →
// {succeeded | fallback_attempted → … | failed}.
func (e *Executor) executeStep(ctx context.Context, r *run, i int, step schema.WorkflowStep) (schema.ActionResult, *schema.FlowError) {
	start := time.Now()
	t := r.task
	kind := step.Params.StepType()
	res := schema.ActionResult{StepIndex: i, StepType: kind, Source: schema.SourcePrimary}

	state := schema.StepStatusPending
	move := func(to schema.StepStatus, msg string, data map[string]any) {
		if err := e.steps.Transition(ctx, t.log, t.id, i, state, to, msg, data); err != nil {
			e.logger.ErrorContext(ctx, "step transition rejected", slog.String("error", err.Error()))
			return
		}
		state = to
	}
	fail := func(fe *schema.FlowError) (schema.ActionResult, *schema.FlowError) {
		move(schema.StepStatusFailed, fe.Message, map[string]any{"code": fe.Code})
		res.Success = false
		res.Error = fe.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res, fe
	}

	move(schema.StepStatusResolving, describe(step), map[string]any{"type": string(kind)})
	resolved, err := expressions.ResolveStep(step, r.values)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodePlaceholder)
		return fail(schema.NewError(fe.Code, fe.Message).WithStep(i).WithDetails(fe.Details).WithCause(err))
	}

	move(schema.StepStatusDispatched, describe(resolved), nil)
	content, err := e.dispatch(ctx, r, i, resolved)
	if err == nil {
		return e.succeed(ctx, r, i, step, &res, content, start, move)
	}

	// The raw failure is recorded before any recovery is attempted.
	fe := stepError(err, i, kind)
	e.note(ctx, t, i, schema.EventStepError, err.Error(), errorData(err))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fail(cancelledError(i, ctxErr))
	}
	if !kind.Deterministic() || !t.allowFallback {
		return fail(fe)
	}

	move(schema.StepStatusFallbackAttempted, "delegating to agent: "+fe.Message, map[string]any{"code": fe.Code})
	res.Source = schema.SourceFallback
	content, fbErr := e.fallback(ctx, r, i, resolved, fe)
	if fbErr != nil {
		return fail(fbErr)
	}
	return e.succeed(ctx, r, i, step, &res, content, start, move)
}

func (e *Executor) succeed(ctx context.Context, r *run, i int, step schema.WorkflowStep, res *schema.ActionResult, content string,
	start time.Time, move func(schema.StepStatus, string, map[string]any)) (schema.ActionResult, *schema.FlowError) {
	move(schema.StepStatusSucceeded, "step succeeded", map[string]any{"source": string(res.Source)})
	res.Success = true
	res.ExtractedContent = content
	res.DurationMs = time.Since(start).Milliseconds()

	if step.Output != "" {
		r.values.Set(step.Output, content)
		e.note(ctx, r.task, i, schema.EventStepOutputSet, "set "+step.Output, map[string]any{"key": step.Output})
	}
	return *res, nil
}

// dispatch invokes the capability for the step kind and returns the step's
// content. Deterministic kinds produce no content.
func (e *Executor) dispatch(ctx context.Context, r *run, i int, step schema.WorkflowStep) (string, error) {
	s := r.session
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		return "", s.Navigate(ctx, p.URL)
	case schema.ClickParams:
		return "", s.Click(ctx, p.SelectorSet)
	case schema.InputParams:
		return "", s.Type(ctx, p.SelectorSet, p.Value)
	case schema.SelectChangeParams:
		return "", s.SelectOption(ctx, p.SelectorSet, p.SelectedText)
	case schema.KeyPressParams:
		return "", s.KeyPress(ctx, p.SelectorSet, p.Key)
	case schema.ScrollParams:
		return "", s.Scroll(ctx, p.ScrollX, p.ScrollY)
	case schema.ExtractPageContentParams:
		text, err := s.PageText(ctx)
		if err != nil {
			return "", err
		}
		return e.extractor.Extract(ctx, p.Goal, text)
	case schema.AgentParams:
		maxSteps := p.MaxSteps
		if maxSteps <= 0 {
			maxSteps = e.cfg.DefaultMaxSteps
		}
		result, err := e.agent.Run(ctx, agent.Task{
			Instruction: p.Task,
			MaxSteps:    maxSteps,
			OnAction:    e.actionObserver(ctx, r.task, i, schema.SourcePrimary),
		}, s)
		if err != nil {
			return "", err
		}
		return result.Content, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported step type %T", step.Params)
	}
}

// actionObserver mirrors every agent action into the task log.
func (e *Executor) actionObserver(ctx context.Context, t *Task, i int, src schema.ResultSource) func(agent.Record) {
	return func(rec agent.Record) {
		data := map[string]any{"step": rec.Step, "action": string(rec.Action.Action), "source": string(src)}
		if rec.Error != "" {
			data["error"] = rec.Error
		}
		e.note(ctx, t, i, schema.EventAgentAction, fmt.Sprintf("agent %s", rec.Action.Action), data)
	}
}

// note appends a non-transition entry to the task log.
func (e *Executor) note(ctx context.Context, t *Task, i int, kind, msg string, data map[string]any) {
	idx := i
	entry := &schema.LogEntry{StepIndex: &idx, Kind: kind, Message: msg, Data: data}
	if err := t.log.Append(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "append log entry", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// stepError maps a capability failure onto the run's error vocabulary.
// Agent budget exhaustion keeps its own code; everything else is an
// ACTION_EXECUTION_ERROR carrying the capability error as cause.
func stepError(err error, i int, kind schema.StepType) *schema.FlowError {
	fe := schema.AsFlowError(err, schema.ErrCodeActionFailed)
	switch fe.Code {
	case schema.ErrCodeAgentExhausted, schema.ErrCodeCancelled:
		return schema.NewError(fe.Code, fe.Message).WithStep(i).WithDetails(fe.Details).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeActionExecution, "%s step failed: %s", kind, fe.Message).
		WithStep(i).
		WithDetails(map[string]any{"cause_code": fe.Code}).
		WithCause(err)
}

func cancelledError(i int, cause error) *schema.FlowError {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(i).WithCause(cause)
}

func errorData(err error) map[string]any {
	if fe := schema.AsFlowError(err, schema.ErrCodeActionFailed); fe != nil {
		return map[string]any{"code": fe.Code}
	}
	return nil
}

// describe renders a one-line summary of a step for log messages.
func describe(step schema.WorkflowStep) string {
	if step.Description != "" {
		return step.Description
	}
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		return "navigate to " + p.URL
	case schema.ClickParams:
		return "click " + p.SelectorSet.String()
	case schema.InputParams:
		return "type into " + p.SelectorSet.String()
	case schema.SelectChangeParams:
		return fmt.Sprintf("select %q in %s", p.SelectedText, p.SelectorSet)
	case schema.KeyPressParams:
		return fmt.Sprintf("press %s on %s", p.Key, p.SelectorSet)
	case schema.ScrollParams:
		return fmt.Sprintf("scroll by (%d, %d)", p.ScrollX, p.ScrollY)
	case schema.ExtractPageContentParams:
		return "extract: " + p.Goal
	case schema.AgentParams:
		return "agent: " + p.Task
	}
	return string(step.Params.StepType())
}
