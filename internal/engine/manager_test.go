package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browseflow/internal/agent"
	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/internal/browser/browsertest"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/pkg/schema"
)

type harness struct {
	mgr      *TaskManager
	agent    *fakeAgent
	extract  *fakeExtractor
	launcher *browsertest.Launcher
	archive  *store.MemoryStore
}

func newHarness(t *testing.T, cfg Config, newSession func() *browsertest.Session) *harness {
	t.Helper()
	h := &harness{
		agent:    &fakeAgent{},
		extract:  &fakeExtractor{},
		launcher: &browsertest.Launcher{New: newSession},
		archive:  store.NewMemoryStore(),
	}
	mgr, err := NewTaskManager(Deps{
		Launcher:    h.launcher,
		Agent:       h.agent,
		Extractor:   h.extract,
		Validator:   newValidator(t),
		Definitions: h.archive,
		Archive:     h.archive,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	h.mgr = mgr
	return h
}

func (h *harness) runToEnd(t *testing.T, def *schema.WorkflowDefinition, inputs map[string]any, opts RunOptions) *schema.TaskSnapshot {
	t.Helper()
	id, err := h.mgr.Start(context.Background(), def, inputs, opts)
	require.NoError(t, err)
	return h.wait(t, id)
}

func (h *harness) wait(t *testing.T, id string) *schema.TaskSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := h.mgr.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func boolPtr(b bool) *bool { return &b }

func TestNewTaskManager_RequiresCapabilities(t *testing.T) {
	_, err := NewTaskManager(Deps{}, DefaultConfig())
	require.Error(t, err)
}

func TestTaskManager_FallbackRecoversBrokenSelector(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("Example Domain")
		s.Missing["#stale"] = true
		return s
	})
	def := &schema.WorkflowDefinition{Name: "example", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Description: "open more information", Params: schema.ClickParams{SelectorSet: css("#stale")}},
		{Params: schema.ExtractPageContentParams{Goal: "page title"}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{})

	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Nil(t, snap.Error)
	require.Len(t, snap.Results, 3)
	assert.Equal(t, schema.SourcePrimary, snap.Results[0].Source)
	assert.True(t, snap.Results[1].Success)
	assert.Equal(t, schema.SourceFallback, snap.Results[1].Source)
	assert.Equal(t, "page title: Example Domain", snap.Results[2].ExtractedContent)

	tasks := h.agent.Tasks()
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Instruction, "open more information")

	sessions := h.launcher.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, []string{"navigate", "click", "page_text"}, sessions[0].Ops())
	assert.True(t, sessions[0].Closed())
}

func TestTaskManager_MissingRequiredInputCreatesNoTask(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{
		Name:        "search",
		InputSchema: []schema.InputField{{Name: "query", Type: schema.InputTypeString, Required: true}},
		Steps: []schema.WorkflowStep{
			{Params: schema.InputParams{SelectorSet: css("#q"), Value: "{{query}}"}},
		},
	}

	id, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInput))
	assert.Empty(t, h.mgr.List())
	assert.Empty(t, h.launcher.Sessions())
}

func TestTaskManager_InvalidDefinitionRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{Name: "bad", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com/{{nowhere}}"}},
	}}

	_, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Empty(t, h.mgr.List())
}

func TestTaskManager_AgentExhaustionFailsTask(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.agent.respond = func(_ context.Context, task agent.Task, _ browser.Session) (*agent.Result, error) {
		return &agent.Result{StepsTaken: task.MaxSteps},
			schema.NewErrorf(schema.ErrCodeAgentExhausted, "no done after %d steps", task.MaxSteps)
	}
	def := &schema.WorkflowDefinition{Name: "agentic", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Params: schema.AgentParams{Task: "find the pricing page", MaxSteps: 5}},
		{Params: schema.ExtractPageContentParams{Goal: "prices"}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{})

	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeAgentExhausted, snap.Error.Code)
	require.NotNil(t, snap.Error.StepIndex)
	assert.Equal(t, 1, *snap.Error.StepIndex)
	assert.Len(t, snap.Results, 2, "the unreached extract step has no result")
	assert.False(t, snap.Results[1].Success)

	tasks := h.agent.Tasks()
	require.Len(t, tasks, 1, "agent steps never fall back")
	assert.Equal(t, 5, tasks[0].MaxSteps)
}

func TestTaskManager_FallbackRunsAtMostOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Missing["#gone"] = true
		return s
	})
	h.agent.respond = func(context.Context, agent.Task, browser.Session) (*agent.Result, error) {
		return nil, schema.NewError(schema.ErrCodeAgentFailed, "could not find it either")
	}
	def := &schema.WorkflowDefinition{Name: "f", Steps: []schema.WorkflowStep{
		{Params: schema.ClickParams{SelectorSet: css("#gone")}},
		{Params: schema.ScrollParams{ScrollY: 10}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{})

	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeFallbackFailed, snap.Error.Code)
	assert.Contains(t, snap.Error.Details["original_error"], "element not found")
	assert.Equal(t, schema.ErrCodeAgentFailed, snap.Error.Details["fallback_code"])
	assert.Len(t, h.agent.Tasks(), 1)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, schema.SourceFallback, snap.Results[0].Source)
	assert.Equal(t, []string{"click"}, h.launcher.Sessions()[0].Ops())
}

func TestTaskManager_FallbackDisabled(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Missing["#gone"] = true
		return s
	})
	def := &schema.WorkflowDefinition{Name: "f", Steps: []schema.WorkflowStep{
		{Params: schema.ClickParams{SelectorSet: css("#gone")}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{AllowFallback: boolPtr(false)})

	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeActionExecution, snap.Error.Code)
	assert.Equal(t, schema.ErrCodeElementNotFound, snap.Error.Details["cause_code"])
	assert.Empty(t, h.agent.Tasks())
}

func TestTaskManager_NonFatalStepContinues(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Missing["#banner-close"] = true
		return s
	})
	def := &schema.WorkflowDefinition{Name: "nf", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{NonFatal: true, Params: schema.ClickParams{SelectorSet: css("#banner-close")}},
		{Params: schema.ScrollParams{ScrollY: 100}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{AllowFallback: boolPtr(false)})

	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Nil(t, snap.Error)
	require.Len(t, snap.Results, 3)
	assert.False(t, snap.Results[1].Success)
	assert.NotEmpty(t, snap.Results[1].Error)
	assert.True(t, snap.Results[2].Success)

	entries, _, err := h.mgr.Logs(context.Background(), snap.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, logKinds(entries, 1), schema.EventStepNonFatalSkipped)
}

func TestTaskManager_PlaceholderFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{
		Name:        "p",
		InputSchema: []schema.InputField{{Name: "page", Type: schema.InputTypeString}},
		Steps: []schema.WorkflowStep{
			{Params: schema.NavigationParams{URL: "https://example.com/{{page}}"}},
		},
	}

	snap := h.runToEnd(t, def, nil, RunOptions{})

	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodePlaceholder, snap.Error.Code)
	require.Len(t, snap.Results, 1)
	assert.False(t, snap.Results[0].Success)
	assert.Empty(t, h.launcher.Sessions()[0].Ops(), "nothing is dispatched")
	assert.Empty(t, h.agent.Tasks(), "placeholder failures never fall back")
}

func TestTaskManager_InputsAreCoerced(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{
		Name:        "coerce",
		InputSchema: []schema.InputField{{Name: "count", Type: schema.InputTypeNumber, Required: true}},
		Steps: []schema.WorkflowStep{
			{Params: schema.InputParams{SelectorSet: css("#n"), Value: "{{count}}"}},
		},
	}

	snap := h.runToEnd(t, def, map[string]any{"count": "3"}, RunOptions{})

	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Equal(t, "3", h.launcher.Sessions()[0].Calls()[0].Arg)
}

func TestTaskManager_StructuredOutput(t *testing.T) {
	shape := json.RawMessage(`{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`)
	def := &schema.WorkflowDefinition{Name: "so", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Params: schema.ExtractPageContentParams{Goal: "title"}},
	}}

	t.Run("synthesized", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), func() *browsertest.Session { return browsertest.NewSession("Example") })
		h.extract.output = json.RawMessage(`{"title":"Example"}`)

		snap := h.runToEnd(t, def, nil, RunOptions{OutputSchema: shape})

		assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
		assert.Nil(t, snap.StructuredOutput)
		assert.JSONEq(t, `{"title":"Example"}`, string(snap.Output))
		assert.Equal(t, "title: Example", h.extract.lastInput)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), func() *browsertest.Session { return browsertest.NewSession("Example") })
		h.extract.output = json.RawMessage(`{"title":42}`)

		snap := h.runToEnd(t, def, nil, RunOptions{OutputSchema: shape})

		assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
		assert.Nil(t, snap.Output)
		require.NotNil(t, snap.StructuredOutput)
		assert.Equal(t, schema.ErrCodeStructuredOutput, snap.StructuredOutput.Code)
	})

	t.Run("extractor error", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), func() *browsertest.Session { return browsertest.NewSession("Example") })
		h.extract.synthErr = errors.New("model unavailable")

		snap := h.runToEnd(t, def, nil, RunOptions{OutputSchema: shape})

		assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
		require.NotNil(t, snap.StructuredOutput)
		assert.Equal(t, schema.ErrCodeStructuredOutput, snap.StructuredOutput.Code)
		assert.Contains(t, snap.StructuredOutput.Message, "model unavailable")
	})

	t.Run("no content", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		navOnly := &schema.WorkflowDefinition{Name: "nav", Steps: []schema.WorkflowStep{
			{Params: schema.NavigationParams{URL: "https://example.com"}},
		}}

		snap := h.runToEnd(t, navOnly, nil, RunOptions{OutputSchema: shape})

		assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
		require.NotNil(t, snap.StructuredOutput)
		assert.Equal(t, schema.ErrCodeStructuredOutput, snap.StructuredOutput.Code)
		assert.Zero(t, h.extract.SynthCalls(), "extractor is not called without content")
	})

	t.Run("invalid shape rejected at start", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), nil)
		_, err := h.mgr.Start(context.Background(), def, nil, RunOptions{OutputSchema: json.RawMessage(`{"type":12}`)})
		require.Error(t, err)
		assert.Empty(t, h.mgr.List())
	})
}

func TestTaskManager_CancelRunning(t *testing.T) {
	reached := make(chan struct{})
	var once sync.Once
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Before = func(ctx context.Context, op string) error {
			if op != "click" {
				return nil
			}
			once.Do(func() { close(reached) })
			<-ctx.Done()
			return ctx.Err()
		}
		return s
	})
	def := &schema.WorkflowDefinition{Name: "slow", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Params: schema.ClickParams{SelectorSet: css("#slow")}},
		{Params: schema.ScrollParams{ScrollY: 10}},
	}}

	id, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the click step")
	}
	require.NoError(t, h.mgr.Cancel(id))
	require.NoError(t, h.mgr.Cancel(id), "repeated cancel is accepted")

	snap := h.wait(t, id)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeCancelled, snap.Error.Code)
	require.Len(t, snap.Results, 2)
	assert.True(t, snap.Results[0].Success)
	assert.False(t, snap.Results[1].Success)
	assert.Empty(t, h.agent.Tasks(), "cancellation never triggers fallback")
	assert.True(t, h.launcher.Sessions()[0].Closed())

	entries, _, err := h.mgr.Logs(context.Background(), id, 0)
	require.NoError(t, err)
	var requested int
	for _, e := range entries {
		if e.Kind == schema.EventCancelRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested)
	assert.Equal(t, schema.EventTaskCancelled, entries[len(entries)-1].Kind)

	require.NoError(t, h.mgr.Cancel(id), "cancelling a terminal task is a no-op")
	snap2, err := h.mgr.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, snap2.Status)
	assert.Equal(t, snap.LogLength, snap2.LogLength)
}

func TestTaskManager_CancelDuringFinalStepBeatsLateSuccess(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), nil)
	h.agent.respond = func(context.Context, agent.Task, browser.Session) (*agent.Result, error) {
		close(reached)
		<-release
		return &agent.Result{Done: true, Content: "done anyway", StepsTaken: 1}, nil
	}
	def := &schema.WorkflowDefinition{Name: "late", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Params: schema.AgentParams{Task: "add the item to the cart"}},
	}}

	id, err := h.mgr.Start(context.Background(), def, nil, RunOptions{OutputSchema: json.RawMessage(`{"type":"object"}`)})
	require.NoError(t, err)
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the agent step")
	}
	require.NoError(t, h.mgr.Cancel(id))
	close(release)

	snap := h.wait(t, id)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeCancelled, snap.Error.Code)
	assert.Zero(t, h.extract.SynthCalls(), "no output is synthesized for a cancelled run")

	archived, err := h.archive.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, archived.Status)
}

func TestTaskManager_CancelQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	cfg := DefaultConfig()
	cfg.MaxConcurrentRuns = 1
	h := newHarness(t, cfg, func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Before = func(ctx context.Context, op string) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return s
	})
	def := &schema.WorkflowDefinition{Name: "one", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}

	first, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	<-started

	second, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	snap, err := h.mgr.Status(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusQueued, snap.Status)

	require.NoError(t, h.mgr.Cancel(second))
	snap = h.wait(t, second)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Status)
	assert.Empty(t, snap.Results)
	assert.Nil(t, snap.StartedAt)

	close(release)
	snap = h.wait(t, first)
	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Len(t, h.launcher.Sessions(), 1, "the cancelled task never opened a session")
}

func TestTaskManager_LogPolling(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{Name: "logs", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
		{Params: schema.ScrollParams{ScrollY: 10}},
		{Params: schema.ClickParams{SelectorSet: css("#ok")}},
	}}
	snap := h.runToEnd(t, def, nil, RunOptions{})
	ctx := context.Background()

	all, next, err := h.mgr.Logs(ctx, snap.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, int64(len(all)), next)
	assert.Equal(t, snap.LogLength, next)
	for i, e := range all {
		assert.Equal(t, int64(i), e.Position, "positions are dense")
		assert.Equal(t, snap.ID, e.TaskID)
	}
	assert.Equal(t, schema.EventTaskQueued, all[0].Kind)
	assert.Equal(t, schema.EventTaskStarted, all[1].Kind)
	assert.Equal(t, schema.EventTaskCompleted, all[len(all)-1].Kind)

	again, next2, err := h.mgr.Logs(ctx, snap.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, all, again, "polling is idempotent")
	assert.Equal(t, next, next2)

	head, cursor, err := h.mgr.Logs(ctx, snap.ID, 0)
	require.NoError(t, err)
	head = head[:3]
	tail, _, err := h.mgr.Logs(ctx, snap.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, all, append(head, tail...), "windows are disjoint and complete")
	assert.Equal(t, next, cursor)

	empty, end, err := h.mgr.Logs(ctx, snap.ID, next)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, next, end)

	// Step entries follow step order.
	last := -1
	for _, e := range all {
		if e.StepIndex == nil {
			continue
		}
		assert.GreaterOrEqual(t, *e.StepIndex, last)
		last = *e.StepIndex
	}
	assert.Equal(t, 2, last)
}

func TestTaskManager_StatusAndEviction(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	def := &schema.WorkflowDefinition{Name: "evict", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}
	snap := h.runToEnd(t, def, nil, RunOptions{})
	ctx := context.Background()

	require.Len(t, h.mgr.List(), 1)
	require.NoError(t, h.mgr.Evict(snap.ID))
	assert.Empty(t, h.mgr.List())

	archived, err := h.mgr.Status(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, archived.Status)
	assert.Equal(t, snap.Results, archived.Results)

	entries, next, err := h.mgr.Logs(ctx, snap.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, snap.LogLength, next)
	assert.Len(t, entries, int(snap.LogLength))

	_, err = h.mgr.Status(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(h.mgr.Cancel("missing"), schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(h.mgr.Evict("missing"), schema.ErrCodeNotFound))
}

func TestTaskManager_EvictRunningConflicts(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session {
		s := browsertest.NewSession("")
		s.Before = func(ctx context.Context, op string) error {
			<-release
			return nil
		}
		return s
	})
	def := &schema.WorkflowDefinition{Name: "busy", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}
	id, err := h.mgr.Start(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)

	assert.True(t, schema.IsCode(h.mgr.Evict(id), schema.ErrCodeConflict))
	close(release)
	h.wait(t, id)
	assert.NoError(t, h.mgr.Evict(id))
}

func TestTaskManager_StartNamed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	raw := json.RawMessage(`{"name":"stored","steps":[{"type":"navigation","url":"https://example.com"}]}`)
	require.NoError(t, h.archive.PutDefinition(context.Background(), &store.Definition{Name: "stored", Raw: raw}))

	id, err := h.mgr.StartNamed(context.Background(), "stored", nil, RunOptions{})
	require.NoError(t, err)
	snap := h.wait(t, id)
	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Equal(t, "stored", snap.Workflow)

	_, err = h.mgr.StartNamed(context.Background(), "unknown", nil, RunOptions{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTaskManager_LauncherFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.launcher.Err = errors.New("chrome not found")
	def := &schema.WorkflowDefinition{Name: "x", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}

	snap := h.runToEnd(t, def, nil, RunOptions{})

	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Contains(t, snap.Error.Message, "chrome not found")
	assert.Empty(t, snap.Results)
}

func TestTaskManager_OnQueuedRunsBeforeTheRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.launcher.Err = errors.New("chrome not found")
	def := &schema.WorkflowDefinition{Name: "x", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}

	var hooked string
	var statusAtHook schema.TaskStatus
	id, err := h.mgr.Start(context.Background(), def, nil, RunOptions{OnQueued: func(taskID string) {
		hooked = taskID
		snap, err := h.mgr.Status(context.Background(), taskID)
		if err == nil {
			statusAtHook = snap.Status
		}
	}})
	require.NoError(t, err)

	snap := h.wait(t, id)
	assert.Equal(t, id, hooked)
	assert.Equal(t, schema.TaskStatusQueued, statusAtHook)
	assert.Equal(t, schema.TaskStatusFailed, snap.Status)
}

func TestTaskManager_HubMirrorsLog(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, unsubscribe, err := hub.Subscribe(context.Background(), streaming.Filter{})
	require.NoError(t, err)
	defer unsubscribe()

	mgr, err := NewTaskManager(Deps{
		Launcher:  &browsertest.Launcher{},
		Agent:     &fakeAgent{},
		Extractor: &fakeExtractor{},
		Validator: newValidator(t),
		Hub:       hub,
	}, DefaultConfig())
	require.NoError(t, err)
	defer mgr.Shutdown()

	def := &schema.WorkflowDefinition{Name: "hub", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}
	id, err := mgr.Start(context.Background(), def, nil, RunOptions{})
	require.NoError(t, err)
	snap, err := mgr.Wait(context.Background(), id)
	require.NoError(t, err)

	var got []schema.LogEntry
	timeout := time.After(5 * time.Second)
	for int64(len(got)) < snap.LogLength {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d of %d entries", len(got), snap.LogLength)
		}
	}
	entries, _, err := mgr.Logs(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestTaskManager_StartAfterShutdown(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.mgr.Shutdown()

	_, err := h.mgr.Start(context.Background(), &schema.WorkflowDefinition{Name: "late", Steps: []schema.WorkflowStep{
		{Params: schema.NavigationParams{URL: "https://example.com"}},
	}}, nil, RunOptions{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestTaskManager_ConcurrentRunsAreIsolated(t *testing.T) {
	h := newHarness(t, DefaultConfig(), func() *browsertest.Session { return browsertest.NewSession("page") })
	def := &schema.WorkflowDefinition{
		Name:        "iso",
		InputSchema: []schema.InputField{{Name: "term", Type: schema.InputTypeString, Required: true}},
		Steps: []schema.WorkflowStep{
			{Params: schema.InputParams{SelectorSet: css("#q"), Value: "{{term}}"}},
		},
	}

	ids := make([]string, 8)
	for i := range ids {
		id, err := h.mgr.Start(context.Background(), def, map[string]any{"term": string(rune('a' + i))}, RunOptions{})
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		assert.Equal(t, schema.TaskStatusCompleted, h.wait(t, id).Status)
	}

	seen := map[string]bool{}
	for _, s := range h.launcher.Sessions() {
		calls := s.Calls()
		require.Len(t, calls, 1)
		seen[calls[0].Arg] = true
	}
	assert.Len(t, seen, len(ids), "each run used its own session and inputs")
}
