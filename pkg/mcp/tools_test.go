package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browseflow/internal/engine"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/schema"
)

// --- Mocks ---

type startCall struct {
	name   string
	inputs map[string]any
	opts   engine.RunOptions
}

type mockTasks struct {
	mu        sync.Mutex
	starts    []startCall
	startErr  error
	snapshots map[string]*schema.TaskSnapshot
	logs      map[string][]schema.LogEntry
	cancelled []string
	// ranToEnd, if set, runs after the queued hook to model a run that is
	// already terminal when StartNamed returns.
	ranToEnd func(id string)
}

func newMockTasks() *mockTasks {
	return &mockTasks{
		snapshots: make(map[string]*schema.TaskSnapshot),
		logs:      make(map[string][]schema.LogEntry),
	}
}

func (m *mockTasks) StartNamed(_ context.Context, name string, inputs map[string]any, opts engine.RunOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, startCall{name, inputs, opts})
	if opts.OnQueued != nil {
		opts.OnQueued("task-1")
	}
	if m.startErr != nil {
		return "", m.startErr
	}
	if m.ranToEnd != nil {
		m.ranToEnd("task-1")
	}
	return "task-1", nil
}

func (m *mockTasks) Status(_ context.Context, id string) (*schema.TaskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
	}
	return snap, nil
}

func (m *mockTasks) Logs(_ context.Context, id string, from int64) ([]schema.LogEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.logs[id]
	if !ok {
		return nil, 0, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
	}
	n := int64(len(entries))
	if from >= n {
		return []schema.LogEntry{}, n, nil
	}
	return entries[from:], n, nil
}

func (m *mockTasks) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockTasks) List() []*schema.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.TaskSnapshot
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out
}

type mockScheduler struct {
	added []string
}

func (m *mockScheduler) Add(_ context.Context, definition, cronExpr string, inputs map[string]any) (*store.Schedule, error) {
	if cronExpr == "bad" {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse cron expression")
	}
	m.added = append(m.added, definition)
	return &store.Schedule{ID: "sched-1", DefinitionName: definition, Cron: cronExpr, Inputs: inputs, Enabled: true}, nil
}

type fixture struct {
	srv   *Server
	tasks *mockTasks
	store *store.MemoryStore
	sched *mockScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := validation.NewWorkflowValidator()
	require.NoError(t, err)
	f := &fixture{tasks: newMockTasks(), store: store.NewMemoryStore(), sched: &mockScheduler{}}
	f.srv = NewServer(ServerDeps{
		Tasks:       f.tasks,
		Definitions: f.store,
		Archive:     f.store,
		Schedules:   f.store,
		Scheduler:   f.sched,
		Validator:   v,
	})
	return f
}

// --- Helpers ---

type fakeClientSession struct{ id string }

func (s fakeClientSession) Initialize()       {}
func (s fakeClientSession) Initialized() bool { return true }
func (s fakeClientSession) SessionID() string { return s.id }
func (s fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

var _ server.ClientSession = fakeClientSession{}

func sessionContext(f *fixture, sessionID string) context.Context {
	return f.srv.mcpServer.WithContext(context.Background(), fakeClientSession{id: sessionID})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

var exampleDefinition = map[string]any{
	"name": "example",
	"steps": []any{
		map[string]any{"type": "navigation", "url": "https://example.com"},
		map[string]any{"type": "extract_page_content", "goal": "title"},
	},
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.srv.handleDefine(ctx, buildRequest("browseflow.define", map[string]any{"definition": exampleDefinition}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "example", out["name"])
	assert.Equal(t, float64(2), out["steps"])

	stored, err := f.store.GetDefinition(ctx, "example")
	require.NoError(t, err)
	assert.Contains(t, string(stored.Raw), "extract_page_content")
}

func TestDefineTool_YAML(t *testing.T) {
	f := newFixture(t)
	doc := "name: from-yaml\nsteps:\n  - type: navigation\n    url: https://example.com\n"

	result, err := f.srv.handleDefine(context.Background(), buildRequest("browseflow.define", map[string]any{"yaml": doc}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	_, err = f.store.GetDefinition(context.Background(), "from-yaml")
	require.NoError(t, err)
}

func TestDefineTool_Invalid(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleDefine(context.Background(), buildRequest("browseflow.define", map[string]any{
		"definition": map[string]any{"name": "bad", "steps": []any{
			map[string]any{"type": "click"},
		}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
	assert.NotEmpty(t, body["errors"])

	defs, err := f.store.ListDefinitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestDefineTool_MissingDefinition(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleDefine(context.Background(), buildRequest("browseflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleRun(context.Background(), buildRequest("browseflow.run", map[string]any{
		"name":           "example",
		"inputs":         map[string]any{"query": "go"},
		"allow_fallback": false,
		"output_schema":  map[string]any{"type": "object"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "task-1", out["task_id"])
	assert.Equal(t, "queued", out["status"])

	require.Len(t, f.tasks.starts, 1)
	call := f.tasks.starts[0]
	assert.Equal(t, "example", call.name)
	assert.Equal(t, "go", call.inputs["query"])
	require.NotNil(t, call.opts.AllowFallback)
	assert.False(t, *call.opts.AllowFallback)
	assert.JSONEq(t, `{"type":"object"}`, string(call.opts.OutputSchema))
}

func TestRunTool_DefaultsLeaveFallbackUnset(t *testing.T) {
	f := newFixture(t)

	_, err := f.srv.handleRun(context.Background(), buildRequest("browseflow.run", map[string]any{"name": "example"}))
	require.NoError(t, err)
	require.Len(t, f.tasks.starts, 1)
	assert.Nil(t, f.tasks.starts[0].opts.AllowFallback)
	assert.Nil(t, f.tasks.starts[0].opts.OutputSchema)
}

func TestRunTool_Errors(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleRun(context.Background(), buildRequest("browseflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	f.tasks.startErr = schema.NewError(schema.ErrCodeInput, "query: required input missing")
	result, err = f.srv.handleRun(context.Background(), buildRequest("browseflow.run", map[string]any{"name": "example"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, schema.ErrCodeInput, body["code"])
}

func TestRunTool_RunEndingAtOnceIsStillNotified(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{}
	n := &TaskNotifier{sender: sender, sessions: f.srv.sessions, logger: slog.Default()}
	f.tasks.ranToEnd = func(id string) {
		require.NoError(t, n.Notify(schema.LogEntry{TaskID: id, Kind: schema.EventTaskFailed, Message: "open browser session: chrome not found"}))
	}

	result, err := f.srv.handleRun(sessionContext(f, "session-1"), buildRequest("browseflow.run", map[string]any{"name": "example"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "session-1", sent[0].session)
	_, ok := f.srv.sessions.SessionFor("task-1")
	assert.False(t, ok, "no mapping is left behind")
}

func TestRunTool_RejectedStartDropsSession(t *testing.T) {
	f := newFixture(t)
	f.tasks.startErr = schema.NewError(schema.ErrCodeConflict, "engine is shut down")

	result, err := f.srv.handleRun(sessionContext(f, "session-1"), buildRequest("browseflow.run", map[string]any{"name": "example"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	_, ok := f.srv.sessions.SessionFor("task-1")
	assert.False(t, ok)
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t)
	f.tasks.snapshots["task-1"] = &schema.TaskSnapshot{
		ID:       "task-1",
		Workflow: "example",
		Status:   schema.TaskStatusCompleted,
		Results:  []schema.ActionResult{{StepIndex: 0, Success: true, Source: schema.SourcePrimary}},
		Output:   json.RawMessage(`{"title":"Example"}`),
	}

	result, err := f.srv.handleStatus(context.Background(), buildRequest("browseflow.status", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var snap schema.TaskSnapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.TaskStatusCompleted, snap.Status)
	assert.Len(t, snap.Results, 1)
	assert.JSONEq(t, `{"title":"Example"}`, string(snap.Output))

	result, err = f.srv.handleStatus(context.Background(), buildRequest("browseflow.status", map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestLogsTool(t *testing.T) {
	f := newFixture(t)
	f.tasks.logs["task-1"] = []schema.LogEntry{
		{Position: 0, TaskID: "task-1", Kind: schema.EventTaskQueued},
		{Position: 1, TaskID: "task-1", Kind: schema.EventTaskStarted},
		{Position: 2, TaskID: "task-1", Kind: schema.EventTaskCompleted},
	}

	result, err := f.srv.handleLogs(context.Background(), buildRequest("browseflow.logs", map[string]any{"task_id": "task-1", "from": float64(1)}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Entries []schema.LogEntry `json:"entries"`
		Next    int64             `json:"next"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, int64(1), out.Entries[0].Position)
	assert.Equal(t, int64(3), out.Next)

	result, err = f.srv.handleLogs(context.Background(), buildRequest("browseflow.logs", map[string]any{"task_id": "task-1", "from": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	f := newFixture(t)
	f.tasks.snapshots["task-1"] = &schema.TaskSnapshot{ID: "task-1", Status: schema.TaskStatusRunning}

	result, err := f.srv.handleCancel(context.Background(), buildRequest("browseflow.cancel", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"task-1"}, f.tasks.cancelled)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "running", out["status"])

	result, err = f.srv.handleCancel(context.Background(), buildRequest("browseflow.cancel", map[string]any{"task_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_Definitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutDefinition(ctx, &store.Definition{Name: "a", Raw: json.RawMessage(`{}`)}))
	require.NoError(t, f.store.PutDefinition(ctx, &store.Definition{Name: "b", Raw: json.RawMessage(`{}`)}))

	result, err := f.srv.handleQuery(ctx, buildRequest("browseflow.query", map[string]any{"resource": "definitions"}))
	require.NoError(t, err)

	var out struct {
		Definitions []store.Definition `json:"definitions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Definitions, 2)
	assert.Equal(t, "a", out.Definitions[0].Name)
}

func TestQueryTool_TasksMergesLiveAndArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.tasks.snapshots["live"] = &schema.TaskSnapshot{ID: "live", Workflow: "w", Status: schema.TaskStatusRunning, CreatedAt: now}
	require.NoError(t, f.store.SaveTask(ctx, &schema.TaskSnapshot{ID: "old", Workflow: "w", Status: schema.TaskStatusCompleted, CreatedAt: now.Add(-time.Hour)}, nil))
	require.NoError(t, f.store.SaveTask(ctx, &schema.TaskSnapshot{ID: "live", Workflow: "w", Status: schema.TaskStatusQueued, CreatedAt: now}, nil))
	require.NoError(t, f.store.SaveTask(ctx, &schema.TaskSnapshot{ID: "other", Workflow: "x", Status: schema.TaskStatusFailed, CreatedAt: now}, nil))

	result, err := f.srv.handleQuery(ctx, buildRequest("browseflow.query", map[string]any{
		"resource": "tasks",
		"filter":   map[string]any{"workflow": "w"},
	}))
	require.NoError(t, err)

	var out struct {
		Tasks []schema.TaskSnapshot `json:"tasks"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, "live", out.Tasks[0].ID)
	assert.Equal(t, schema.TaskStatusRunning, out.Tasks[0].Status, "live snapshot wins")
	assert.Equal(t, "old", out.Tasks[1].ID)

	result, err = f.srv.handleQuery(ctx, buildRequest("browseflow.query", map[string]any{
		"resource": "tasks",
		"filter":   map[string]any{"status": "failed"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "other", out.Tasks[0].ID)
}

func TestQueryTool_Schedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateSchedule(ctx, &store.Schedule{ID: "s1", DefinitionName: "a", Cron: "0 * * * *", Enabled: true}))
	require.NoError(t, f.store.CreateSchedule(ctx, &store.Schedule{ID: "s2", DefinitionName: "b", Cron: "0 * * * *"}))

	result, err := f.srv.handleQuery(ctx, buildRequest("browseflow.query", map[string]any{
		"resource": "schedules",
		"filter":   map[string]any{"enabled": true},
	}))
	require.NoError(t, err)

	var out struct {
		Schedules []store.Schedule `json:"schedules"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Schedules, 1)
	assert.Equal(t, "s1", out.Schedules[0].ID)
}

func TestQueryTool_UnknownResource(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleQuery(context.Background(), buildRequest("browseflow.query", map[string]any{"resource": "agents"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutDefinition(ctx, &store.Definition{Name: "example", Raw: json.RawMessage(`{}`)}))

	result, err := f.srv.handleSchedule(ctx, buildRequest("browseflow.schedule", map[string]any{
		"name": "example",
		"cron": "0 9 * * 1-5",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, []string{"example"}, f.sched.added)

	result, err = f.srv.handleSchedule(ctx, buildRequest("browseflow.schedule", map[string]any{"name": "missing", "cron": "0 * * * *"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "unknown definitions cannot be scheduled")

	result, err = f.srv.handleSchedule(ctx, buildRequest("browseflow.schedule", map[string]any{"name": "example", "cron": "bad"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool_Disabled(t *testing.T) {
	srv := NewServer(ServerDeps{Definitions: store.NewMemoryStore()})
	result, err := srv.handleSchedule(context.Background(), buildRequest("browseflow.schedule", map[string]any{"name": "x", "cron": "0 * * * *"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 5, extractInt(nil, "limit", 5))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 5))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 5))
	assert.Equal(t, 5, extractInt(map[string]any{"limit": "x"}, "limit", 5))
}
