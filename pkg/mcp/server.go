package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browseflow/internal/engine"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/schema"
)

// TaskRunner is the task manager surface the tools drive. Satisfied by
// *engine.TaskManager.
type TaskRunner interface {
	StartNamed(ctx context.Context, name string, inputs map[string]any, opts engine.RunOptions) (string, error)
	Status(ctx context.Context, id string) (*schema.TaskSnapshot, error)
	Logs(ctx context.Context, id string, from int64) ([]schema.LogEntry, int64, error)
	Cancel(id string) error
	List() []*schema.TaskSnapshot
}

// Scheduler creates cron schedules. Satisfied by *scheduler.Scheduler.
type Scheduler interface {
	Add(ctx context.Context, definition, cronExpr string, inputs map[string]any) (*store.Schedule, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Tasks       TaskRunner
	Definitions store.DefinitionStore
	Archive     store.TaskArchive // optional; widens task queries past memory
	Schedules   store.ScheduleStore
	Scheduler   Scheduler // optional; browseflow.schedule fails without it
	Validator   validation.Validator
	Hub         streaming.Hub // optional; enables completion notifications
	Logger      *slog.Logger
}

// Server wraps an MCP server with browseflow tool handlers.
type Server struct {
	tasks       TaskRunner
	definitions store.DefinitionStore
	archive     store.TaskArchive
	schedules   store.ScheduleStore
	scheduler   Scheduler
	validator   validation.Validator
	hub         streaming.Hub
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		tasks:       deps.Tasks,
		definitions: deps.Definitions,
		archive:     deps.Archive,
		schedules:   deps.Schedules,
		scheduler:   deps.Scheduler,
		validator:   deps.Validator,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"browseflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("browseflow replays recorded browser workflows. Use browseflow.define to store a workflow, browseflow.run to start it, browseflow.status and browseflow.logs to follow the task, browseflow.cancel to stop it, browseflow.query to list definitions, tasks or schedules, and browseflow.schedule to run a definition on a cron schedule."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub is configured, terminal task entries are pushed
// to the session that started the task.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewTaskNotifier(s.mcpServer, s.sessions, s.logger)
		if err := notifier.Start(ctx, s.hub); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("browseflow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("yaml", mcp.Description("Workflow definition as YAML, used when definition is absent")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("browseflow.run",
		mcp.WithDescription("Start a stored workflow and return its task ID"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the stored workflow definition")),
		mcp.WithObject("inputs", mcp.Description("Values for the workflow's declared inputs")),
		mcp.WithBoolean("allow_fallback", mcp.Description("Delegate failed deterministic steps to the agent (default: server setting)")),
		mcp.WithObject("output_schema", mcp.Description("JSON Schema of the structured output to build from extracted content")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("browseflow.status",
		mcp.WithDescription("Get a task's status, step results and structured output"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("browseflow.logs",
		mcp.WithDescription("Read a task's log from a position; pass the returned next value to continue"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithNumber("from", mcp.Min(0), mcp.Description("First log position to return (default: 0)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("browseflow.cancel",
		mcp.WithDescription("Request cancellation of a queued or running task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("browseflow.query",
		mcp.WithDescription("List stored definitions, tasks, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "tasks", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow, status, enabled, limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("browseflow.schedule",
		mcp.WithDescription("Run a stored workflow on a 5-field cron schedule"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the stored workflow definition")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression, e.g. \"0 9 * * 1-5\"")),
		mcp.WithObject("inputs", mcp.Description("Inputs passed to every scheduled run")),
	)
}
