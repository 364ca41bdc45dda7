package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browseflow/internal/engine"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/schema"
)

// handleDefine validates a definition and stores it under its name.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw []byte
	if defMap := mcp.ParseStringMap(req, "definition", nil); defMap != nil {
		data, err := json.Marshal(defMap)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		raw = data
	} else if doc := req.GetString("yaml", ""); doc != "" {
		data, err := validation.NormalizeDefinition([]byte(doc))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		raw = data
	} else {
		return mcp.NewToolResultError("definition or yaml is required"), nil
	}

	def, result := s.validator.Parse(raw)
	if !result.Valid() {
		return marshalError(result.ToError(), map[string]any{"errors": result.Errors, "warnings": result.Warnings})
	}

	stored := &store.Definition{
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Raw:         raw,
	}
	if err := s.definitions.PutDefinition(ctx, stored); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"name":     def.Name,
		"steps":    len(def.Steps),
		"warnings": result.Warnings,
	})
}

// handleRun starts a stored definition. It returns as soon as the task is
// queued.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	var opts engine.RunOptions
	if _, ok := req.GetArguments()["allow_fallback"]; ok {
		allow := req.GetBool("allow_fallback", true)
		opts.AllowFallback = &allow
	}
	if shape := mcp.ParseStringMap(req, "output_schema", nil); shape != nil {
		data, err := json.Marshal(shape)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid output_schema: %v", err)), nil
		}
		opts.OutputSchema = data
	}

	// The session is registered before the run is queued so a run that
	// ends at once still reaches the notifier.
	var registered string
	if sessionID, ok := clientSessionID(ctx); ok {
		opts.OnQueued = func(taskID string) {
			registered = taskID
			s.sessions.Register(taskID, sessionID)
		}
	}

	taskID, err := s.tasks.StartNamed(ctx, name, inputs, opts)
	if err != nil {
		if registered != "" {
			s.sessions.Forget(registered)
		}
		return marshalError(err, nil)
	}

	return marshalResult(map[string]any{
		"task_id": taskID,
		"status":  schema.TaskStatusQueued,
	})
}

// handleStatus returns a task snapshot.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	snap, err := s.tasks.Status(ctx, taskID)
	if err != nil {
		return marshalError(err, nil)
	}
	return marshalResult(snap)
}

// handleLogs returns log entries from a position.
func (s *Server) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	from := req.GetInt("from", 0)
	if from < 0 {
		return mcp.NewToolResultError("from must be >= 0"), nil
	}

	entries, next, err := s.tasks.Logs(ctx, taskID, int64(from))
	if err != nil {
		return marshalError(err, nil)
	}
	return marshalResult(map[string]any{
		"task_id": taskID,
		"entries": entries,
		"next":    next,
	})
}

// handleCancel requests cancellation and reports the status at that moment.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if err := s.tasks.Cancel(taskID); err != nil {
		return marshalError(err, nil)
	}
	out := map[string]any{"ok": true, "task_id": taskID}
	if snap, err := s.tasks.Status(ctx, taskID); err == nil {
		out["status"] = snap.Status
	}
	return marshalResult(out)
}

// handleQuery lists definitions, tasks, or schedules.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "definitions":
		return s.queryDefinitions(ctx)
	case "tasks":
		return s.queryTasks(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule creates a cron schedule for a stored definition.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled on this server"), nil
	}
	if _, err := s.definitions.GetDefinition(ctx, name); err != nil {
		return marshalError(err, nil)
	}

	sched, err := s.scheduler.Add(ctx, name, cronExpr, mcp.ParseStringMap(req, "inputs", nil))
	if err != nil {
		return marshalError(err, nil)
	}
	return marshalResult(sched)
}

// --- Query helpers ---

func (s *Server) queryDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	defs, err := s.definitions.ListDefinitions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// queryTasks merges live tasks with archived ones; live snapshots win.
func (s *Server) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TaskFilter{Limit: extractInt(filter, "limit", 50)}
	if wf, ok := filter["workflow"].(string); ok {
		tf.Workflow = wf
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ts := schema.TaskStatus(status)
		tf.Status = &ts
	}

	seen := make(map[string]bool)
	var tasks []*schema.TaskSnapshot
	for _, snap := range s.tasks.List() {
		if matchTask(tf, snap) {
			seen[snap.ID] = true
			tasks = append(tasks, snap)
		}
	}
	if s.archive != nil {
		archived, err := s.archive.ListTasks(ctx, tf)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		for _, snap := range archived {
			if !seen[snap.ID] {
				tasks = append(tasks, snap)
			}
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if tf.Limit > 0 && len(tasks) > tf.Limit {
		tasks = tasks[:tf.Limit]
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

func (s *Server) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return marshalResult(map[string]any{"schedules": []*store.Schedule{}})
	}
	sf := store.ScheduleFilter{Limit: extractInt(filter, "limit", 50)}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}
	if wf, ok := filter["workflow"].(string); ok {
		sf.DefinitionName = wf
	}

	schedules, err := s.schedules.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

func matchTask(f store.TaskFilter, snap *schema.TaskSnapshot) bool {
	if f.Workflow != "" && snap.Workflow != f.Workflow {
		return false
	}
	if f.Status != nil && snap.Status != *f.Status {
		return false
	}
	return true
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// clientSessionID returns the calling MCP session, if any.
func clientSessionID(ctx context.Context) (string, bool) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return "", false
	}
	return session.SessionID(), true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError renders err as an error result carrying its code, message
// and any extra fields.
func marshalError(err error, extra map[string]any) (*mcp.CallToolResult, error) {
	fe := schema.AsFlowError(err, schema.ErrCodeActionExecution)
	body := map[string]any{"code": fe.Code, "message": fe.Message}
	if fe.StepIndex != nil {
		body["step_index"] = *fe.StepIndex
	}
	for k, v := range extra {
		body[k] = v
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(fe.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}
