package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/pkg/schema"
)

// terminalKinds are the log entry kinds that end a task.
var terminalKinds = []string{
	schema.EventTaskCompleted,
	schema.EventTaskFailed,
	schema.EventTaskCancelled,
}

// sender is the part of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// TaskNotifier pushes task completion to the session that started the task.
type TaskNotifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewTaskNotifier creates a notifier that pushes through mcpServer.
func NewTaskNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *TaskNotifier {
	return &TaskNotifier{sender: mcpServer, sessions: sessions, logger: logger}
}

// Start subscribes to terminal entries on hub and forwards them until ctx
// is done.
func (n *TaskNotifier) Start(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{Kinds: terminalKinds})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Notify(entry); err != nil {
					n.logger.Warn("task notification failed",
						slog.String("task_id", entry.TaskID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

// Notify sends entry to the task's session. Best-effort: returns nil if no
// session is known for the task.
func (n *TaskNotifier) Notify(entry schema.LogEntry) error {
	sessionID, ok := n.sessions.SessionFor(entry.TaskID)
	if !ok {
		return nil
	}
	n.sessions.Forget(entry.TaskID)

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "browseflow",
		"data": map[string]any{
			"task_id":  entry.TaskID,
			"kind":     entry.Kind,
			"message":  entry.Message,
			"position": entry.Position,
			"details":  entry.Data,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away before the task finished.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
