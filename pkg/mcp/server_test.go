package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browseflow/internal/engine"
)

var _ TaskRunner = (*engine.TaskManager)(nil)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 7)

	for _, name := range []string{
		"browseflow.define",
		"browseflow.run",
		"browseflow.status",
		"browseflow.logs",
		"browseflow.cancel",
		"browseflow.query",
		"browseflow.schedule",
	} {
		assert.NotNil(t, s.MCPServer().GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"browseflow.define", "Validate and store a workflow definition"},
		{"browseflow.run", "Start a stored workflow and return its task ID"},
		{"browseflow.cancel", "Request cancellation of a queued or running task"},
		{"browseflow.query", "List stored definitions, tasks, or schedules"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
