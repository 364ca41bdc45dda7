package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browseflow/pkg/schema"
)

func searchWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "search",
		Version: "v2",
		Steps: []schema.WorkflowStep{
			{Params: schema.NavigationParams{URL: "https://example.test"}},
			{Params: schema.ClickParams{SelectorSet: schema.SelectorSet{CSSSelector: "#go"}}, NonFatal: true},
			{Description: "read results", Params: schema.ExtractPageContentParams{Goal: "titles"}},
			{Params: schema.AgentParams{Task: "summarize"}},
		},
	}
}

func TestBuild_DefinitionOnly(t *testing.T) {
	model, err := Build(searchWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "search v2", model.Title)
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindBrowser, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindBrowser, model.Nodes[2].Kind)
	assert.True(t, model.Nodes[2].NonFatal)
	assert.Equal(t, NodeKindExtract, model.Nodes[3].Kind)
	assert.Equal(t, NodeKindAgent, model.Nodes[4].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[5].Kind)

	assert.Equal(t, "0. navigation\nhttps://example.test", model.Nodes[1].Label)
	assert.Equal(t, "2. extract_page_content\nread results", model.Nodes[3].Label)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, n.ID)
	}

	require.Len(t, model.Edges, 5)
	assert.Equal(t, Edge{From: "__start__", To: "step_0"}, model.Edges[0])
	assert.Equal(t, Edge{From: "step_1", To: "step_2", Label: "non-fatal"}, model.Edges[2])
	assert.Equal(t, Edge{From: "step_3", To: "__end__"}, model.Edges[4])
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	model, err := Build(&schema.WorkflowDefinition{Name: "empty"}, nil)
	require.NoError(t, err)
	require.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: "__start__", To: "__end__"}}, model.Edges)
}

func TestBuild_NilDefinition(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)
}

func TestBuild_OverlayFromTask(t *testing.T) {
	snap := &schema.TaskSnapshot{
		ID:       "t1",
		Workflow: "search",
		Status:   schema.TaskStatusFailed,
		Results: []schema.ActionResult{
			{StepIndex: 0, Success: true, Source: schema.SourcePrimary, DurationMs: 40},
			{StepIndex: 1, Success: true, Source: schema.SourceFallback},
			{StepIndex: 2, Success: false, Source: schema.SourcePrimary, Error: "no content"},
		},
	}

	model, err := Build(searchWorkflow(), snap)
	require.NoError(t, err)

	status := func(id string) string {
		n := findNode(model.Nodes, id)
		require.NotNil(t, n, id)
		require.NotNil(t, n.Status, id)
		return n.Status.Status
	}
	assert.Equal(t, StatusSucceeded, status("step_0"))
	assert.Equal(t, StatusRecovered, status("step_1"))
	assert.Equal(t, StatusFailed, status("step_2"))
	assert.Equal(t, StatusNotRun, status("step_3"))
	assert.Equal(t, "no content", findNode(model.Nodes, "step_2").Status.Error)
	assert.Equal(t, int64(40), findNode(model.Nodes, "step_0").Status.DurationMs)

	fb := findNode(model.Nodes, "step_1_fallback")
	require.NotNil(t, fb)
	assert.Equal(t, NodeKindFallback, fb.Kind)
	assert.Contains(t, model.Edges, Edge{From: "step_1", To: "step_1_fallback", Label: "fallback", Dashed: true})
	assert.Contains(t, model.Edges, Edge{From: "step_1", To: "step_2", Label: "non-fatal"})
}

func TestBuild_RunningTaskMarksPending(t *testing.T) {
	snap := &schema.TaskSnapshot{
		Workflow: "search",
		Status:   schema.TaskStatusRunning,
		Results:  []schema.ActionResult{{StepIndex: 0, Success: true, Source: schema.SourcePrimary}},
	}
	model, err := Build(searchWorkflow(), snap)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, findNode(model.Nodes, "step_3").Status.Status)
}

func TestBuild_TaskOfOtherWorkflow(t *testing.T) {
	_, err := Build(searchWorkflow(), &schema.TaskSnapshot{ID: "t9", Workflow: "checkout"})
	assert.ErrorContains(t, err, "checkout")
}
