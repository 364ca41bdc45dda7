package diagram

import (
	"fmt"

	"github.com/rendis/browseflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow definition. When snap is
// non-nil its step results are overlaid on the matching nodes and steps
// recovered by the agent get a fallback branch.
func Build(def *schema.WorkflowDefinition, snap *schema.TaskSnapshot) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	if snap != nil && snap.Workflow != "" && snap.Workflow != def.Name {
		return nil, fmt.Errorf("diagram: task %s ran %q, not %q", snap.ID, snap.Workflow, def.Name)
	}

	results := make(map[int]schema.ActionResult)
	if snap != nil {
		for _, r := range snap.Results {
			results[r.StepIndex] = r
		}
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	prev := startID
	var prevLabel string
	for i, step := range def.Steps {
		node := &Node{
			ID:       stepID(i),
			Label:    nodeLabel(i, step),
			Kind:     stepKind(step.Type()),
			NonFatal: step.NonFatal,
		}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, Edge{From: prev, To: node.ID, Label: prevLabel})

		if snap != nil {
			r, ok := results[i]
			node.Status = overlay(r, ok, snap.Status)
			if ok && r.Source == schema.SourceFallback {
				fb := &Node{ID: node.ID + "_fallback", Label: "agent fallback", Kind: NodeKindFallback, Status: node.Status}
				model.Nodes = append(model.Nodes, fb)
				model.Edges = append(model.Edges, Edge{From: node.ID, To: fb.ID, Label: "fallback", Dashed: true})
			}
		}

		prev, prevLabel = node.ID, ""
		if step.NonFatal {
			prevLabel = "non-fatal"
		}
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Edges = append(model.Edges, Edge{From: prev, To: endID, Label: prevLabel})
	return model, nil
}

func stepID(i int) string { return fmt.Sprintf("step_%d", i) }

func stepKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeAgent:
		return NodeKindAgent
	case schema.StepTypeExtractPageContent:
		return NodeKindExtract
	default:
		return NodeKindBrowser
	}
}

// nodeLabel is "<index>. <type>" followed by a one-line summary.
func nodeLabel(i int, step schema.WorkflowStep) string {
	return fmt.Sprintf("%d. %s\n%s", i, step.Type(), summary(step))
}

func summary(step schema.WorkflowStep) string {
	if step.Description != "" {
		return step.Description
	}
	switch p := step.Params.(type) {
	case schema.NavigationParams:
		return p.URL
	case schema.ClickParams:
		return p.SelectorSet.String()
	case schema.InputParams:
		return p.SelectorSet.String()
	case schema.SelectChangeParams:
		return p.SelectedText
	case schema.KeyPressParams:
		return p.Key
	case schema.ScrollParams:
		return fmt.Sprintf("(%d, %d)", p.ScrollX, p.ScrollY)
	case schema.ExtractPageContentParams:
		return p.Goal
	case schema.AgentParams:
		return p.Task
	}
	return ""
}

func overlay(r schema.ActionResult, ok bool, task schema.TaskStatus) *StatusOverlay {
	if !ok {
		if task.Terminal() {
			return &StatusOverlay{Status: StatusNotRun}
		}
		return &StatusOverlay{Status: StatusPending}
	}
	s := &StatusOverlay{DurationMs: r.DurationMs, Error: r.Error}
	switch {
	case !r.Success:
		s.Status = StatusFailed
	case r.Source == schema.SourceFallback:
		s.Status = StatusRecovered
	default:
		s.Status = StatusSucceeded
	}
	return s
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Version != "" {
		return def.Name + " " + def.Version
	}
	if def.Name == "" {
		return "Workflow"
	}
	return def.Name
}
