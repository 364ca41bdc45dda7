// Package diagram renders workflow definitions, optionally overlaid with the
// per-step outcome of a task, as Mermaid, ASCII or graphviz images.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindBrowser  NodeKind = "browser" // deterministic DOM step
	NodeKindExtract  NodeKind = "extract"
	NodeKindAgent    NodeKind = "agent"
	NodeKindFallback NodeKind = "fallback"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Overlay statuses derived from a task snapshot.
const (
	StatusSucceeded = "succeeded"
	StatusRecovered = "recovered" // succeeded through agent fallback
	StatusFailed    = "failed"
	StatusPending   = "pending" // task still running
	StatusNotRun    = "not_run" // task ended before reaching the step
)

type colors struct {
	fill, stroke, font string
	dashed             bool
}

// palette is shared by the Mermaid and graphviz renderers.
var palette = map[string]colors{
	StatusSucceeded: {fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	StatusRecovered: {fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"},
	StatusFailed:    {fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	StatusPending:   {fill: "#d3d3d3", stroke: "#9a9a9a", font: "#000000"},
	StatusNotRun:    {fill: "#e8e8e8", stroke: "#b0b0b0", font: "#888888", dashed: true},
}

// paletteOrder fixes the order of Mermaid class definitions.
var paletteOrder = []string{StatusSucceeded, StatusRecovered, StatusFailed, StatusPending, StatusNotRun}

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	NonFatal bool
	Status   *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Dashed edges lead to fallback nodes.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
