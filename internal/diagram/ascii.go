package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusSucceeded:
		return "[OK]"
	case StatusRecovered:
		return "[OK via agent]"
	case StatusFailed:
		return "[FAIL]"
	case StatusPending:
		return "[PEND]"
	case StatusNotRun:
		return "[--]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes. Fallback
// branches are drawn beside the step they recovered.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	branches := make(map[string][]Edge)
	for _, e := range model.Edges {
		if e.Dashed {
			branches[e.From] = append(branches[e.From], e)
		}
	}
	incoming := make(map[string]Edge)
	for _, e := range model.Edges {
		if !e.Dashed {
			incoming[e.To] = e
		}
	}

	first := true
	for _, node := range model.Nodes {
		if node.Kind == NodeKindFallback {
			continue
		}
		if !first {
			renderConnector(&b, incoming[node.ID].Label)
		}
		first = false

		box := makeBox(node)
		for i, line := range box {
			b.WriteString(line)
			if i == len(box)/2 {
				for _, e := range branches[node.ID] {
					if fb := findNode(model.Nodes, e.To); fb != nil {
						fmt.Fprintf(&b, " - - %s - -> (%s)", e.Label, firstLine(fb.Label))
					}
				}
			}
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// makeBox returns the lines of an ASCII box for a node.
func makeBox(node *Node) []string {
	contentLines := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
		if node.Status.Error != "" {
			contentLines = append(contentLines, truncate(node.Status.Error, 60))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return lines
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// renderConnector draws a vertical connector between boxes.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		fmt.Fprintf(b, "  │ %s\n", label)
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}
