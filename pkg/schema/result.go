package schema

import (
	"encoding/json"
	"time"
)

// ResultSource records which path produced a step's terminal result.
type ResultSource string

const (
	SourcePrimary  ResultSource = "primary"
	SourceFallback ResultSource = "fallback"
)

// ActionResult is the per-step outcome of a run.
type ActionResult struct {
	StepIndex        int          `json:"step_index"`
	StepType         StepType     `json:"step_type"`
	Success          bool         `json:"success"`
	ExtractedContent string       `json:"extracted_content,omitempty"`
	Error            string       `json:"error,omitempty"`
	Source           ResultSource `json:"source"`
	DurationMs       int64        `json:"duration_ms,omitempty"`
}

// LogEntry is one append-only record of a task's log. Position is dense and
// 0-based within the task.
type LogEntry struct {
	Position  int64          `json:"position"`
	TaskID    string         `json:"task_id"`
	StepIndex *int           `json:"step_index,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskSnapshot is a point-in-time copy of a task, safe to hand to callers.
type TaskSnapshot struct {
	ID               string          `json:"id"`
	Workflow         string          `json:"workflow"`
	Status           TaskStatus      `json:"status"`
	Results          []ActionResult  `json:"results"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            *FlowError      `json:"error,omitempty"`
	StructuredOutput *FlowError      `json:"structured_output_error,omitempty"`
	LogLength        int64           `json:"log_length"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}
