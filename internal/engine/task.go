package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/browseflow/pkg/schema"
)

// RunOptions tunes one run.
type RunOptions struct {
	// AllowFallback overrides Config.AllowFallback when non-nil.
	AllowFallback *bool `json:"allow_fallback,omitempty"`

	// OutputSchema, when set, requests end-of-run structured output shaped
	// by this JSON Schema.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// OnQueued, when set, is called with the task ID after the task is
	// pollable and before its run can start.
	OnQueued func(taskID string) `json:"-"`
}

// Task is the manager's record of one run. Fields below mu are guarded by
// it; the log has its own synchronization.
type Task struct {
	id            string
	def           *schema.WorkflowDefinition
	inputs        map[string]any
	allowFallback bool
	outputSchema  json.RawMessage
	log           *TaskLog
	cancel        context.CancelFunc
	done          chan struct{}

	mu              sync.RWMutex
	status          schema.TaskStatus
	results         []schema.ActionResult
	output          json.RawMessage
	err             *schema.FlowError
	outputErr       *schema.FlowError
	cancelRequested bool
	createdAt       time.Time
	startedAt       *time.Time
	completedAt     *time.Time
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) appendResult(r schema.ActionResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)
}

// resultsCopy returns the results recorded so far.
func (t *Task) resultsCopy() []schema.ActionResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]schema.ActionResult(nil), t.results...)
}

func (t *Task) setOutput(raw json.RawMessage, outputErr *schema.FlowError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = raw
	t.outputErr = outputErr
}

func (t *Task) currentStatus() schema.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns a copy of the task's observable state.
func (t *Task) Snapshot() *schema.TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := &schema.TaskSnapshot{
		ID:               t.id,
		Workflow:         t.def.Name,
		Status:           t.status,
		Results:          append([]schema.ActionResult{}, t.results...),
		Output:           append(json.RawMessage(nil), t.output...),
		Error:            t.err,
		StructuredOutput: t.outputErr,
		LogLength:        t.log.Len(),
		CreatedAt:        t.createdAt,
		StartedAt:        t.startedAt,
		CompletedAt:      t.completedAt,
	}
	if len(snap.Output) == 0 {
		snap.Output = nil
	}
	return snap
}
