package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rendis/browseflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EntryAppender receives the log entry emitted by each transition. Satisfied
// by *TaskLog and test fakes.
type EntryAppender interface {
	Append(ctx context.Context, entry *schema.LogEntry) error
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task lifecycle state transitions.
type TaskFSM struct {
	mu     sync.Mutex
	before map[taskHookKey][]TransitionHook
	after  map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM.
func NewTaskFSM() *TaskFSM {
	return &TaskFSM{
		before: make(map[taskHookKey][]TransitionHook),
		after:  make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a task transition and emits its log entry through
// log. The caller owns the task's status field.
func (f *TaskFSM) Transition(ctx context.Context, log EntryAppender, taskID string, from, to schema.TaskStatus, data map[string]any) error {
	if !slices.Contains(ValidTaskTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := taskHookKey{from, to}
	before := f.before[key]
	after := f.after[key]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if kind := taskEntryKind(to); kind != "" {
		entry := &schema.LogEntry{
			TaskID:  taskID,
			Kind:    kind,
			Message: fmt.Sprintf("task %s", to),
			Data:    data,
		}
		if err := log.Append(ctx, entry); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task entry: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func taskEntryKind(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusRunning:
		return schema.EventTaskStarted
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	case schema.TaskStatusCancelled:
		return schema.EventTaskCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu     sync.Mutex
	before map[stepHookKey][]TransitionHook
	after  map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM.
func NewStepFSM() *StepFSM {
	return &StepFSM{
		before: make(map[stepHookKey][]TransitionHook),
		after:  make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a step transition and emits its log entry.
func (f *StepFSM) Transition(ctx context.Context, log EntryAppender, taskID string, index int, from, to schema.StepStatus, msg string, data map[string]any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(index).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := stepHookKey{from, to}
	before := f.before[key]
	after := f.after[key]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if kind := stepEntryKind(to); kind != "" {
		idx := index
		entry := &schema.LogEntry{
			TaskID:    taskID,
			StepIndex: &idx,
			Kind:      kind,
			Message:   msg,
			Data:      data,
		}
		if err := log.Append(ctx, entry); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step entry: %s", err.Error()).
				WithStep(index).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEntryKind(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusResolving:
		return schema.EventStepResolving
	case schema.StepStatusDispatched:
		return schema.EventStepDispatched
	case schema.StepStatusFallbackAttempted:
		return schema.EventStepFallback
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidTaskTransitions defines the allowed state transitions for tasks.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusQueued:    {schema.TaskStatusRunning, schema.TaskStatusCancelled},
	schema.TaskStatusRunning:   {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusFailed:    {},
	schema.TaskStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:           {schema.StepStatusResolving},
	schema.StepStatusResolving:         {schema.StepStatusDispatched, schema.StepStatusFailed},
	schema.StepStatusDispatched:        {schema.StepStatusSucceeded, schema.StepStatusFallbackAttempted, schema.StepStatusFailed},
	schema.StepStatusFallbackAttempted: {schema.StepStatusSucceeded, schema.StepStatusFailed},
	schema.StepStatusSucceeded:         {},
	schema.StepStatusFailed:            {},
}
