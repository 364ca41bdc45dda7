package schema

// Log entry kinds recorded in a task's log.
const (
	EventTaskQueued    = "task_queued"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"

	EventStepResolving        = "step_resolving"
	EventStepDispatched       = "step_dispatched"
	EventStepSucceeded        = "step_succeeded"
	EventStepFailed           = "step_failed"
	EventStepError            = "step_error"
	EventStepFallback         = "step_fallback_attempted"
	EventStepOutputSet        = "step_output_set"
	EventStepNonFatalSkipped  = "step_non_fatal_continue"
	EventAgentAction          = "agent_action"
	EventOutputSynthesized    = "output_synthesized"
	EventOutputSynthesisError = "output_synthesis_failed"
	EventCancelRequested      = "cancel_requested"
)

// TaskStatus represents the lifecycle state of a task (one run).
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusResolving         StepStatus = "resolving"
	StepStatusDispatched        StepStatus = "dispatched"
	StepStatusFallbackAttempted StepStatus = "fallback_attempted"
	StepStatusSucceeded         StepStatus = "succeeded"
	StepStatusFailed            StepStatus = "failed"
)
