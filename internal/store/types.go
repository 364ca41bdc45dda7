package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/browseflow/pkg/schema"
)

// Definition is a stored workflow definition. Raw is the definition's JSON
// document exactly as validated.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Raw         json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskFilter specifies criteria for listing archived tasks.
type TaskFilter struct {
	Workflow string             `json:"workflow,omitempty"`
	Status   *schema.TaskStatus `json:"status,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// Schedule is a cron-triggered run of a stored definition.
type Schedule struct {
	ID             string         `json:"id"`
	DefinitionName string         `json:"definition_name"`
	Cron           string         `json:"cron"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        bool           `json:"enabled"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastTaskID     string         `json:"last_task_id,omitempty"`
	LastStatus     string         `json:"last_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled    *bool      `json:"enabled,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastTaskID string     `json:"last_task_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	DefinitionName string `json:"definition_name,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
