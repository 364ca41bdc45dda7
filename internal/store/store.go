// Package store persists workflow definitions, archived task snapshots with
// their logs, and cron schedules.
package store

import (
	"context"

	"github.com/rendis/browseflow/pkg/schema"
)

// DefinitionStore is a keyed blob store of workflow definitions.
type DefinitionStore interface {
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, name string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, name string) error
}

// TaskArchive keeps terminal task snapshots and their logs after the task
// manager evicts them.
type TaskArchive interface {
	SaveTask(ctx context.Context, snap *schema.TaskSnapshot, entries []schema.LogEntry) error
	GetTask(ctx context.Context, id string) (*schema.TaskSnapshot, error)
	GetTaskLog(ctx context.Context, id string, from int64) ([]schema.LogEntry, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.TaskSnapshot, error)
}

// ScheduleStore keeps cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionStore
	TaskArchive
	ScheduleStore

	Migrate(ctx context.Context) error
	Close() error
}
