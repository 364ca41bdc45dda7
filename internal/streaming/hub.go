// Package streaming mirrors task log entries to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/browseflow/pkg/schema"
)

// Filter selects which log entries a subscriber receives. Zero values match
// everything.
type Filter struct {
	TaskID string   `json:"task_id,omitempty"`
	Kinds  []string `json:"kinds,omitempty"`
}

// Hub provides pub/sub for task log entries.
type Hub interface {
	Publish(ctx context.Context, entry schema.LogEntry) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.LogEntry, func(), error)
}
