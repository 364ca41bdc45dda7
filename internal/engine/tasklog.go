package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/browseflow/pkg/schema"
)

// TaskLog is the append-only log of one task. Writers are serialized by a
// mutex; readers load the published slice header atomically and never block.
// Appends never touch the already-published prefix, so any slice a reader
// holds stays valid.
type TaskLog struct {
	taskID string

	mu       sync.Mutex
	entries  atomic.Pointer[[]schema.LogEntry]
	onAppend func(schema.LogEntry)
	now      func() time.Time
}

// NewTaskLog creates an empty log. onAppend, if non-nil, is called with
// every entry after it is published, while the writer lock is held, so
// callbacks observe entries in position order.
func NewTaskLog(taskID string, onAppend func(schema.LogEntry)) *TaskLog {
	l := &TaskLog{taskID: taskID, onAppend: onAppend, now: time.Now}
	empty := make([]schema.LogEntry, 0, 16)
	l.entries.Store(&empty)
	return l
}

// Append assigns the next position and a timestamp and publishes the entry.
func (l *TaskLog) Append(_ context.Context, entry *schema.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := *l.entries.Load()
	entry.Position = int64(len(cur))
	entry.TaskID = l.taskID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	// When cap is exhausted append copies into a new backing array; otherwise
	// it writes past every published length, which no reader can see.
	next := append(cur, *entry)
	l.entries.Store(&next)

	if l.onAppend != nil {
		l.onAppend(*entry)
	}
	return nil
}

// Read returns the entries with position >= from and the cursor for the
// next poll. Reads are idempotent: the same from always yields the same
// prefix of entries.
func (l *TaskLog) Read(from int64) ([]schema.LogEntry, int64) {
	cur := *l.entries.Load()
	n := int64(len(cur))
	if from < 0 {
		from = 0
	}
	if from >= n {
		return []schema.LogEntry{}, n
	}
	out := make([]schema.LogEntry, n-from)
	copy(out, cur[from:])
	return out, n
}

// Len returns the number of published entries.
func (l *TaskLog) Len() int64 {
	return int64(len(*l.entries.Load()))
}
