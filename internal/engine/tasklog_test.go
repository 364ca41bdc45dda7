package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browseflow/pkg/schema"
)

func TestTaskLog_AppendAssignsPositions(t *testing.T) {
	var seen []int64
	l := NewTaskLog("t1", func(e schema.LogEntry) { seen = append(seen, e.Position) })

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(context.Background(), &schema.LogEntry{Kind: "k"}))
	}

	entries, next := l.Read(0)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), next)
	assert.Equal(t, int64(3), l.Len())
	for i, e := range entries {
		assert.Equal(t, int64(i), e.Position)
		assert.Equal(t, "t1", e.TaskID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []int64{0, 1, 2}, seen)
}

func TestTaskLog_KeepsExplicitTimestamp(t *testing.T) {
	l := NewTaskLog("t1", nil)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, l.Append(context.Background(), &schema.LogEntry{Kind: "k", Timestamp: ts}))

	entries, _ := l.Read(0)
	assert.Equal(t, ts, entries[0].Timestamp)
}

func TestTaskLog_ReadWindows(t *testing.T) {
	l := NewTaskLog("t1", nil)
	for i := 0; i < 5; i++ {
		_ = l.Append(context.Background(), &schema.LogEntry{Kind: "k"})
	}

	tail, next := l.Read(3)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Position)
	assert.Equal(t, int64(5), next)

	past, next := l.Read(10)
	assert.NotNil(t, past)
	assert.Empty(t, past)
	assert.Equal(t, int64(5), next)

	all, _ := l.Read(-1)
	assert.Len(t, all, 5)
}

func TestTaskLog_ReadReturnsCopy(t *testing.T) {
	l := NewTaskLog("t1", nil)
	_ = l.Append(context.Background(), &schema.LogEntry{Kind: "k", Message: "original"})

	entries, _ := l.Read(0)
	entries[0].Message = "changed"

	again, _ := l.Read(0)
	assert.Equal(t, "original", again[0].Message)
}

func TestTaskLog_ConcurrentReadersAndWriter(t *testing.T) {
	l := NewTaskLog("t1", nil)
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = l.Append(context.Background(), &schema.LogEntry{Kind: "k"})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor int64
			for cursor < total {
				entries, next := l.Read(cursor)
				for i, e := range entries {
					if e.Position != cursor+int64(i) {
						t.Errorf("gap: expected position %d, got %d", cursor+int64(i), e.Position)
						return
					}
				}
				cursor = next
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(total), l.Len())
}
