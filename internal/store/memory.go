package store

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rendis/browseflow/pkg/schema"
)

// MemoryStore is a process-local Store. Values are copied in and out so
// callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	tasks     map[string]*schema.TaskSnapshot
	logs      map[string][]schema.LogEntry
	schedules map[string]*Schedule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:      make(map[string]*Definition),
		tasks:     make(map[string]*schema.TaskSnapshot),
		logs:      make(map[string][]schema.LogEntry),
		schedules: make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) PutDefinition(_ context.Context, def *Definition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	cp.Raw = append(json.RawMessage(nil), def.Raw...)
	now := time.Now().UTC()
	if prev, ok := m.defs[def.Name]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = timeOrNow(def.CreatedAt)
	}
	cp.UpdatedAt = now
	m.defs[def.Name] = &cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[name]
	if !ok {
		return nil, storeNotFound("definition", name)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(context.Context) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Definition, 0, len(m.defs))
	for _, d := range m.defs {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return storeNotFound("definition", name)
	}
	delete(m.defs, name)
	return nil
}

func (m *MemoryStore) SaveTask(_ context.Context, snap *schema.TaskSnapshot, entries []schema.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Results = append([]schema.ActionResult(nil), snap.Results...)
	m.tasks[snap.ID] = &cp
	m.logs[snap.ID] = append([]schema.LogEntry(nil), entries...)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*schema.TaskSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	cp := *snap
	return &cp, nil
}

func (m *MemoryStore) GetTaskLog(_ context.Context, id string, from int64) ([]schema.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.logs[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	out := []schema.LogEntry{}
	for _, e := range entries {
		if e.Position >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*schema.TaskSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.TaskSnapshot
	for _, snap := range m.tasks {
		if filter.Workflow != "" && snap.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	cp := copySchedule(sched)
	cp.CreatedAt = timeOrNow(sched.CreatedAt)
	m.schedules[sched.ID] = cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return copySchedule(sched), nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sched.NextRunAt = &t
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sched.LastRunAt = &t
	}
	if update.LastTaskID != "" {
		sched.LastTaskID = update.LastTaskID
	}
	if update.LastStatus != "" {
		sched.LastStatus = update.LastStatus
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, sched := range m.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		if filter.DefinitionName != "" && sched.DefinitionName != filter.DefinitionName {
			continue
		}
		out = append(out, copySchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

func copySchedule(s *Schedule) *Schedule {
	cp := *s
	cp.Inputs = maps.Clone(s.Inputs)
	return &cp
}
