package engine

import (
	"maps"
	"sync"
)

// ExecutionContext holds the values visible to placeholder resolution within
// one run: the coerced inputs plus every step output produced so far. Later
// writes of the same key win.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext seeds a context from validated inputs. The input map
// is copied.
func NewExecutionContext(inputs map[string]any) *ExecutionContext {
	values := make(map[string]any, len(inputs))
	maps.Copy(values, inputs)
	return &ExecutionContext{values: values}
}

// Get implements expressions.Lookup.
func (c *ExecutionContext) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Set stores a value under name.
func (c *ExecutionContext) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
}

// Delete removes name so later references to it fail to resolve.
func (c *ExecutionContext) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, name)
}

// Snapshot returns a copy of every value.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}
