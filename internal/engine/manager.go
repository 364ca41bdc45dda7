// Package engine executes workflow definitions against live browser
// sessions and manages the concurrent, cancellable tasks that do so.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/browseflow/internal/agent"
	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/internal/extraction"
	"github.com/rendis/browseflow/internal/logging"
	"github.com/rendis/browseflow/internal/store"
	"github.com/rendis/browseflow/internal/streaming"
	"github.com/rendis/browseflow/internal/validation"
	"github.com/rendis/browseflow/pkg/schema"
)

// DefaultMaxConcurrentRuns is the default worker pool size.
const DefaultMaxConcurrentRuns = 4

// Config holds engine tunables.
type Config struct {
	MaxConcurrentRuns int  // tasks running at once; the rest wait queued
	DefaultMaxSteps   int  // agent step budget when a step sets none
	FallbackMaxSteps  int  // agent step budget for a fallback delegation
	AllowFallback     bool // default for RunOptions.AllowFallback
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		DefaultMaxSteps:   agent.DefaultMaxSteps,
		FallbackMaxSteps:  DefaultFallbackMaxSteps,
		AllowFallback:     true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.DefaultMaxSteps <= 0 {
		c.DefaultMaxSteps = agent.DefaultMaxSteps
	}
	if c.FallbackMaxSteps <= 0 {
		c.FallbackMaxSteps = DefaultFallbackMaxSteps
	}
	return c
}

// Deps are the capabilities a TaskManager drives. Launcher, Agent,
// Extractor and Validator are required.
type Deps struct {
	Launcher    browser.Launcher
	Agent       agent.Agent
	Extractor   extraction.Extractor
	Validator   validation.Validator
	Definitions store.DefinitionStore // optional; needed by StartNamed
	Archive     store.TaskArchive     // optional; terminal snapshots are saved here
	Hub         streaming.Hub         // optional; mirrors every log entry
	Logger      *slog.Logger
}

// TaskManager owns the lifecycle of concurrent runs.
type TaskManager struct {
	deps  Deps
	cfg   Config
	exec  *Executor
	fsm   *TaskFSM
	pool  *WorkerPool
	root  context.Context
	stop  context.CancelFunc
	log   *slog.Logger
	clock func() time.Time

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewTaskManager creates a TaskManager.
func NewTaskManager(deps Deps, cfg Config) (*TaskManager, error) {
	if deps.Launcher == nil || deps.Agent == nil || deps.Extractor == nil || deps.Validator == nil {
		return nil, errors.New("engine: launcher, agent, extractor and validator are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	root, stop := context.WithCancel(context.Background())
	return &TaskManager{
		deps:  deps,
		cfg:   cfg,
		exec:  NewExecutor(deps.Agent, deps.Extractor, deps.Validator, cfg, deps.Logger),
		fsm:   NewTaskFSM(),
		pool:  NewWorkerPool(cfg.MaxConcurrentRuns),
		root:  root,
		stop:  stop,
		log:   deps.Logger,
		clock: time.Now,
		tasks: make(map[string]*Task),
	}, nil
}

// Start validates the definition and inputs and queues a run. Input
// failures return INPUT_ERROR without creating a task. The returned ID is
// immediately pollable. The run outlives ctx; use Cancel to stop it.
func (m *TaskManager) Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any, opts RunOptions) (string, error) {
	if m.root.Err() != nil {
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}
	if err := m.deps.Validator.ValidateDefinition(def); err != nil {
		return "", err
	}
	coerced, err := m.deps.Validator.CoerceInputs(def.InputSchema, inputs)
	if err != nil {
		return "", err
	}
	if len(opts.OutputSchema) > 0 {
		if err := m.deps.Validator.CheckShape(opts.OutputSchema); err != nil {
			return "", err
		}
	}
	allow := m.cfg.AllowFallback
	if opts.AllowFallback != nil {
		allow = *opts.AllowFallback
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(logging.WithRun(m.root, id, def.Name))
	t := &Task{
		id:            id,
		def:           def,
		inputs:        coerced,
		allowFallback: allow,
		outputSchema:  append(json.RawMessage(nil), opts.OutputSchema...),
		log:           NewTaskLog(id, m.publisher(runCtx)),
		cancel:        cancel,
		done:          make(chan struct{}),
		status:        schema.TaskStatusQueued,
		createdAt:     m.clock().UTC(),
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	_ = t.log.Append(runCtx, &schema.LogEntry{
		Kind:    schema.EventTaskQueued,
		Message: "task queued",
		Data:    map[string]any{"workflow": def.Name, "steps": len(def.Steps), "allow_fallback": allow},
	})
	if opts.OnQueued != nil {
		opts.OnQueued(id)
	}

	err = m.pool.Enqueue(runCtx, func(ctx context.Context) error {
		return m.run(ctx, t)
	}, func(reason error) {
		m.finish(t, schema.TaskStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "cancelled before start").WithCause(reason))
	})
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down").WithCause(err)
	}

	m.log.InfoContext(runCtx, "task queued")
	return id, nil
}

// StartNamed resolves a stored definition by name and starts it.
func (m *TaskManager) StartNamed(ctx context.Context, name string, inputs map[string]any, opts RunOptions) (string, error) {
	if m.deps.Definitions == nil {
		return "", schema.NewError(schema.ErrCodeNotFound, "no definition store configured")
	}
	stored, err := m.deps.Definitions.GetDefinition(ctx, name)
	if err != nil {
		return "", err
	}
	def, result := m.deps.Validator.Parse(stored.Raw)
	if !result.Valid() {
		return "", result.ToError()
	}
	return m.Start(ctx, def, inputs, opts)
}

// run is the pool job of one task.
func (m *TaskManager) run(ctx context.Context, t *Task) error {
	defer func() {
		if r := recover(); r != nil {
			m.finish(t, schema.TaskStatusFailed, schema.NewErrorf(schema.ErrCodeActionExecution, "run panicked: %v", r))
			panic(r)
		}
	}()

	if err := ctx.Err(); err != nil {
		m.finish(t, schema.TaskStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "cancelled before start").WithCause(err))
		return nil
	}
	if err := m.transition(t, schema.TaskStatusRunning, nil, nil); err != nil {
		return nil
	}
	m.log.InfoContext(ctx, "task started")

	session, err := m.deps.Launcher.NewSession(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.finish(t, schema.TaskStatusCancelled, cancelledError(0, ctxErr))
			return nil
		}
		fe := schema.NewError(schema.ErrCodeActionExecution, "open browser session: "+err.Error()).WithCause(err)
		m.finish(t, schema.TaskStatusFailed, fe)
		return fe
	}
	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			if err := session.Close(); err != nil {
				m.log.ErrorContext(ctx, "close browser session", slog.String("error", err.Error()))
			}
		})
	}
	defer closeSession()

	status, ferr := m.exec.Execute(ctx, t, session)
	if status != schema.TaskStatusCancelled && ctx.Err() == nil {
		m.exec.Synthesize(ctx, t)
	}
	closeSession()
	if ctxErr := ctx.Err(); ctxErr != nil && status == schema.TaskStatusCompleted {
		status, ferr = schema.TaskStatusCancelled, cancelledError(max(len(t.def.Steps)-1, 0), ctxErr)
	}
	m.finish(t, status, ferr)
	if ferr != nil && status == schema.TaskStatusFailed {
		return ferr
	}
	return nil
}

// transition moves t to status under its lock. It fails if t's current
// status does not allow it. ferr is recorded when the target is terminal.
func (m *TaskManager) transition(t *Task, to schema.TaskStatus, data map[string]any, ferr *schema.FlowError) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.transitionLocked(t, to, data, ferr)
}

func (m *TaskManager) transitionLocked(t *Task, to schema.TaskStatus, data map[string]any, ferr *schema.FlowError) error {
	if err := m.fsm.Transition(context.Background(), t.log, t.id, t.status, to, data); err != nil {
		return err
	}
	t.status = to
	now := m.clock().UTC()
	if to == schema.TaskStatusRunning {
		t.startedAt = &now
	}
	if to.Terminal() {
		t.completedAt = &now
		t.err = ferr
	}
	return nil
}

// finish moves t to a terminal status exactly once, archives it and wakes
// waiters. A cancel accepted before the terminal transition turns a
// completion into a cancellation.
func (m *TaskManager) finish(t *Task, status schema.TaskStatus, ferr *schema.FlowError) {
	t.mu.Lock()
	switch {
	case status == schema.TaskStatusCompleted && t.cancelRequested:
		status = schema.TaskStatusCancelled
		ferr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(context.Canceled)
	case status == schema.TaskStatusCompleted:
		ferr = nil
	}
	var data map[string]any
	if ferr != nil {
		data = map[string]any{"code": ferr.Code, "error": ferr.Message}
	}
	err := m.transitionLocked(t, status, data, ferr)
	t.mu.Unlock()
	if err != nil {
		if !t.currentStatus().Terminal() {
			m.log.Error("finalize task", slog.String("task_id", t.id), slog.String("error", err.Error()))
		}
		return
	}
	t.cancel()

	ctx := logging.WithRun(context.Background(), t.id, t.def.Name)
	if status == schema.TaskStatusFailed {
		m.log.WarnContext(ctx, "task failed", slog.String("error", ferr.Error()))
	} else {
		m.log.InfoContext(ctx, "task finished", slog.String("status", string(status)))
	}
	// Archived before waiters wake so an evicted task is always recoverable.
	m.archive(ctx, t)
	close(t.done)
}

func (m *TaskManager) archive(ctx context.Context, t *Task) {
	if m.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	entries, _ := t.log.Read(0)
	if err := m.deps.Archive.SaveTask(ctx, t.Snapshot(), entries); err != nil {
		m.log.ErrorContext(ctx, "archive task", slog.String("error", err.Error()))
	}
}

func (m *TaskManager) publisher(ctx context.Context) func(schema.LogEntry) {
	if m.deps.Hub == nil {
		return nil
	}
	hub := m.deps.Hub
	// Publishing must not stop when the run is cancelled.
	ctx = context.WithoutCancel(ctx)
	return func(e schema.LogEntry) {
		_ = hub.Publish(ctx, e)
	}
}

func (m *TaskManager) lookup(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Status returns a snapshot of the task. It never waits for the run.
// Evicted tasks are served from the archive when one is configured.
func (m *TaskManager) Status(ctx context.Context, id string) (*schema.TaskSnapshot, error) {
	if t, ok := m.lookup(id); ok {
		return t.Snapshot(), nil
	}
	if m.deps.Archive != nil {
		return m.deps.Archive.GetTask(ctx, id)
	}
	return nil, notFound(id)
}

// Logs returns the entries with position >= from and the cursor for the
// next poll.
func (m *TaskManager) Logs(ctx context.Context, id string, from int64) ([]schema.LogEntry, int64, error) {
	if t, ok := m.lookup(id); ok {
		entries, next := t.log.Read(from)
		return entries, next, nil
	}
	if m.deps.Archive != nil {
		entries, err := m.deps.Archive.GetTaskLog(ctx, id, from)
		if err != nil {
			return nil, 0, err
		}
		next := from
		if n := len(entries); n > 0 {
			next = entries[n-1].Position + 1
		}
		return entries, next, nil
	}
	return nil, 0, notFound(id)
}

// Cancel requests cooperative cancellation. It is effective while the task
// is queued or running and a no-op once the task is terminal.
func (m *TaskManager) Cancel(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	first := !t.cancelRequested
	t.cancelRequested = true
	t.mu.Unlock()

	if first {
		_ = t.log.Append(context.Background(), &schema.LogEntry{Kind: schema.EventCancelRequested, Message: "cancellation requested"})
	}
	t.cancel()
	return nil
}

// Wait blocks until the task is terminal or ctx is done.
func (m *TaskManager) Wait(ctx context.Context, id string) (*schema.TaskSnapshot, error) {
	t, ok := m.lookup(id)
	if !ok {
		return m.Status(ctx, id)
	}
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots of every retained task, oldest first.
func (m *TaskManager) List() []*schema.TaskSnapshot {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	out := make([]*schema.TaskSnapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Evict drops a terminal task from memory.
func (m *TaskManager) Evict(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return notFound(id)
	}
	if !t.currentStatus().Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is still %s", id, t.currentStatus())
	}
	delete(m.tasks, id)
	return nil
}

// Metrics returns the worker pool metrics.
func (m *TaskManager) Metrics() PoolMetrics {
	return m.pool.Metrics()
}

// Shutdown cancels every unfinished task and waits for their runs to end.
func (m *TaskManager) Shutdown() {
	m.stop()
	m.pool.Shutdown()
}

func notFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
}
