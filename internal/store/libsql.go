package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/browseflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/browseflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition name is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, description, version, raw, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description=excluded.description, version=excluded.version,
		 raw=excluded.raw, updated_at=excluded.updated_at`,
		def.Name, nullStr(def.Description), nullStr(def.Version), string(def.Raw), timeOrNow(def.CreatedAt), now,
	)
	if err != nil {
		return storeError("put definition", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, version, raw, created_at, updated_at FROM definitions WHERE name = ?`, name)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", name)
	}
	if err != nil {
		return nil, storeError("get definition", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, version, raw, created_at, updated_at FROM definitions ORDER BY name`)
	if err != nil {
		return nil, storeError("list definitions", err)
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, storeError("scan definition", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE name = ?`, name)
	if err != nil {
		return storeError("delete definition", err)
	}
	return checkRowsAffected(res, "definition", name)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*Definition, error) {
	d := &Definition{}
	var desc, version sql.NullString
	var raw string
	if err := row.Scan(&d.Name, &desc, &version, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Description = desc.String
	d.Version = version.String
	d.Raw = json.RawMessage(raw)
	return d, nil
}

// --- Task archive ---

// SaveTask stores a terminal snapshot and its log in one transaction.
// Saving the same task again replaces both.
func (s *LibSQLStore) SaveTask(ctx context.Context, snap *schema.TaskSnapshot, entries []schema.LogEntry) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin save task", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow, status, snapshot, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, snapshot=excluded.snapshot, completed_at=excluded.completed_at`,
		snap.ID, snap.Workflow, string(snap.Status), string(body), timeOrNow(snap.CreatedAt), nullTime(snap.CompletedAt),
	); err != nil {
		return storeError("insert task", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_log WHERE task_id = ?`, snap.ID); err != nil {
		return storeError("clear task log", err)
	}
	for _, e := range entries {
		data, err := marshalMapOrNil(e.Data)
		if err != nil {
			return fmt.Errorf("marshal entry data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_log (task_id, position, step_index, kind, message, data, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, e.Position, nullInt(e.StepIndex), e.Kind, e.Message, data, e.Timestamp,
		); err != nil {
			return storeError("insert task log entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit save task", err)
	}
	return nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.TaskSnapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM tasks WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, storeError("get task", err)
	}
	snap := &schema.TaskSnapshot{}
	if err := json.Unmarshal([]byte(body), snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *LibSQLStore) GetTaskLog(ctx context.Context, id string, from int64) ([]schema.LogEntry, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, storeError("get task log", err)
	}
	if exists == 0 {
		return nil, storeNotFound("task", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT position, step_index, kind, message, data, timestamp FROM task_log
		 WHERE task_id = ? AND position >= ? ORDER BY position ASC`, id, from)
	if err != nil {
		return nil, storeError("get task log", err)
	}
	defer rows.Close()

	entries := []schema.LogEntry{}
	for rows.Next() {
		e := schema.LogEntry{TaskID: id}
		var step sql.NullInt64
		var data sql.NullString
		if err := rows.Scan(&e.Position, &step, &e.Kind, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, storeError("scan task log entry", err)
		}
		if step.Valid {
			idx := int(step.Int64)
			e.StepIndex = &idx
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal entry data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.TaskSnapshot, error) {
	var where []string
	var args []any

	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT snapshot FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	defer rows.Close()

	var out []*schema.TaskSnapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storeError("scan task", err)
		}
		snap := &schema.TaskSnapshot{}
		if err := json.Unmarshal([]byte(body), snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	inputs, err := marshalMapOrDefault(sched.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, definition_name, cron, inputs, enabled, next_run_at, last_run_at, last_task_id, last_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DefinitionName, sched.Cron, string(inputs), sched.Enabled,
		nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), nullStr(sched.LastTaskID), nullStr(sched.LastStatus),
		timeOrNow(sched.CreatedAt),
	)
	if err != nil {
		return storeError("create schedule", err)
	}
	return nil
}

const scheduleColumns = `id, definition_name, cron, inputs, enabled, next_run_at, last_run_at, last_task_id, last_status, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeError("get schedule", err)
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastTaskID != "" {
		sets = append(sets, "last_task_id = ?")
		args = append(args, update.LastTaskID)
	}
	if update.LastStatus != "" {
		sets = append(sets, "last_status = ?")
		args = append(args, update.LastStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}

	query := "SELECT " + scheduleColumns + " FROM schedules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, storeError("scan schedule", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeError("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row scanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		inputs               string
		nextRun, lastRun     sql.NullTime
		lastTask, lastStatus sql.NullString
	)
	if err := row.Scan(&sched.ID, &sched.DefinitionName, &sched.Cron, &inputs, &sched.Enabled,
		&nextRun, &lastRun, &lastTask, &lastStatus, &sched.CreatedAt); err != nil {
		return nil, err
	}
	if inputs != "" && inputs != "{}" {
		if err := json.Unmarshal([]byte(inputs), &sched.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	sched.LastTaskID = lastTask.String
	sched.LastStatus = lastStatus.String
	return sched, nil
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
