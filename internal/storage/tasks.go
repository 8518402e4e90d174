package storage

import (
	"context"
	"database/sql"
	"time"
)

// Task schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
	TaskDone   = "done"
)

// Task is a persisted scheduled prompt.
type Task struct {
	ID            int64
	ChatFk        int64
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRunAt     *time.Time
	CreatedAt     time.Time
}

// TaskRun records one firing of a task.
type TaskRun struct {
	ID         int64
	TaskFk     int64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// CreateTask inserts a new active task.
func (s *Store) CreateTask(ctx context.Context, chatFk int64, prompt, scheduleType, scheduleValue, contextMode string, nextRunAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chatFk, prompt, scheduleType, scheduleValue, contextMode, TaskActive, ms(nextRunAt), ms(s.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at, id`,
		TaskActive, ms(s.now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CheckpointTask advances a task's schedule before its prompt is dispatched.
// The update is conditional on the previous next_run_at so a task fires at
// most once per due time even if two ticks race. For one-shot tasks pass a
// nil next and done=true.
func (s *Store) CheckpointTask(ctx context.Context, id int64, prevNextRunAt time.Time, next *time.Time, done bool) (bool, error) {
	status := TaskActive
	if done {
		status = TaskDone
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = ?, status = ? WHERE id = ? AND status = ? AND next_run_at = ?`,
		msPtr(next), status, id, TaskActive, ms(prevNextRunAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetTaskStatus pauses, resumes, or completes a task. Resuming requires the
// caller to recompute next_run_at via RescheduleTask.
func (s *Store) SetTaskStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleTask sets a task's next firing time.
func (s *Store) RescheduleTask(ctx context.Context, id int64, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, msPtr(next), id)
	return err
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE task_fk = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListTasks returns tasks for a chat, newest first. chatFk zero lists all.
func (s *Store) ListTasks(ctx context.Context, chatFk int64) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if chatFk != 0 {
		query += ` WHERE chat_fk = ?`
		args = append(args, chatFk)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Task run statuses. A run starts as running and finishes as success or
// failure.
const (
	TaskRunRunning = "running"
	TaskRunSuccess = "success"
	TaskRunFailure = "failure"
)

// StartTaskRun records the beginning of a firing.
func (s *Store) StartTaskRun(ctx context.Context, taskFk int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (task_fk, status, started_at) VALUES (?, ?, ?)`,
		taskFk, TaskRunRunning, ms(s.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishTaskRun records a firing's outcome.
func (s *Store) FinishTaskRun(ctx context.Context, runID int64, status, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, ms(s.now()), runID)
	return err
}

// ListTaskRuns returns the newest limit runs for a task.
func (s *Store) ListTaskRuns(ctx context.Context, taskFk int64, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_fk, status, error, started_at, finished_at FROM task_runs
		 WHERE task_fk = ? ORDER BY id DESC LIMIT ?`,
		taskFk, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TaskFk, &r.Status, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.StartedAt = fromMs(startedAt)
		r.FinishedAt = fromMsPtr(finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

const taskColumns = `id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var nextRunAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&t.ID, &t.ChatFk, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.Status, &nextRunAt, &createdAt); err != nil {
		return nil, err
	}
	t.NextRunAt = fromMsPtr(nextRunAt)
	t.CreatedAt = fromMs(createdAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
